package gcsuploader

import (
	"context"
)

// Archiver stores receipt photos.
// This interface enables mocking of cloud storage in handler tests.
type Archiver interface {
	// Archive uploads a receipt image and returns its gs:// URI.
	Archive(ctx context.Context, userID, receiptID, contentType string, data []byte) (string, error)

	// Fetch downloads the object behind a gs:// URI.
	Fetch(ctx context.Context, gcsURI string) ([]byte, error)
}
