package gcsuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// maxFetchBytes bounds a downloaded receipt photo.
const maxFetchBytes = 20 << 20

var (
	// ErrOtherBucket rejects URIs outside the archive bucket.
	ErrOtherBucket = errors.New("object is outside the receipt bucket")
	ErrNotArchived = errors.New("receipt photo not found")
)

// ReceiptObject validates that gcsURI names a receipt photo in bucket and
// returns its object path.
func ReceiptObject(gcsURI, bucket string) (string, error) {
	b, object, err := ParseGCSURI(gcsURI)
	if err != nil {
		return "", err
	}
	if b != bucket || !strings.HasPrefix(object, "receipts/") {
		return "", fmt.Errorf("%s: %w", gcsURI, ErrOtherBucket)
	}
	return object, nil
}

// ParseGCSURI splits gs://bucket/path/to/object into bucket and object.
func ParseGCSURI(gcsURI string) (bucket, object string, err error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", gcsURI)
	}
	parts := strings.SplitN(strings.TrimPrefix(gcsURI, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", gcsURI)
	}
	return parts[0], parts[1], nil
}

// ExtractFilenameFromGCSURI extracts the filename from a GCS URI.
// e.g., "gs://bucket/receipts/r1.jpg" → "r1.jpg"
func ExtractFilenameFromGCSURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}

// Fetch implements Archiver. Only receipt photos in the archive bucket can
// be fetched.
func (a *GCSArchiver) Fetch(ctx context.Context, gcsURI string) ([]byte, error) {
	object, err := ReceiptObject(gcsURI, a.bucket)
	if err != nil {
		return nil, err
	}

	rc, err := a.client.Bucket(a.bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", gcsURI, ErrNotArchived)
	}
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", a.bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}
