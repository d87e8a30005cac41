// Package gcsuploader archives receipt photos in Google Cloud Storage.
package gcsuploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const uploadTimeout = 2 * time.Minute

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"application/pdf": ".pdf",
}

// GCSArchiver is the concrete implementation of Archiver.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

// NewGCSArchiver creates an archiver for bucket. It assumes Application
// Default Credentials are configured.
func NewGCSArchiver(ctx context.Context, bucket string) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewGCSArchiver: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, now: time.Now}, nil
}

// Close releases the storage client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}

// ObjectName builds the object path of a receipt photo:
// receipts/<yyyy>/<mm>/<dd>/<user>/<receipt><ext>.
func ObjectName(userID, receiptID, contentType string, at time.Time) string {
	if userID == "" {
		userID = "anonymous"
	}
	ext := extensions[strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))]
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("receipts/%s/%s/%s%s", at.Format("2006/01/02"), userID, receiptID, ext)
}

// Archive implements Archiver.
func (a *GCSArchiver) Archive(ctx context.Context, userID, receiptID, contentType string, data []byte) (string, error) {
	objectName := ObjectName(userID, receiptID, contentType, a.now())

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"user_id": userID, "receipt_id": receiptID}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy receipt to GCS writer: %w", err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, objectName), nil
}

var _ Archiver = (*GCSArchiver)(nil)
