package gcsuploader

import (
	"errors"
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC)
	tests := []struct {
		user, receipt, contentType string
		want                       string
	}{
		{"u1", "r1", "image/jpeg", "receipts/2026/03/09/u1/r1.jpg"},
		{"u1", "r2", "image/PNG; charset=binary", "receipts/2026/03/09/u1/r2.png"},
		{"", "r3", "application/pdf", "receipts/2026/03/09/anonymous/r3.pdf"},
		{"u2", "r4", "", "receipts/2026/03/09/u2/r4.bin"},
	}
	for _, tt := range tests {
		if got := ObjectName(tt.user, tt.receipt, tt.contentType, at); got != tt.want {
			t.Errorf("ObjectName(%q, %q, %q) = %q, want %q", tt.user, tt.receipt, tt.contentType, got, tt.want)
		}
	}
}

func TestParseGCSURI(t *testing.T) {
	bucket, object, err := ParseGCSURI("gs://mispesos-receipts/receipts/2026/03/09/u1/r1.jpg")
	if err != nil {
		t.Fatalf("ParseGCSURI: %v", err)
	}
	if bucket != "mispesos-receipts" || object != "receipts/2026/03/09/u1/r1.jpg" {
		t.Errorf("got %q %q", bucket, object)
	}

	for _, bad := range []string{"", "https://example.com/a.jpg", "gs://bucket-only", "gs:///object", "gs://bucket/"} {
		if _, _, err := ParseGCSURI(bad); err == nil {
			t.Errorf("ParseGCSURI(%q) expected error", bad)
		}
	}
}

func TestExtractFilenameFromGCSURI(t *testing.T) {
	tests := map[string]string{
		"gs://bucket/receipts/2026/r1.jpg": "r1.jpg",
		"gs://bucket/r2.png":               "r2.png",
		"gs://bucket":                      "bucket",
	}
	for uri, want := range tests {
		if got := ExtractFilenameFromGCSURI(uri); got != want {
			t.Errorf("ExtractFilenameFromGCSURI(%q) = %q, want %q", uri, got, want)
		}
	}
}

func TestReceiptObject(t *testing.T) {
	object, err := ReceiptObject("gs://mispesos-receipts/receipts/2026/03/09/u1/r1.jpg", "mispesos-receipts")
	if err != nil {
		t.Fatalf("ReceiptObject: %v", err)
	}
	if object != "receipts/2026/03/09/u1/r1.jpg" {
		t.Errorf("object = %q", object)
	}

	for _, uri := range []string{
		"gs://other-bucket/receipts/2026/03/09/u1/r1.jpg",
		"gs://mispesos-receipts/exports/all.csv",
	} {
		if _, err := ReceiptObject(uri, "mispesos-receipts"); !errors.Is(err, ErrOtherBucket) {
			t.Errorf("ReceiptObject(%q) = %v, want ErrOtherBucket", uri, err)
		}
	}
	if _, err := ReceiptObject("not-a-uri", "mispesos-receipts"); err == nil {
		t.Error("expected error for an invalid URI")
	}
}
