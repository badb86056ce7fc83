package storage_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lumenlms/lumen/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(context.Background(), storage.Config{
		Endpoint:       "http://minio:9000",
		PublicEndpoint: "http://localhost:9000",
		Bucket:         "lumen",
		AccessKey:      "test",
		SecretKey:      "test",
	})
	if err != nil {
		t.Fatalf("expected no error creating storage client, got: %v", err)
	}
	return s
}

func TestStreamURLIsPresignedAgainstPublicEndpoint(t *testing.T) {
	s := newTestStorage(t)

	raw, err := s.StreamURL(context.Background(), "videos/intro.mp4", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "localhost:9000" {
		t.Errorf("expected public endpoint host, got %q", u.Host)
	}
	if !strings.HasPrefix(u.Path, "/lumen/videos/intro.mp4") {
		t.Errorf("expected path-style bucket and key, got %q", u.Path)
	}
	q := u.Query()
	if q.Get("X-Amz-Signature") == "" {
		t.Error("expected a signature")
	}
	if q.Get("X-Amz-Expires") != "900" {
		t.Errorf("expected 900s expiry, got %q", q.Get("X-Amz-Expires"))
	}
	if q.Get("response-content-disposition") != "inline" {
		t.Errorf("expected inline disposition, got %q", q.Get("response-content-disposition"))
	}
}

func TestNilStorageIsNotConfigured(t *testing.T) {
	var s *storage.Storage
	if _, err := s.StreamURL(context.Background(), "k", time.Minute); !errors.Is(err, storage.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.Exists(context.Background(), "k"); !errors.Is(err, storage.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
