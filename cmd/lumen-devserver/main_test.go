package main

import (
	"testing"

	"github.com/lumenlms/lumen/internal/config"
)

func TestStorageConfigDisabledWithoutEndpoint(t *testing.T) {
	if _, ok := storageConfig(config.S3{Bucket: "lumen"}); ok {
		t.Error("expected storage to be disabled without an endpoint")
	}
}

func TestStorageConfigCopiesFields(t *testing.T) {
	in := config.S3{
		Endpoint:       "http://localhost:3900",
		PublicEndpoint: "https://media.example.com",
		Bucket:         "lumen",
		AccessKey:      "key",
		SecretKey:      "secret",
		Region:         "garage",
	}
	got, ok := storageConfig(in)
	if !ok {
		t.Fatal("expected storage to be enabled")
	}
	if got.Endpoint != in.Endpoint || got.PublicEndpoint != in.PublicEndpoint || got.Bucket != in.Bucket ||
		got.AccessKey != in.AccessKey || got.SecretKey != in.SecretKey || got.Region != in.Region {
		t.Errorf("unexpected storage config: %+v", got)
	}
}
