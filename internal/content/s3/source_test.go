package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "staticd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
	return server, cfg
}

func putObject(t *testing.T, src *Source, key, body string) {
	t.Helper()
	if body == "" {
		putEmpty(t, src, key)
		return
	}
	_, err := src.Client().PutObject(context.Background(), src.Config().Bucket, key,
		bytes.NewReader([]byte(body)), int64(len(body)), minio.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

// putEmpty writes a zero-length object with an explicit Content-Length, which
// the fake server insists on.
func putEmpty(t *testing.T, src *Source, key string) {
	t.Helper()
	url := "http://" + src.Config().Endpoint + "/" + src.Config().Bucket + "/" + key
	req, err := http.NewRequest(http.MethodPut, url, http.NoBody)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	req.ContentLength = 0
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put %s: status %d", key, resp.StatusCode)
	}
}

func TestBuildFromBucketPrefix(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "/site/"
	src, err := New(cfg)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	ctx := context.Background()
	if err := src.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	putObject(t, src, "site/index.html", "hello")
	putObject(t, src, "site/css/style.css", "body{}")
	putObject(t, src, "site/empty.txt", "")
	putObject(t, src, "other/secret.txt", "nope")

	store, err := src.Build(ctx, content.BuilderOptions{}, pslog.NewStructured(context.Background(), io.Discard))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("entries=%v want 2", store.Keys())
	}
	if blob, ok := store.Lookup("/index.html"); !ok || string(blob.Data) != "hello" {
		t.Fatalf("index missing or wrong: %v", store.Keys())
	}
	if blob, ok := store.Lookup("/css/style.css"); !ok || string(blob.Data) != "body{}" {
		t.Fatalf("style missing or wrong: %v", store.Keys())
	}
	if _, ok := store.Lookup("/secret.txt"); ok {
		t.Fatal("objects outside the prefix must not be loaded")
	}
}

func TestBuildHonoursMaxBytes(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	src, err := New(cfg)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	putObject(t, src, "big.bin", strings.Repeat("x", 64))
	_, err = src.Build(context.Background(), content.BuilderOptions{MaxBytes: 16}, nil)
	if !errors.Is(err, content.ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
}

func TestPingMissingBucket(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Bucket = "missing-bucket"
	src, err := New(cfg)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if err := src.Ping(context.Background()); err == nil {
		t.Fatal("expected missing bucket error")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
