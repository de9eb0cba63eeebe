package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

type entry struct {
	name string
	body string
	dir  bool
}

var siteEntries = []entry{
	{name: "./", dir: true},
	{name: "./index.html", body: "hello"},
	{name: "./style.css", body: "body{}"},
	{name: "./js/", dir: true},
	{name: "./js/app.js", body: "console.log('x')"},
	{name: "./empty.txt", body: ""},
}

func makeTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("header %s: %v", e.name, err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func testOptions() Options {
	return Options{Logger: pslog.NewStructured(context.Background(), io.Discard)}
}

func assertSite(t *testing.T, store *content.Store) {
	t.Helper()
	want := map[string]string{
		"/index.html": "hello",
		"/style.css":  "body{}",
		"/js/app.js":  "console.log('x')",
	}
	if store.Len() != len(want) {
		t.Fatalf("entries=%v want %d", store.Keys(), len(want))
	}
	for key, body := range want {
		blob, ok := store.Lookup(key)
		if !ok {
			t.Fatalf("missing %s in %v", key, store.Keys())
		}
		if string(blob.Data) != body {
			t.Fatalf("%s=%q want %q", key, blob.Data, body)
		}
	}
	if _, ok := store.Lookup("/empty.txt"); ok {
		t.Fatal("zero sized entry must be skipped")
	}
}

func TestBuildPlainTar(t *testing.T) {
	t.Parallel()
	store, err := Build(context.Background(), bytes.NewReader(makeTar(t, siteEntries)), testOptions())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	assertSite(t, store)
}

func TestBuildLaterEntryWins(t *testing.T) {
	t.Parallel()
	entries := []entry{
		{name: "./a.txt", body: "old"},
		{name: "./b.txt", body: "kept"},
		{name: "./a.txt", body: "new"},
	}
	store, err := Build(context.Background(), bytes.NewReader(makeTar(t, entries)), testOptions())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	blob, ok := store.Lookup("/a.txt")
	if !ok || string(blob.Data) != "new" {
		t.Fatalf("expected appended entry to win, got %v", blob)
	}
	if store.Len() != 2 || store.Size() != int64(len("new")+len("kept")) {
		t.Fatalf("len=%d size=%d", store.Len(), store.Size())
	}
}

func TestBuildCompressedTar(t *testing.T) {
	t.Parallel()
	raw := makeTar(t, siteEntries)
	compressors := map[Compression]func([]byte) []byte{
		CompressionGzip: func(p []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(p)
			_ = zw.Close()
			return buf.Bytes()
		},
		CompressionZstd: func(p []byte) []byte {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				t.Fatalf("zstd writer: %v", err)
			}
			defer enc.Close()
			return enc.EncodeAll(p, nil)
		},
		CompressionLZ4: func(p []byte) []byte {
			var buf bytes.Buffer
			zw := lz4.NewWriter(&buf)
			_, _ = zw.Write(p)
			_ = zw.Close()
			return buf.Bytes()
		},
	}
	for codec, compress := range compressors {
		payload := compress(raw)
		for _, mode := range []Compression{codec, CompressionAuto} {
			opts := testOptions()
			opts.Compression = mode
			store, err := Build(context.Background(), bytes.NewReader(payload), opts)
			if err != nil {
				t.Fatalf("%s (%s): build: %v", codec, mode, err)
			}
			assertSite(t, store)
		}
	}
}

func TestBuildFileUsesExtension(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(makeTar(t, siteEntries)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "static.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := BuildFile(context.Background(), path, testOptions())
	if err != nil {
		t.Fatalf("build file: %v", err)
	}
	assertSite(t, store)
}

func TestBuildFailsWithoutPartialStore(t *testing.T) {
	t.Parallel()
	raw := makeTar(t, siteEntries)
	truncated := raw[:600]
	store, err := Build(context.Background(), bytes.NewReader(truncated), testOptions())
	if err == nil {
		t.Fatal("expected truncated archive to fail")
	}
	if store != nil {
		t.Fatal("no store may be returned on failure")
	}
	if !errors.Is(err, content.ErrBuild) {
		t.Fatalf("expected build error, got %v", err)
	}
	garbage := bytes.Repeat([]byte{0xab}, 1024)
	if _, err := Build(context.Background(), bytes.NewReader(garbage), testOptions()); !errors.Is(err, content.ErrBuild) {
		t.Fatalf("expected build error for garbage, got %v", err)
	}
	if _, err := BuildFile(context.Background(), filepath.Join(t.TempDir(), "nope.tar"), testOptions()); !errors.Is(err, content.ErrBuild) {
		t.Fatalf("expected build error for missing file, got %v", err)
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Compression{"": CompressionAuto, "GZIP": CompressionGzip, "zst": CompressionZstd, "lz4": CompressionLZ4, "none": CompressionNone} {
		got, err := ParseCompression(raw)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q)=%q,%v want %q", raw, got, err, want)
		}
	}
	if _, err := ParseCompression("bzip2"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
	if got := CompressionFromName("site.TGZ"); got != CompressionGzip {
		t.Fatalf("CompressionFromName(tgz)=%q", got)
	}
	if got := CompressionFromName("site.bin"); got != CompressionAuto {
		t.Fatalf("CompressionFromName(bin)=%q", got)
	}
}
