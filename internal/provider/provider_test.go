package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/registry"
)

func buildStore(t *testing.T, entries map[string]string) *content.Store {
	t.Helper()
	b := content.NewBuilder(content.BuilderOptions{})
	for k, v := range entries {
		if err := b.Add(k, []byte(v)); err != nil {
			t.Fatalf("add %s: %v", k, err)
		}
	}
	return b.Build()
}

func TestStaticFind(t *testing.T) {
	p := NewFolder(buildStore(t, map[string]string{"/index.html": "hello"}))
	if p.Variant() != VariantFolder {
		t.Fatalf("variant=%q", p.Variant())
	}
	out, err := p.Find(context.Background(), "/index.html")
	if err != nil || out.Kind != BlobKind {
		t.Fatalf("find: %+v err=%v", out, err)
	}
	if string(out.Blob.Data) != "hello" || !strings.HasPrefix(out.Blob.MIME, "text/html") {
		t.Fatalf("unexpected blob %q %q", out.Blob.Data, out.Blob.MIME)
	}
	for i := 0; i < 2; i++ {
		out, err = p.Find(context.Background(), "/missing.txt")
		if err != nil || out.Kind != NotFound || out.Found() {
			t.Fatalf("miss %d: %+v err=%v", i, out, err)
		}
	}
}

func TestStaticSwapLeavesOldStoreIntact(t *testing.T) {
	oldStore := buildStore(t, map[string]string{"/a": "1"})
	p := NewArchive(oldStore)
	held, _ := p.Find(context.Background(), "/a")
	prev := p.Swap(buildStore(t, map[string]string{"/b": "2"}))
	if prev != oldStore {
		t.Fatal("swap should return the previous store")
	}
	if out, _ := p.Find(context.Background(), "/a"); out.Found() {
		t.Fatal("old key still served after swap")
	}
	if out, _ := p.Find(context.Background(), "/b"); !out.Found() {
		t.Fatal("new key not served after swap")
	}
	if string(held.Blob.Data) != "1" {
		t.Fatal("blob held across swap changed")
	}
}

func TestOnceServesRegisteredSourceOnce(t *testing.T) {
	p, reg := NewOnce()
	defer p.Close()
	ctx := context.Background()
	if err := reg.Register(ctx, "/example", strings.NewReader("data")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if n, err := p.Pending(ctx); err != nil || n != 1 {
		t.Fatalf("pending=%d err=%v", n, err)
	}
	out, err := p.Find(ctx, "/example")
	if err != nil || out.Kind != Streamable || out.Source == nil {
		t.Fatalf("find: %+v err=%v", out, err)
	}
	data, _ := io.ReadAll(out.Source)
	_ = out.Source.Close()
	if string(data) != "data" {
		t.Fatalf("got %q", data)
	}
	out, err = p.Find(ctx, "/example")
	if err != nil || out.Kind != NotFound {
		t.Fatalf("second find: %+v err=%v", out, err)
	}
}

func TestOnceRegisterFile(t *testing.T) {
	p, reg := NewOnce(registry.WithConflictPolicy(registry.RejectDuplicates))
	defer p.Close()
	path := filepath.Join(t.TempDir(), "example.txt")
	if err := os.WriteFile(path, []byte("from disk"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx := context.Background()
	if err := reg.RegisterFile(ctx, "/example", path); err != nil {
		t.Fatalf("register file: %v", err)
	}
	if err := reg.RegisterFile(ctx, "/example", path); !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := reg.RegisterFile(ctx, "/nope", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected open error")
	}
	out, _ := p.Find(ctx, "/example")
	data, _ := io.ReadAll(out.Source)
	_ = out.Source.Close()
	if string(data) != "from disk" {
		t.Fatalf("got %q", data)
	}
}

func TestOnceProviderLost(t *testing.T) {
	p, reg := NewOnce()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := p.Find(context.Background(), "/x")
	if !IsLost(err) {
		t.Fatalf("expected provider lost, got %v", err)
	}
	if err := reg.Register(context.Background(), "/x", strings.NewReader("")); !IsLost(err) {
		t.Fatalf("expected provider lost on register, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	if NotFound.String() != "not_found" || BlobKind.String() != "blob" || Streamable.String() != "stream" {
		t.Fatal("unexpected kind labels")
	}
}
