package provider

import (
	"context"
	"sync/atomic"

	"pkt.systems/staticd/internal/content"
)

// Static serves blobs from an immutable store. Lookups never block.
type Static struct {
	variant string
	store   atomic.Pointer[content.Store]
}

// NewStatic wraps store under the given variant name.
func NewStatic(variant string, store *content.Store) *Static {
	s := &Static{variant: variant}
	s.store.Store(store)
	return s
}

// NewFolder wraps a store built from a directory walk.
func NewFolder(store *content.Store) *Static { return NewStatic(VariantFolder, store) }

// NewArchive wraps a store built from an archive scan.
func NewArchive(store *content.Store) *Static { return NewStatic(VariantArchive, store) }

// Find looks key up in the current store.
func (s *Static) Find(_ context.Context, key string) (Outcome, error) {
	blob, ok := s.store.Load().Lookup(key)
	if !ok {
		return Outcome{Kind: NotFound}, nil
	}
	return Outcome{Kind: BlobKind, Blob: blob}, nil
}

// Swap installs a freshly built store. The previous store is left untouched so
// requests already holding one of its blobs are unaffected.
func (s *Static) Swap(store *content.Store) *content.Store {
	return s.store.Swap(store)
}

// Store returns the store currently served.
func (s *Static) Store() *content.Store { return s.store.Load() }

// Variant implements Provider.
func (s *Static) Variant() string { return s.variant }

// Close implements Provider.
func (s *Static) Close() error { return nil }
