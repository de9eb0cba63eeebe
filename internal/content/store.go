package content

import (
	"fmt"
	"sort"
)

// Store is an immutable mapping from Path Key to Blob. It is safe for
// concurrent use without locking because nothing writes to it after Build.
type Store struct {
	blobs map[string]*Blob
	size  int64
}

// Lookup returns the blob stored under key.
func (s *Store) Lookup(key string) (*Blob, bool) {
	if s == nil {
		return nil, false
	}
	b, ok := s.blobs[key]
	return b, ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.blobs)
}

// Size returns the total number of content bytes.
func (s *Store) Size() int64 {
	if s == nil {
		return 0
	}
	return s.size
}

// Keys returns every key in lexical order.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuilderOptions tunes store construction.
type BuilderOptions struct {
	// Source labels build errors (folder, archive, s3, ...).
	Source string
	// MaxBytes caps the total content size; zero or negative disables the cap.
	MaxBytes int64
}

// Builder accumulates entries for a Store. It is not safe for concurrent use.
type Builder struct {
	opts  BuilderOptions
	blobs map[string]*Blob
	size  int64
	built bool
}

// NewBuilder returns an empty builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Source == "" {
		opts.Source = "store"
	}
	return &Builder{opts: opts, blobs: make(map[string]*Blob)}
}

// Add inserts data under key. The builder takes ownership of data. A key that
// is already present fails with ErrDuplicateKey.
func (b *Builder) Add(key string, data []byte) error {
	return b.insert(key, data, false)
}

// Put is Add, except that a later entry replaces an earlier one under the
// same key. Archives appended to with tar -r rely on this.
func (b *Builder) Put(key string, data []byte) error {
	return b.insert(key, data, true)
}

func (b *Builder) insert(key string, data []byte, replace bool) error {
	if b.built {
		return NewBuildError(b.opts.Source, key, fmt.Errorf("builder already finalised"))
	}
	if key == "" || key[0] != '/' {
		return NewBuildError(b.opts.Source, key, fmt.Errorf("invalid key %q", key))
	}
	size := b.size
	if prev, exists := b.blobs[key]; exists {
		if !replace {
			return NewBuildError(b.opts.Source, key, ErrDuplicateKey)
		}
		size -= prev.Size()
	}
	if b.opts.MaxBytes > 0 && size+int64(len(data)) > b.opts.MaxBytes {
		return NewBuildError(b.opts.Source, key, fmt.Errorf("%w (%d bytes)", ErrTooLarge, b.opts.MaxBytes))
	}
	b.blobs[key] = NewBlob(key, data)
	b.size = size + int64(len(data))
	return nil
}

// Remaining reports how many more bytes may be added, or -1 when unbounded.
func (b *Builder) Remaining() int64 {
	if b.opts.MaxBytes <= 0 {
		return -1
	}
	return b.opts.MaxBytes - b.size
}

// RemainingFor is Remaining for a Put under key, counting the bytes that entry
// would release.
func (b *Builder) RemainingFor(key string) int64 {
	remaining := b.Remaining()
	if remaining < 0 {
		return remaining
	}
	if prev, ok := b.blobs[key]; ok {
		remaining += prev.Size()
	}
	return remaining
}

// Build finalises the store. The builder cannot be used afterwards.
func (b *Builder) Build() *Store {
	b.built = true
	s := &Store{blobs: b.blobs, size: b.size}
	b.blobs = nil
	return s
}
