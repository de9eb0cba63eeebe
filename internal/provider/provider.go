// Package provider resolves path keys to content. Static providers answer from
// an immutable content.Store; the once provider answers from the registration
// channel and hands each registered source to exactly one request.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/registry"
)

// ErrProviderLost is returned by Find when the provider's owning task is gone.
var ErrProviderLost = registry.ErrProviderLost

// Kind tags an Outcome.
type Kind int

const (
	// NotFound means nothing is known under the key.
	NotFound Kind = iota
	// BlobKind carries an in-memory blob.
	BlobKind
	// Streamable carries a one-shot byte source the caller now owns.
	Streamable
)

func (k Kind) String() string {
	switch k {
	case BlobKind:
		return "blob"
	case Streamable:
		return "stream"
	default:
		return "not_found"
	}
}

// Outcome is the result of a lookup. Exactly one of Blob or Source is set
// depending on Kind. A Streamable Source must be read at most once and closed
// by the receiver.
type Outcome struct {
	Kind   Kind
	Blob   *content.Blob
	Source io.ReadCloser
}

// Found reports whether the outcome carries content.
func (o Outcome) Found() bool { return o.Kind != NotFound }

// Provider resolves normalised path keys.
type Provider interface {
	Find(ctx context.Context, key string) (Outcome, error)
	Variant() string
	Close() error
}

// Variant names.
const (
	VariantFolder  = "folder"
	VariantArchive = "archive"
	VariantS3      = "s3"
	VariantAWS     = "aws"
	VariantAzure   = "azure"
	VariantOnce    = "once"
)

// IsLost reports whether err means the provider can no longer answer.
func IsLost(err error) bool {
	return errors.Is(err, ErrProviderLost)
}

func wrapLost(variant string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, registry.ErrProviderLost) {
		return fmt.Errorf("provider %s: %w", variant, err)
	}
	return err
}
