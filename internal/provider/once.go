package provider

import (
	"context"
	"fmt"
	"io"
	"os"

	"pkt.systems/staticd/internal/registry"
)

// Once serves sources parked in a registration channel. Each registered source
// is handed to one request and then forgotten.
type Once struct {
	reg *registry.Registry
}

// Registrator is the external handle used to park sources for a Once provider.
type Registrator struct {
	reg *registry.Registry
}

// NewOnce starts a registration channel and returns the provider together with
// the matching registrator.
func NewOnce(opts ...registry.Option) (*Once, *Registrator) {
	reg := registry.New(opts...)
	return &Once{reg: reg}, &Registrator{reg: reg}
}

// Find asks the registration channel for key. It suspends until the owner
// answers and fails with ErrProviderLost if the owner has exited.
func (o *Once) Find(ctx context.Context, key string) (Outcome, error) {
	src, ok, err := o.reg.Find(ctx, key)
	if err != nil {
		return Outcome{}, wrapLost(VariantOnce, err)
	}
	if !ok {
		return Outcome{Kind: NotFound}, nil
	}
	return Outcome{Kind: Streamable, Source: src}, nil
}

// Pending reports how many registered sources have not been served yet.
func (o *Once) Pending(ctx context.Context) (int, error) {
	n, err := o.reg.Len(ctx)
	return n, wrapLost(VariantOnce, err)
}

// Variant implements Provider.
func (o *Once) Variant() string { return VariantOnce }

// Close stops the registration channel and closes every parked source.
func (o *Once) Close() error { return o.reg.Close() }

// Done is closed once the registration channel has stopped.
func (o *Once) Done() <-chan struct{} { return o.reg.Done() }

// Register parks src under key. It returns once the registration channel has
// accepted the message.
func (r *Registrator) Register(ctx context.Context, key string, src io.Reader) error {
	return wrapLost(VariantOnce, r.reg.Register(ctx, key, src))
}

// RegisterFile opens path and registers the file handle under key. The handle
// is closed after it has been streamed or discarded.
func (r *Registrator) RegisterFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("provider: open %s: %w", path, err)
	}
	if err := r.Register(ctx, key, f); err != nil {
		_ = f.Close()
		return err
	}
	return nil
}
