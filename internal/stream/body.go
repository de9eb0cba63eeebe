package stream

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// Body reads a Job's destination channel. It is an io.ReadCloser for ordinary
// consumers and an io.WriterTo that flushes after every chunk when the writer
// supports it. A terminal chunk error is returned as-is and wraps
// ErrStreamCorrupted. When the context given to Stream ends, reads fail with
// the context error so the caller can Close the body and abandon the Job.
type Body struct {
	ctx       context.Context
	ch        <-chan Chunk
	abandon   chan struct{}
	closeOnce sync.Once
	pending   []byte
	err       error
}

func newBody(ctx context.Context, ch <-chan Chunk) *Body {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Body{ctx: ctx, ch: ch, abandon: make(chan struct{})}
}

// NewBody wraps a destination channel fed by a Job submitted elsewhere.
// Closing the body closes the returned abandon channel, which belongs in
// Job.Abandon.
func NewBody(ctx context.Context, ch <-chan Chunk) (*Body, <-chan struct{}) {
	b := newBody(ctx, ch)
	return b, b.abandon
}

// Next returns the next chunk as produced by the worker. ok is false once the
// Job has ended or the context is done; Err tells which.
func (b *Body) Next() (Chunk, bool) {
	if b.err != nil {
		return Chunk{}, false
	}
	var (
		c  Chunk
		ok bool
	)
	select {
	case c, ok = <-b.ch:
	case <-b.ctx.Done():
		b.err = b.ctx.Err()
		return Chunk{}, false
	}
	if !ok {
		b.err = io.EOF
		return Chunk{}, false
	}
	if c.Err != nil {
		b.err = c.Err
	}
	return c, true
}

func (b *Body) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		c, ok := b.Next()
		if !ok {
			return 0, b.err
		}
		if c.Err != nil {
			return 0, c.Err
		}
		b.pending = c.Data
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// WriteTo copies every remaining chunk to w in order.
func (b *Body) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(b.pending) > 0 {
		n, err := w.Write(b.pending)
		total += int64(n)
		b.pending = nil
		if err != nil {
			return total, err
		}
		flush(w)
	}
	for {
		c, ok := b.Next()
		if !ok {
			return total, b.Err()
		}
		if c.Err != nil {
			return total, c.Err
		}
		n, err := w.Write(c.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
		flush(w)
	}
}

// Err returns the error that ended the body, or nil after a clean end.
func (b *Body) Err() error {
	if b.err == io.EOF {
		return nil
	}
	return b.err
}

// Close abandons the Job. The worker stops at its next send.
func (b *Body) Close() error {
	b.closeOnce.Do(func() {
		close(b.abandon)
	})
	return nil
}

func flush(w io.Writer) {
	switch f := w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		_ = f.Flush()
	}
}
