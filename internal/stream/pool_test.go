package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/correlation"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := NewPool(cfg, WithLogger(pslog.NewStructured(context.Background(), io.Discard)))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(buf)
	return buf
}

type closeTracker struct {
	io.Reader
	closed chan struct{}
	once   atomic.Bool
}

func newCloseTracker(r io.Reader) *closeTracker {
	return &closeTracker{Reader: r, closed: make(chan struct{})}
}

func (c *closeTracker) Close() error {
	if c.once.CompareAndSwap(false, true) {
		close(c.closed)
	}
	return nil
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s not closed", what)
	}
}

func TestChunkBoundaries(t *testing.T) {
	p := newTestPool(t, Config{})
	for _, size := range []int{0, 1, 1023, 1024, 1025, 3000, 4096} {
		payload := randomBytes(size)
		body, err := p.Stream(context.Background(), "/x", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("size %d: stream: %v", size, err)
		}
		var got []byte
		chunks := 0
		for {
			c, ok := body.Next()
			if !ok {
				break
			}
			if c.Err != nil {
				t.Fatalf("size %d: unexpected error chunk %v", size, c.Err)
			}
			chunks++
			if len(c.Data) > DefaultChunkSize {
				t.Fatalf("size %d: chunk of %d bytes", size, len(c.Data))
			}
			if len(c.Data) != DefaultChunkSize && len(got)+len(c.Data) != size {
				t.Fatalf("size %d: short chunk %d before the end", size, len(c.Data))
			}
			got = append(got, c.Data...)
		}
		want := (size + DefaultChunkSize - 1) / DefaultChunkSize
		if chunks != want {
			t.Fatalf("size %d: %d chunks, want %d", size, chunks, want)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestBigSourceChunkSequence(t *testing.T) {
	p := newTestPool(t, Config{})
	payload := randomBytes(3000)
	body, err := p.Stream(context.Background(), "/big", iotest.OneByteReader(bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var sizes []int
	for {
		c, ok := body.Next()
		if !ok {
			break
		}
		sizes = append(sizes, len(c.Data))
	}
	// 3000 = 1024 + 1024 + 952, regardless of how short the source reads are.
	if len(sizes) != 3 || sizes[0] != 1024 || sizes[1] != 1024 || sizes[2] != 952 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
}

func TestReadErrorYieldsTerminalChunk(t *testing.T) {
	p := newTestPool(t, Config{})
	boom := errors.New("disk on fire")
	src := io.MultiReader(bytes.NewReader(randomBytes(2048)), iotest.ErrReader(boom))
	body, err := p.Stream(context.Background(), "/broken", src)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var data, errs int
	for {
		c, ok := body.Next()
		if !ok {
			break
		}
		if c.Err != nil {
			errs++
			if !errors.Is(c.Err, ErrStreamCorrupted) {
				t.Fatalf("terminal error does not wrap ErrStreamCorrupted: %v", c.Err)
			}
			continue
		}
		if errs > 0 {
			t.Fatal("data chunk after terminal error")
		}
		data++
	}
	if data != 2 || errs != 1 {
		t.Fatalf("data=%d errs=%d", data, errs)
	}
	if _, ok := body.Next(); ok {
		t.Fatal("chunks after terminal error")
	}
}

func TestZeroReadEndsSource(t *testing.T) {
	p := newTestPool(t, Config{})
	body, err := p.Stream(context.Background(), "/z", zeroReader{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) != 0 {
		t.Fatalf("data=%d err=%v", len(data), err)
	}
}

type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error) { return 0, nil }

func TestBodyReadAndWriteTo(t *testing.T) {
	p := newTestPool(t, Config{ChunkSize: 100})
	payload := randomBytes(1234)
	src := newCloseTracker(bytes.NewReader(payload))

	body, err := p.Stream(context.Background(), "/r", src)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	head := make([]byte, 10)
	if _, err := io.ReadFull(body, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	rec := httptest.NewRecorder()
	n, err := body.WriteTo(rec)
	if err != nil {
		t.Fatalf("write to: %v", err)
	}
	if int(n)+len(head) != len(payload) {
		t.Fatalf("wrote %d bytes", n)
	}
	if !bytes.Equal(append(head, rec.Body.Bytes()...), payload) {
		t.Fatal("payload mismatch")
	}
	if !rec.Flushed {
		t.Fatal("expected flush per chunk")
	}
	waitClosed(t, src.closed, "source")
}

func TestWriteToReportsCorruption(t *testing.T) {
	p := newTestPool(t, Config{})
	src := io.MultiReader(bytes.NewReader(randomBytes(10)), iotest.ErrReader(errors.New("bad sector")))
	body, err := p.Stream(context.Background(), "/c", src)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var buf bytes.Buffer
	n, err := body.WriteTo(&buf)
	if !errors.Is(err, ErrStreamCorrupted) {
		t.Fatalf("expected ErrStreamCorrupted, got %v", err)
	}
	if n != 10 || buf.Len() != 10 {
		t.Fatalf("expected the 10 bytes before the failure, got %d", n)
	}
}

func TestBodyCloseAbandonsJob(t *testing.T) {
	p := newTestPool(t, Config{ChunkBuffer: 1})
	src := newCloseTracker(infiniteReader{})
	body, err := p.Stream(context.Background(), "/inf", src)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, ok := body.Next(); !ok {
		t.Fatal("expected a first chunk")
	}
	_ = body.Close()
	waitClosed(t, src.closed, "abandoned source")
}

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

// blockedJob submits a job whose source blocks until release is called.
func blockedJob(t *testing.T, p *Pool, key string) (chan Chunk, *closeTracker, func()) {
	t.Helper()
	pr, pw := io.Pipe()
	src := newCloseTracker(pr)
	dest := make(chan Chunk, 4)
	err := p.Submit(context.Background(), Job{Key: key, Source: src, Dest: dest})
	if err != nil {
		t.Fatalf("submit %s: %v", key, err)
	}
	return dest, src, func() { _ = pw.CloseWithError(io.ErrUnexpectedEOF) }
}

func TestSubmitQueueFull(t *testing.T) {
	p := newTestPool(t, Config{QueueSize: 1, MaxActive: 1, EnqueueTimeout: 200 * time.Millisecond})
	_, _, release1 := blockedJob(t, p, "/1")
	_, _, release2 := blockedJob(t, p, "/2")
	_, _, release3 := blockedJob(t, p, "/3")
	defer func() {
		release1()
		release2()
		release3()
	}()
	err := p.Submit(context.Background(), Job{Key: "/4", Source: bytes.NewReader(nil), Dest: make(chan Chunk, 1)})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p2 := newTestPool(t, Config{QueueSize: 1, MaxActive: 1})
	_, _, r1 := blockedJob(t, p2, "/a")
	_, _, r2 := blockedJob(t, p2, "/b")
	_, _, r3 := blockedJob(t, p2, "/c")
	defer func() {
		r1()
		r2()
		r3()
	}()
	err = p2.Submit(ctx, Job{Key: "/d", Source: bytes.NewReader(nil), Dest: make(chan Chunk, 1)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStreamClosesSourceOnEnqueueFailure(t *testing.T) {
	p := NewPool(Config{})
	_ = p.Close()
	src := newCloseTracker(bytes.NewReader([]byte("x")))
	if _, err := p.Stream(context.Background(), "/x", src); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	waitClosed(t, src.closed, "rejected source")
}

func TestCloseAbandonsQueuedJobs(t *testing.T) {
	p := NewPool(Config{QueueSize: 1, MaxActive: 1}, WithLogger(pslog.NewStructured(context.Background(), io.Discard)))
	dest1, _, release1 := blockedJob(t, p, "/1")
	dest2, src2, release2 := blockedJob(t, p, "/2")
	dest3, src3, release3 := blockedJob(t, p, "/3")
	defer release2()
	defer release3()

	closed := make(chan struct{})
	go func() {
		_ = p.Close()
		close(closed)
	}()
	for name, dest := range map[string]chan Chunk{"/2": dest2, "/3": dest3} {
		select {
		case c, ok := <-dest:
			if ok {
				t.Fatalf("%s: unexpected chunk %+v", name, c)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: destination not closed", name)
		}
	}
	waitClosed(t, src2.closed, "queued source /2")
	waitClosed(t, src3.closed, "queued source /3")

	release1()
	waitClosed(t, closed, "pool")
	for range dest1 {
	}
	if err := p.Submit(context.Background(), Job{Key: "/late", Source: bytes.NewReader(nil), Dest: make(chan Chunk, 1)}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSubmitValidatesJob(t *testing.T) {
	p := newTestPool(t, Config{})
	if err := p.Submit(context.Background(), Job{Key: "/x"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxActive: -3}.withDefaults()
	if cfg.ChunkSize != DefaultChunkSize || cfg.QueueSize != DefaultQueueSize || cfg.MaxActive != 0 || cfg.ChunkBuffer != DefaultChunkBuffer {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamLogsRequestID(t *testing.T) {
	var logs lockedBuffer
	logger := pslog.NewWithOptions(context.Background(), &logs, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
	p := NewPool(Config{}, WithLogger(logger))
	t.Cleanup(func() { _ = p.Close() })

	ctx := correlation.With(context.Background(), "req-42")
	body, err := p.Stream(ctx, "/traced", bytes.NewReader(randomBytes(10)))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := io.ReadAll(body); err != nil {
		t.Fatalf("read: %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "stream.job.completed") || !strings.Contains(out, "req-42") {
		t.Fatalf("expected completion log with request id, got %q", out)
	}
}

func TestBodyStopsWhenContextEnds(t *testing.T) {
	p := newTestPool(t, Config{})
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	body, err := p.Stream(ctx, "/stalled", pr)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	readErr := make(chan error, 1)
	go func() {
		_, err := body.WriteTo(io.Discard)
		readErr <- err
	}()
	cancel()
	select {
	case err := <-readErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("body ignored its context")
	}
	_ = body.Close()
	// Abandoning closes the pipe reader, so the writer side fails.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := pw.Write([]byte("x")); errors.Is(err, io.ErrClosedPipe) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned source was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownClosesRunningSources(t *testing.T) {
	p := NewPool(Config{}, WithLogger(pslog.NewStructured(context.Background(), io.Discard)))
	pr, pw := io.Pipe()
	defer pw.Close()
	dest := make(chan Chunk, 1)
	if err := p.Submit(context.Background(), Job{Key: "/running", Source: pr, Dest: dest}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for c := range dest {
		if c.Err != nil {
			t.Fatalf("closing a source must not report corruption: %v", c.Err)
		}
	}
}

// stuckReader blocks in Read until release is closed and cannot be closed.
type stuckReader struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stuckReader) Read([]byte) (int, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return 0, io.EOF
}

func TestShutdownHonoursDeadline(t *testing.T) {
	p := NewPool(Config{}, WithLogger(pslog.NewStructured(context.Background(), io.Discard)))
	src := &stuckReader{started: make(chan struct{}), release: make(chan struct{})}
	defer close(src.release)
	if err := p.Submit(context.Background(), Job{Key: "/stuck", Source: src, Dest: make(chan Chunk, 1)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitClosed(t, src.started, "reader start")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}
}
