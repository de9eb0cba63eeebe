package registry

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"
)

type trackedReader struct {
	io.Reader
	closed atomic.Bool
}

func (t *trackedReader) Close() error {
	t.closed.Store(true)
	return nil
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(pslog.NewStructured(context.Background(), io.Discard))}, opts...)
	r := New(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegisterThenFindIsSingleFlight(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.Register(ctx, "/example", strings.NewReader("payload")); err != nil {
		t.Fatalf("register: %v", err)
	}
	src, ok, err := r.Find(ctx, "/example")
	if err != nil || !ok {
		t.Fatalf("first find: ok=%v err=%v", ok, err)
	}
	data, _ := io.ReadAll(src)
	if string(data) != "payload" {
		t.Fatalf("unexpected payload %q", data)
	}
	_, ok, err = r.Find(ctx, "/example")
	if err != nil || ok {
		t.Fatalf("second find: ok=%v err=%v", ok, err)
	}
	if n, err := r.Len(ctx); err != nil || n != 0 {
		t.Fatalf("len=%d err=%v", n, err)
	}
}

func TestFindMissIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		src, ok, err := r.Find(context.Background(), "/nope")
		if err != nil || ok || src != nil {
			t.Fatalf("iteration %d: src=%v ok=%v err=%v", i, src, ok, err)
		}
	}
}

func TestConcurrentFindsYieldExactlyOneHit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	const callers = 32
	for round := 0; round < 10; round++ {
		if err := r.Register(ctx, "/race", strings.NewReader("x")); err != nil {
			t.Fatalf("register: %v", err)
		}
		var (
			wg   sync.WaitGroup
			hits atomic.Int32
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, ok, err := r.Find(ctx, "/race")
				if err != nil {
					t.Errorf("find: %v", err)
					return
				}
				if ok {
					hits.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		if got := hits.Load(); got != 1 {
			t.Fatalf("round %d: %d hits, want 1", round, got)
		}
	}
}

func TestReplaceClosesDisplacedSource(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	first := &trackedReader{Reader: strings.NewReader("old")}
	if err := r.Register(ctx, "/k", first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := r.Register(ctx, "/k", strings.NewReader("new")); err != nil {
		t.Fatalf("register second: %v", err)
	}
	src, ok, err := r.Find(ctx, "/k")
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	data, _ := io.ReadAll(src)
	if string(data) != "new" {
		t.Fatalf("last write should win, got %q", data)
	}
	if !first.closed.Load() {
		t.Fatal("displaced source was not closed")
	}
}

func TestRejectDuplicates(t *testing.T) {
	r := newTestRegistry(t, WithConflictPolicy(RejectDuplicates))
	ctx := context.Background()
	if err := r.Register(ctx, "/k", strings.NewReader("first")); err != nil {
		t.Fatalf("register first: %v", err)
	}
	err := r.Register(ctx, "/k", strings.NewReader("second"))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	src, ok, _ := r.Find(ctx, "/k")
	if !ok {
		t.Fatal("first registration missing")
	}
	data, _ := io.ReadAll(src)
	if string(data) != "first" {
		t.Fatalf("got %q", data)
	}
	if err := r.Register(ctx, "/k", strings.NewReader("third")); err != nil {
		t.Fatalf("register after consume: %v", err)
	}
}

func TestRegisterValidatesKey(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(context.Background(), "relative", strings.NewReader("")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestClosedRegistryReportsProviderLost(t *testing.T) {
	r := New()
	parked := &trackedReader{Reader: strings.NewReader("p")}
	if err := r.Register(context.Background(), "/p", parked); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	if !parked.closed.Load() {
		t.Fatal("parked source not closed on shutdown")
	}
	if _, _, err := r.Find(context.Background(), "/p"); !errors.Is(err, ErrProviderLost) {
		t.Fatalf("find: expected ErrProviderLost, got %v", err)
	}
	if err := r.Register(context.Background(), "/p", strings.NewReader("")); !errors.Is(err, ErrProviderLost) {
		t.Fatalf("register: expected ErrProviderLost, got %v", err)
	}
	if _, err := r.Len(context.Background()); !errors.Is(err, ErrProviderLost) {
		t.Fatalf("len: expected ErrProviderLost, got %v", err)
	}
	// Close is idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFindHonoursContext(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := r.Find(ctx, "/x"); !errors.Is(err, context.Canceled) {
		// The owner may win the race and answer a miss; both are acceptable
		// only if no error other than cancellation is surfaced.
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
}

func TestParseConflictPolicy(t *testing.T) {
	cases := map[string]ConflictPolicy{"": ReplaceDuplicates, "replace": ReplaceDuplicates, "reject": RejectDuplicates}
	for in, want := range cases {
		got, err := ParseConflictPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseConflictPolicy(%q)=%v,%v", in, got, err)
		}
		if in != "" && got.String() != in {
			t.Fatalf("String()=%q want %q", got.String(), in)
		}
	}
	if _, err := ParseConflictPolicy("merge"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
