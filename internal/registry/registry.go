// Package registry implements the registration channel behind the once
// provider: a single goroutine owns a map from path key to a parked byte
// source and serves Register and Find messages strictly in arrival order.
//
// Find removes the entry it returns, so a registered source is handed to at
// most one caller. No lock guards the map; only the owning goroutine touches it.
package registry

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/svcfields"
)

var (
	// ErrProviderLost reports that the owning goroutine exited before it
	// accepted or answered a request.
	ErrProviderLost = errors.New("registry: owner task is gone")
	// ErrAlreadyRegistered is returned by Register under RejectDuplicates when
	// an unconsumed source is already parked under the key.
	ErrAlreadyRegistered = errors.New("registry: key already registered")
	// ErrInvalidKey rejects keys without a leading slash.
	ErrInvalidKey = errors.New("registry: key must start with /")
)

// ConflictPolicy decides what Register does when the key is still occupied.
type ConflictPolicy int

const (
	// ReplaceDuplicates keeps the newest registration and closes the one it
	// displaces. Register returns as soon as the owner accepts the message.
	ReplaceDuplicates ConflictPolicy = iota
	// RejectDuplicates keeps the first registration. Register waits for the
	// owner's verdict and returns ErrAlreadyRegistered on conflict.
	RejectDuplicates
)

func (p ConflictPolicy) String() string {
	switch p {
	case RejectDuplicates:
		return "reject"
	default:
		return "replace"
	}
}

// ParseConflictPolicy maps "replace" (or "") and "reject" to a policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "replace":
		return ReplaceDuplicates, nil
	case "reject":
		return RejectDuplicates, nil
	default:
		return ReplaceDuplicates, errors.New("registry: unknown conflict policy " + s)
	}
}

type options struct {
	logger    pslog.Logger
	policy    ConflictPolicy
	inboxSize int
}

// Option customises a Registry.
type Option func(*options)

// WithLogger sets the logger used by the owner goroutine.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConflictPolicy selects the duplicate registration behaviour.
func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithInboxSize buffers the inbox. The default of zero makes every send a
// hand-off to the owner goroutine.
func WithInboxSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.inboxSize = n
		}
	}
}

type registerMsg struct {
	key   string
	src   io.ReadCloser
	reply chan error // nil under ReplaceDuplicates
}

type findMsg struct {
	key   string
	reply chan io.ReadCloser
}

type lenMsg struct {
	reply chan int
}

// Registry is the registration channel. The zero value is not usable; call New.
type Registry struct {
	inbox     chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	policy    ConflictPolicy
	logger    pslog.Logger
	metrics   *registryMetrics
}

// New starts the owner goroutine. It runs until Close is called.
func New(opts ...Option) *Registry {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.WithSubsystem(o.logger, svcfields.Registry)
	r := &Registry{
		inbox:   make(chan any, o.inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		policy:  o.policy,
		logger:  logger,
		metrics: newRegistryMetrics(logger),
	}
	go r.run()
	return r
}

// Policy reports the configured conflict policy.
func (r *Registry) Policy() ConflictPolicy { return r.policy }

// Done is closed once the owner goroutine has exited.
func (r *Registry) Done() <-chan struct{} { return r.done }

// Close stops the owner goroutine and closes every parked source. Requests
// still waiting on the owner fail with ErrProviderLost.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
	return nil
}

// Register parks src under key. When src is also an io.Closer it is closed by
// whoever ends up discarding it. Under ReplaceDuplicates the call returns once
// the owner has accepted the message, not once the source is consumed. On
// ErrAlreadyRegistered or a send failure the caller keeps ownership of src.
func (r *Registry) Register(ctx context.Context, key string, src io.Reader) error {
	if key == "" || key[0] != '/' {
		return ErrInvalidKey
	}
	if src == nil {
		return errors.New("registry: nil source")
	}
	msg := registerMsg{key: key, src: asReadCloser(src)}
	if r.policy == RejectDuplicates {
		msg.reply = make(chan error, 1)
	}
	if err := r.send(ctx, msg); err != nil {
		return err
	}
	if msg.reply == nil {
		return nil
	}
	select {
	case err := <-msg.reply:
		return err
	case <-r.done:
		select {
		case err := <-msg.reply:
			return err
		default:
			return ErrProviderLost
		}
	}
}

// Find removes and returns the source parked under key. The boolean is false
// when nothing is registered. If ctx ends after the owner accepted the request
// the source it hands back is closed rather than leaked.
func (r *Registry) Find(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := findMsg{key: key, reply: make(chan io.ReadCloser, 1)}
	if err := r.send(ctx, msg); err != nil {
		return nil, false, err
	}
	select {
	case src := <-msg.reply:
		return src, src != nil, nil
	case <-r.done:
		select {
		case src := <-msg.reply:
			return src, src != nil, nil
		default:
			return nil, false, ErrProviderLost
		}
	case <-ctx.Done():
		go r.discardReply(key, msg.reply)
		return nil, false, ctx.Err()
	}
}

// Len reports how many sources are parked.
func (r *Registry) Len(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := lenMsg{reply: make(chan int, 1)}
	if err := r.send(ctx, msg); err != nil {
		return 0, err
	}
	select {
	case n := <-msg.reply:
		return n, nil
	case <-r.done:
		return 0, ErrProviderLost
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Registry) send(ctx context.Context, msg any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return ErrProviderLost
	default:
	}
	select {
	case r.inbox <- msg:
		return nil
	case <-r.done:
		return ErrProviderLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) discardReply(key string, reply <-chan io.ReadCloser) {
	select {
	case src := <-reply:
		if src != nil {
			r.logger.Warn("registry.find.abandoned", "key", key)
			_ = src.Close()
		}
	case <-r.done:
	}
}

func (r *Registry) run() {
	defer close(r.done)
	parked := make(map[string]io.ReadCloser)
	defer func() {
		r.drainInbox()
		for key, src := range parked {
			_ = src.Close()
			r.logger.Debug("registry.shutdown.discarded", "key", key)
		}
		r.logger.Debug("registry.stopped", "parked", len(parked))
	}()
	for {
		select {
		case <-r.quit:
			return
		case raw := <-r.inbox:
			switch msg := raw.(type) {
			case registerMsg:
				r.handleRegister(parked, msg)
			case findMsg:
				src, ok := parked[msg.key]
				if ok {
					delete(parked, msg.key)
				}
				msg.reply <- src
				r.metrics.record("find", hitLabel(ok))
				r.logger.Trace("registry.find", "key", msg.key, "hit", ok)
			case lenMsg:
				msg.reply <- len(parked)
			}
		}
	}
}

// drainInbox closes sources still buffered in the inbox at shutdown. Their
// senders were told the message was accepted, so nobody else owns them.
func (r *Registry) drainInbox() {
	for {
		select {
		case raw := <-r.inbox:
			if msg, ok := raw.(registerMsg); ok {
				_ = msg.src.Close()
			}
		default:
			return
		}
	}
}

func (r *Registry) handleRegister(parked map[string]io.ReadCloser, msg registerMsg) {
	prev, exists := parked[msg.key]
	switch {
	case !exists:
		parked[msg.key] = msg.src
		r.metrics.record("register", "accepted")
		r.logger.Debug("registry.register", "key", msg.key)
		if msg.reply != nil {
			msg.reply <- nil
		}
	case r.policy == RejectDuplicates:
		r.metrics.record("register", "rejected")
		r.logger.Warn("registry.register.rejected", "key", msg.key)
		msg.reply <- ErrAlreadyRegistered
	default:
		parked[msg.key] = msg.src
		_ = prev.Close()
		r.metrics.record("register", "replaced")
		r.logger.Warn("registry.register.replaced", "key", msg.key)
	}
}

func hitLabel(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}

func asReadCloser(src io.Reader) io.ReadCloser {
	if rc, ok := src.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(src)
}
