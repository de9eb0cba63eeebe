// Package stream moves one-shot byte sources into response bodies. Request
// handlers submit Jobs on a bounded intake queue; a dispatcher starts one
// goroutine per Job that reads the source in fixed-size chunks and forwards
// them, in order, to the Job's destination channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/correlation"
	"pkt.systems/staticd/internal/svcfields"
)

const (
	// DefaultChunkSize is the number of bytes read per chunk.
	DefaultChunkSize = 1024
	// DefaultQueueSize bounds the number of Jobs waiting for a worker.
	DefaultQueueSize = 10
	// DefaultChunkBuffer is the capacity of each destination channel.
	DefaultChunkBuffer = 4
)

var (
	// ErrStreamCorrupted is the terminal chunk error for a source that failed
	// part way through. The body delivered so far is truncated.
	ErrStreamCorrupted = errors.New("stream: source corrupted")
	// ErrQueueFull reports that the intake queue stayed full for the whole
	// enqueue timeout.
	ErrQueueFull = errors.New("stream: intake queue full")
	// ErrPoolClosed reports a Submit after Close.
	ErrPoolClosed = errors.New("stream: pool closed")
)

// Config tunes a Pool. Zero values select the defaults.
type Config struct {
	// ChunkSize is the fixed read size per chunk.
	ChunkSize int
	// QueueSize is the intake capacity.
	QueueSize int
	// MaxActive caps concurrently draining Jobs; zero means unbounded.
	MaxActive int
	// ChunkBuffer is the destination channel capacity used by Stream.
	ChunkBuffer int
	// EnqueueTimeout bounds how long Submit waits for intake capacity. Zero
	// waits for the caller's context; negative fails immediately when full.
	EnqueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxActive < 0 {
		c.MaxActive = 0
	}
	if c.ChunkBuffer <= 0 {
		c.ChunkBuffer = DefaultChunkBuffer
	}
	return c
}

// Chunk is one unit of streamed bytes. A Chunk with a non-nil Err is terminal.
type Chunk struct {
	Data []byte
	Err  error
}

// Job pairs a destination channel with a byte source. The pool closes Dest when
// the Job ends and closes Source if it implements io.Closer. Closing Abandon
// tells the worker the receiver is gone.
type Job struct {
	Key string
	// ReqID ties the Job's logs to the request that submitted it.
	ReqID   string
	Source  io.Reader
	Dest    chan<- Chunk
	Abandon <-chan struct{}
}

type options struct {
	logger pslog.Logger
}

// Option customises a Pool.
type Option func(*options)

// WithLogger sets the pool logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Pool is the streaming worker pool.
type Pool struct {
	cfg     Config
	logger  pslog.Logger
	metrics *poolMetrics

	intake chan Job
	sem    chan struct{}

	mu         sync.RWMutex
	closed     bool
	done       chan struct{}
	closeOnce  sync.Once
	dispatched chan struct{}
	jobs       sync.WaitGroup
	drained    chan struct{}
}

// NewPool starts the dispatcher.
func NewPool(cfg Config, opts ...Option) *Pool {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	cfg = cfg.withDefaults()
	logger := svcfields.WithSubsystem(o.logger, svcfields.Stream)
	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		metrics:    newPoolMetrics(logger),
		intake:     make(chan Job, cfg.QueueSize),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
		drained:    make(chan struct{}),
	}
	if cfg.MaxActive > 0 {
		p.sem = make(chan struct{}, cfg.MaxActive)
	}
	go p.dispatch()
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Submit places job on the intake queue. It blocks while the queue is full and
// fails with ErrQueueFull once EnqueueTimeout elapses, ErrPoolClosed after
// Close, or the context error. On failure the caller still owns the Job.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job.Source == nil || job.Dest == nil {
		return errors.New("stream: job requires a source and a destination")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.intake <- job:
		return nil
	default:
	}
	if p.cfg.EnqueueTimeout < 0 {
		p.metrics.recordJob(ctx, "rejected")
		return ErrQueueFull
	}
	var timeout <-chan time.Time
	if p.cfg.EnqueueTimeout > 0 {
		timer := time.NewTimer(p.cfg.EnqueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case p.intake <- job:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-timeout:
		p.metrics.recordJob(ctx, "rejected")
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream allocates a destination channel for src, submits the Job and returns
// a Body reading from it. If the Job cannot be enqueued src is closed (when it
// is an io.Closer) and the error returned.
func (p *Pool) Stream(ctx context.Context, key string, src io.Reader) (*Body, error) {
	dest := make(chan Chunk, p.cfg.ChunkBuffer)
	body := newBody(ctx, dest)
	err := p.Submit(ctx, Job{Key: key, ReqID: correlation.ID(ctx), Source: src, Dest: dest, Abandon: body.abandon})
	if err != nil {
		closeSource(src)
		return nil, err
	}
	return body, nil
}

// Close is Shutdown without a deadline.
func (p *Pool) Close() error {
	return p.Shutdown(context.Background())
}

// Shutdown stops accepting Jobs and abandons queued ones, closing their
// destination channels. Running Jobs get their sources closed, which unblocks
// pending reads on files and pipes. Shutdown waits for running Jobs to exit
// until ctx ends; Jobs stuck in a read that closing cannot interrupt keep
// running in the background.
func (p *Pool) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		<-p.dispatched
		abandoned := p.drainIntake()
		go func() {
			p.jobs.Wait()
			p.logger.Debug("stream.pool.closed", "abandoned", abandoned)
			close(p.drained)
		}()
	})
	select {
	case <-p.drained:
		return nil
	default:
	}
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		p.logger.Warn("stream.pool.shutdown_timeout", "error", ctx.Err())
		return fmt.Errorf("stream: shutdown: %w", ctx.Err())
	}
}

// drainIntake abandons every queued Job. Only called once no Submit can run.
func (p *Pool) drainIntake() int {
	n := 0
	for {
		select {
		case job := <-p.intake:
			p.abandon(job)
			n++
		default:
			return n
		}
	}
}

func (p *Pool) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case <-p.done:
			return
		case job := <-p.intake:
			if p.sem != nil {
				select {
				case p.sem <- struct{}{}:
				case <-p.done:
					p.abandon(job)
					return
				}
			}
			p.jobs.Add(1)
			go p.run(job)
		}
	}
}

func (p *Pool) abandon(job Job) {
	closeSource(job.Source)
	close(job.Dest)
	p.metrics.recordJob(context.Background(), "abandoned")
	p.logger.Debug("stream.job.abandoned", "key", job.Key, "req_id", job.ReqID, "reason", "pool_closed")
}

func (p *Pool) run(job Job) {
	ctx := context.Background()
	p.metrics.addActive(ctx, 1)
	var closeOnce sync.Once
	release := func() { closeOnce.Do(func() { closeSource(job.Source) }) }
	finished := make(chan struct{})
	go func() {
		select {
		case <-job.Abandon:
			release()
		case <-p.done:
			release()
		case <-finished:
		}
	}()
	defer func() {
		close(finished)
		release()
		close(job.Dest)
		p.metrics.addActive(ctx, -1)
		if p.sem != nil {
			<-p.sem
		}
		p.jobs.Done()
	}()
	buf := make([]byte, p.cfg.ChunkSize)
	var total int64
	for {
		n, err := fill(job.Source, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !p.send(job, Chunk{Data: data}) {
				p.metrics.recordJob(ctx, "abandoned")
				p.logger.Debug("stream.job.abandoned", "key", job.Key, "req_id", job.ReqID, "bytes", total, "reason", "receiver_gone")
				return
			}
			total += int64(n)
			p.metrics.addBytes(ctx, int64(n))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			p.metrics.recordJob(ctx, "completed")
			p.logger.Trace("stream.job.completed", "key", job.Key, "req_id", job.ReqID, "bytes", total)
			return
		}
		// A read failing because the source was closed under it is not corruption.
		if p.halted(job) {
			p.metrics.recordJob(ctx, "abandoned")
			p.logger.Debug("stream.job.abandoned", "key", job.Key, "req_id", job.ReqID, "bytes", total, "reason", "halted")
			return
		}
		p.metrics.recordJob(ctx, "corrupted")
		p.logger.Warn("stream.job.corrupted", "key", job.Key, "req_id", job.ReqID, "bytes", total, "error", err)
		p.send(job, Chunk{Err: fmt.Errorf("%w: %v", ErrStreamCorrupted, err)})
		return
	}
}

// halted reports whether the receiver abandoned the Job or the pool closed.
func (p *Pool) halted(job Job) bool {
	select {
	case <-job.Abandon:
		return true
	case <-p.done:
		return true
	default:
		return false
	}
}

// send delivers c unless the receiver abandoned the Job or the pool closed.
func (p *Pool) send(job Job, c Chunk) bool {
	select {
	case job.Dest <- c:
		return true
	case <-job.Abandon:
		return false
	case <-p.done:
		return false
	}
}

// fill reads from r until buf is full. io.EOF, or a read returning no bytes
// and no error, ends the source and is reported as io.EOF.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}

func closeSource(src io.Reader) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}
