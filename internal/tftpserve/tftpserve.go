// Package tftpserve exposes the same provider over read-only TFTP, for network
// boot clients that cannot speak HTTP.
package tftpserve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	tftp "github.com/pin/tftp/v3"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/correlation"
	"pkt.systems/staticd/internal/provider"
	"pkt.systems/staticd/internal/stream"
	"pkt.systems/staticd/internal/svcfields"
	"pkt.systems/staticd/internal/uuidv7"
)

// DefaultTimeout is the per-packet retransmission timeout.
const DefaultTimeout = 5 * time.Second

// ErrNotFound is reported to the client when the key is unknown.
var ErrNotFound = errors.New("file not found")

// Config wires a Server.
type Config struct {
	Provider provider.Provider
	Pool     *stream.Pool
	Logger   pslog.Logger
	Timeout  time.Duration
}

// Server is a read-only TFTP front-end.
type Server struct {
	provider provider.Provider
	pool     *stream.Pool
	logger   pslog.Logger
	srv      *tftp.Server

	mu      sync.Mutex
	conn    *net.UDPConn
	serveWG sync.WaitGroup
}

// New builds a Server. Writes are refused.
func New(cfg Config) *Server {
	s := &Server{
		provider: cfg.Provider,
		pool:     cfg.Pool,
		logger:   svcfields.WithSubsystem(cfg.Logger, svcfields.TFTP),
	}
	s.srv = tftp.NewServer(s.handleRead, nil)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s.srv.SetTimeout(timeout)
	return s
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("tftp: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("tftp: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		s.logger.Info("tftp.listen", "address", conn.LocalAddr().String())
		if err := s.srv.Serve(conn); err != nil {
			s.logger.Warn("tftp.serve.error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Shutdown stops accepting requests and waits for in-flight transfers.
func (s *Server) Shutdown() {
	if s.Addr() == nil {
		return
	}
	s.srv.Shutdown()
	s.serveWG.Wait()
}

func (s *Server) handleRead(filename string, rf io.ReaderFrom) error {
	key := content.NormalizeKey("/" + strings.TrimLeft(strings.TrimSpace(filename), "/"))
	reqID := uuidv7.NewString()
	logger := s.logger.With("key", key, "req_id", reqID)
	ctx := pslog.ContextWithLogger(correlation.With(context.Background(), reqID), logger)
	outcome, err := s.provider.Find(ctx, key)
	if err != nil {
		logger.Warn("tftp.read.lookup_failed", "error", err)
		return err
	}
	switch outcome.Kind {
	case provider.BlobKind:
		if t, ok := rf.(tftp.OutgoingTransfer); ok {
			t.SetSize(outcome.Blob.Size())
		}
		n, err := rf.ReadFrom(bytes.NewReader(outcome.Blob.Data))
		logger.Debug("tftp.read.blob", "bytes", n, "error", err)
		return err
	case provider.Streamable:
		body, err := s.pool.Stream(ctx, key, outcome.Source)
		if err != nil {
			logger.Warn("tftp.read.enqueue_failed", "error", err)
			return err
		}
		defer body.Close()
		n, err := rf.ReadFrom(body)
		logger.Debug("tftp.read.stream", "bytes", n, "error", err)
		return err
	default:
		logger.Debug("tftp.read.not_found")
		return ErrNotFound
	}
}
