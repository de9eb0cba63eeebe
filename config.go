package staticd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/registry"
	"pkt.systems/staticd/internal/stream"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultSource serves the working directory.
	DefaultSource = "dir://."
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultTFTPListen is the default TFTP listener (empty disables).
	DefaultTFTPListen = ""
	// DefaultMaxContentBytes caps the total size of an in-memory content store.
	DefaultMaxContentBytes = int64(2 << 30)
	// DefaultMemoryWarnRatio is the share of available memory a store may use
	// before the preflight check warns.
	DefaultMemoryWarnRatio = 0.5
	// DefaultChunkSize is the streaming chunk size.
	DefaultChunkSize = stream.DefaultChunkSize
	// DefaultStreamQueue bounds queued streaming jobs.
	DefaultStreamQueue = stream.DefaultQueueSize
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultTFTPTimeout is the TFTP retransmission timeout.
	DefaultTFTPTimeout = 5 * time.Second
	// DefaultOnceConflict keeps the newest registration on duplicate keys.
	DefaultOnceConflict = "replace"
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Registration parks a local file under a key at startup. Only valid with a
// once:// source.
type Registration struct {
	Key  string `yaml:"key"`
	Path string `yaml:"path"`
}

// ParseRegistration parses "/key=path".
func ParseRegistration(raw string) (Registration, error) {
	key, path, ok := strings.Cut(strings.TrimSpace(raw), "=")
	if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(path) == "" {
		return Registration{}, fmt.Errorf("config: registration %q must look like /key=path", raw)
	}
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "/") {
		return Registration{}, fmt.Errorf("config: registration key %q must start with /", key)
	}
	return Registration{Key: content.NormalizeKey(key), Path: strings.TrimSpace(path)}, nil
}

// Config captures the server configuration.
type Config struct {
	// Listen holds every HTTP address served by the same provider.
	Listen []string
	// Source selects the content provider (dir://, tar://, s3://, aws://,
	// azure://, once://).
	Source string

	// MaxContentBytes caps the in-memory store built from Source.
	MaxContentBytes int64
	// MemoryCheck warns when a built store takes more than MemoryWarnRatio of
	// the available memory.
	MemoryCheck     bool
	MemoryWarnRatio float64

	// Folder source reload on change; also enabled by dir://...?watch=1.
	Watch         bool
	WatchDebounce time.Duration

	ChunkSize       int
	StreamQueue     int
	StreamMaxActive int
	// EnqueueTimeout bounds how long a request waits for stream queue capacity.
	// Zero waits for the request; negative fails immediately.
	EnqueueTimeout time.Duration

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// OnceConflict is "replace" or "reject".
	OnceConflict  string
	Registrations []Registration

	TFTPListen  string
	TFTPTimeout time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	AWSRegion         string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AzureAccount      string
	AzureAccountKey   string
	AzureSASToken     string
	AzureEndpoint     string
}

// Validate fills defaults and rejects invalid settings.
func (c *Config) Validate() error {
	listen := c.Listen[:0:0]
	for _, addr := range c.Listen {
		for _, part := range strings.Split(addr, ",") {
			if part = strings.TrimSpace(part); part != "" {
				listen = append(listen, part)
			}
		}
	}
	if len(listen) == 0 {
		listen = []string{DefaultListen}
	}
	c.Listen = listen
	c.Source = strings.TrimSpace(c.Source)
	if c.Source == "" {
		c.Source = DefaultSource
	}
	kind, err := sourceKind(c.Source)
	if err != nil {
		return err
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = DefaultMaxContentBytes
	} else if c.MaxContentBytes < 0 {
		c.MaxContentBytes = 0
	}
	if c.MemoryWarnRatio == 0 {
		c.MemoryWarnRatio = DefaultMemoryWarnRatio
	}
	if c.MemoryWarnRatio < 0 || c.MemoryWarnRatio > 1 {
		return fmt.Errorf("config: memory warn ratio must be within (0,1]")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("config: watch debounce must be >= 0")
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	} else if c.ChunkSize < 0 {
		return fmt.Errorf("config: chunk size must be > 0")
	}
	if c.StreamQueue == 0 {
		c.StreamQueue = DefaultStreamQueue
	} else if c.StreamQueue < 0 {
		return fmt.Errorf("config: stream queue must be > 0")
	}
	if c.StreamMaxActive < 0 {
		return fmt.Errorf("config: stream max active must be >= 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.TFTPTimeout <= 0 {
		c.TFTPTimeout = DefaultTFTPTimeout
	}
	c.OnceConflict = strings.ToLower(strings.TrimSpace(c.OnceConflict))
	if c.OnceConflict == "" {
		c.OnceConflict = DefaultOnceConflict
	}
	if _, err := registry.ParseConflictPolicy(c.OnceConflict); err != nil {
		return fmt.Errorf("config: once conflict must be %q or %q", "replace", "reject")
	}
	if len(c.Registrations) > 0 && kind != sourceOnce {
		return fmt.Errorf("config: registrations require a once:// source")
	}
	for i, reg := range c.Registrations {
		if !strings.HasPrefix(reg.Key, "/") || strings.TrimSpace(reg.Path) == "" {
			return fmt.Errorf("config: registration %d needs a /key and a path", i)
		}
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns $STATICD_CONFIG_DIR or ~/.staticd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("STATICD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".staticd"), nil
}

// DefaultConfigFile returns the default config file path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
