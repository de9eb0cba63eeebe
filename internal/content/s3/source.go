// Package s3 snapshots an S3-compatible bucket prefix into a content store
// using the MinIO client.
package s3

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

const sourceName = "s3"

// Config controls the bucket source.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Source reads objects from one bucket prefix.
type Source struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Source. Without CustomCreds the usual AWS/MinIO environment
// and credential file chain is used.
func New(cfg Config) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Source{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Config returns the configuration in use.
func (s *Source) Config() Config { return s.cfg }

// Client exposes the MinIO client for diagnostics.
func (s *Source) Client() *minio.Client { return s.client }

// Ping verifies the bucket is reachable.
func (s *Source) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("s3: bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// Build lists every object under the prefix and loads it into a store.
// Zero sized objects and directory markers are skipped.
func (s *Source) Build(ctx context.Context, opts content.BuilderOptions, logger pslog.Logger) (*content.Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	opts.Source = sourceName
	builder := content.NewBuilder(opts)
	listPrefix := ""
	if s.cfg.Prefix != "" {
		listPrefix = s.cfg.Prefix + "/"
	}
	skipped := 0
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if object.Err != nil {
			return nil, content.NewBuildError(sourceName, listPrefix, fmt.Errorf("list objects: %w", object.Err))
		}
		if object.Size == 0 || strings.HasSuffix(object.Key, "/") {
			skipped++
			continue
		}
		key := content.KeyFromRelative(strings.TrimPrefix(object.Key, listPrefix))
		if key == "" {
			skipped++
			continue
		}
		data, err := s.readObject(ctx, object.Key, object.Size, builder.Remaining())
		if err != nil {
			return nil, content.NewBuildError(sourceName, object.Key, err)
		}
		if err := builder.Add(key, data); err != nil {
			return nil, err
		}
	}
	store := builder.Build()
	logger.Info("content.s3.built", "bucket", s.cfg.Bucket, "prefix", s.cfg.Prefix, "entries", store.Len(), "bytes", store.Size(), "skipped", skipped)
	return store, nil
}

func (s *Source) readObject(ctx context.Context, key string, size, limit int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	return content.ReadEntry(obj, size, limit)
}
