// Package aws snapshots an AWS S3 bucket prefix into a content store using the
// AWS SDK and its default credential chain.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

const sourceName = "aws"

// Config controls the AWS bucket source.
type Config struct {
	Region   string
	Bucket   string
	Prefix   string
	Endpoint string // optional override, e.g. a VPC endpoint or test server
	Insecure bool
	// PathStyle forces path-style addressing (needed for most S3 emulators).
	PathStyle bool
}

// Source reads objects from one bucket prefix.
type Source struct {
	client *s3.Client
	cfg    Config
}

// New loads the default AWS configuration for cfg.Region and builds a client.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	// A BuildableClient lets the config loader add AWS_CA_BUNDLE roots.
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tuneTransport(tr, cfg.Insecure)
	})
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Source{client: client, cfg: cfg}, nil
}

func tuneTransport(tr *http.Transport, insecure bool) {
	if tr.MaxIdleConnsPerHost < 64 {
		tr.MaxIdleConnsPerHost = 64
	}
	if tr.IdleConnTimeout == 0 {
		tr.IdleConnTimeout = 90 * time.Second
	}
	if insecure {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
	}
}

// Config returns the configuration in use.
func (s *Source) Config() Config { return s.cfg }

// Client exposes the SDK client for diagnostics and tests.
func (s *Source) Client() *s3.Client { return s.client }

// Ping verifies the bucket is reachable.
func (s *Source) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aws: bucket %s does not exist", s.cfg.Bucket)
		}
		return fmt.Errorf("aws: bucket check: %w", err)
	}
	return nil
}

// Build pages through every object under the prefix and loads it into a store.
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
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.cfg.Bucket)}
	if listPrefix != "" {
		input.Prefix = aws.String(listPrefix)
	}
	skipped := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, content.NewBuildError(sourceName, listPrefix, fmt.Errorf("list objects: %w", err))
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			size := aws.ToInt64(obj.Size)
			if size == 0 || strings.HasSuffix(name, "/") {
				skipped++
				continue
			}
			key := content.KeyFromRelative(strings.TrimPrefix(name, listPrefix))
			if key == "" {
				skipped++
				continue
			}
			data, err := s.readObject(ctx, name, size, builder.Remaining())
			if err != nil {
				return nil, content.NewBuildError(sourceName, name, err)
			}
			if err := builder.Add(key, data); err != nil {
				return nil, err
			}
		}
	}
	store := builder.Build()
	logger.Info("content.aws.built", "bucket", s.cfg.Bucket, "prefix", s.cfg.Prefix, "entries", store.Len(), "bytes", store.Size(), "skipped", skipped)
	return store, nil
}

func (s *Source) readObject(ctx context.Context, key string, size, limit int64) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer resp.Body.Close()
	return content.ReadEntry(resp.Body, size, limit)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
