package staticd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
	"pkt.systems/staticd/internal/content/archive"
	awssource "pkt.systems/staticd/internal/content/aws"
	azuresource "pkt.systems/staticd/internal/content/azure"
	"pkt.systems/staticd/internal/content/folder"
	s3source "pkt.systems/staticd/internal/content/s3"
	"pkt.systems/staticd/internal/pathutil"
	"pkt.systems/staticd/internal/provider"
	"pkt.systems/staticd/internal/registry"
	"pkt.systems/staticd/internal/svcfields"
)

const (
	sourceDir   = "dir"
	sourceTar   = "tar"
	sourceS3    = "s3"
	sourceAWS   = "aws"
	sourceAzure = "azure"
	sourceOnce  = "once"
)

// CredentialSummary describes which credentials were selected for an object
// store source.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// FolderConfig is the parsed form of a dir:// source.
type FolderConfig struct {
	Dir      string
	Watch    bool
	Debounce time.Duration
}

// ArchiveConfig is the parsed form of a tar:// source.
type ArchiveConfig struct {
	Path        string
	Compression archive.Compression
}

// sourceKind returns the scheme of raw. A bare path is a folder.
func sourceKind(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return sourceDir, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("config: parse source URL: %w", err)
	}
	switch u.Scheme {
	case sourceDir, sourceTar, sourceS3, sourceAWS, sourceAzure, sourceOnce:
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("config: source scheme %q not supported (dir, tar, s3, aws, azure, once)", u.Scheme)
	}
}

// builtProvider carries what openProvider assembled.
type builtProvider struct {
	provider    provider.Provider
	registrator *provider.Registrator
	// watch is set for folder sources with reload enabled.
	watch *FolderConfig
}

func openProvider(ctx context.Context, cfg Config, logger pslog.Logger) (*builtProvider, error) {
	kind, err := sourceKind(cfg.Source)
	if err != nil {
		return nil, err
	}
	buildOpts := content.BuilderOptions{MaxBytes: cfg.MaxContentBytes}
	contentLogger := svcfields.WithSubsystem(logger, svcfields.Content)
	var store *content.Store
	switch kind {
	case sourceOnce:
		policy, err := registry.ParseConflictPolicy(cfg.OnceConflict)
		if err != nil {
			return nil, err
		}
		once, reg := provider.NewOnce(
			registry.WithLogger(logger),
			registry.WithConflictPolicy(policy),
		)
		for _, r := range cfg.Registrations {
			if err := reg.RegisterFile(ctx, r.Key, r.Path); err != nil {
				_ = once.Close()
				return nil, err
			}
			logger.Info("server.registration", "key", r.Key, "path", r.Path)
		}
		return &builtProvider{provider: once, registrator: reg}, nil
	case sourceDir:
		fcfg, err := BuildFolderConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err = folder.BuildDir(ctx, fcfg.Dir, folder.Options{MaxBytes: buildOpts.MaxBytes, Logger: contentLogger})
		if err != nil {
			return nil, err
		}
		built := &builtProvider{provider: provider.NewFolder(store)}
		if fcfg.Watch {
			built.watch = &fcfg
		}
		return built, nil
	case sourceTar:
		acfg, err := BuildArchiveConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err = archive.BuildFile(ctx, acfg.Path, archive.Options{Compression: acfg.Compression, MaxBytes: buildOpts.MaxBytes, Logger: contentLogger})
		if err != nil {
			return nil, err
		}
		return &builtProvider{provider: provider.NewArchive(store)}, nil
	case sourceS3:
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		src, err := s3source.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := pingWithTimeout(ctx, src.Ping); err != nil {
			return nil, err
		}
		logger.Info("server.source.credentials", "source", summary.Source, "access_key", summary.AccessKey)
		store, err = src.Build(ctx, buildOpts, contentLogger)
		if err != nil {
			return nil, err
		}
		return &builtProvider{provider: provider.NewStatic(provider.VariantS3, store)}, nil
	case sourceAWS:
		awscfg, summary, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		src, err := awssource.New(ctx, awscfg)
		if err != nil {
			return nil, err
		}
		if err := pingWithTimeout(ctx, src.Ping); err != nil {
			return nil, err
		}
		logger.Info("server.source.credentials", "source", summary.Source, "access_key", summary.AccessKey)
		store, err = src.Build(ctx, buildOpts, contentLogger)
		if err != nil {
			return nil, err
		}
		return &builtProvider{provider: provider.NewStatic(provider.VariantAWS, store)}, nil
	case sourceAzure:
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		src, err := azuresource.New(azcfg)
		if err != nil {
			return nil, err
		}
		store, err = src.Build(ctx, buildOpts, contentLogger)
		if err != nil {
			return nil, err
		}
		return &builtProvider{provider: provider.NewStatic(provider.VariantAzure, store)}, nil
	}
	return nil, fmt.Errorf("config: source scheme %q not supported", kind)
}

func pingWithTimeout(ctx context.Context, ping func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ping(timeoutCtx); err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	return nil
}

// BuildFolderConfig parses dir:///abs, dir://relative or a bare path.
func BuildFolderConfig(cfg Config) (FolderConfig, error) {
	out := FolderConfig{Watch: cfg.Watch, Debounce: cfg.WatchDebounce}
	if !strings.Contains(cfg.Source, "://") {
		out.Dir = filepath.Clean(expandHome(cfg.Source))
		return out, nil
	}
	u, err := url.Parse(cfg.Source)
	if err != nil {
		return FolderConfig{}, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != sourceDir {
		return FolderConfig{}, fmt.Errorf("source scheme %q is not a folder", u.Scheme)
	}
	dir := u.Host + u.Path
	if dir == "" {
		return FolderConfig{}, fmt.Errorf("folder source path required (e.g. dir:///srv/www)")
	}
	out.Dir = filepath.Clean(expandHome(dir))
	query := u.Query()
	if v := query.Get("watch"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return FolderConfig{}, fmt.Errorf("folder source: invalid watch %q", v)
		}
		out.Watch = ok
	}
	if v := query.Get("debounce"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return FolderConfig{}, fmt.Errorf("folder source: invalid debounce %q", v)
		}
		out.Debounce = d
	}
	return out, nil
}

// BuildArchiveConfig parses tar:///path/site.tar[.gz|.zst|.lz4].
func BuildArchiveConfig(cfg Config) (ArchiveConfig, error) {
	u, err := url.Parse(cfg.Source)
	if err != nil {
		return ArchiveConfig{}, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != sourceTar {
		return ArchiveConfig{}, fmt.Errorf("source scheme %q is not an archive", u.Scheme)
	}
	path := u.Host + u.Path
	if path == "" {
		return ArchiveConfig{}, fmt.Errorf("archive source path required (e.g. tar:///srv/site.tar.gz)")
	}
	compression, err := archive.ParseCompression(u.Query().Get("compression"))
	if err != nil {
		return ArchiveConfig{}, err
	}
	return ArchiveConfig{Path: filepath.Clean(expandHome(path)), Compression: compression}, nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services.
func BuildGenericS3Config(cfg Config) (s3source.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Source)
	if err != nil {
		return s3source.Config{}, CredentialSummary{}, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != sourceS3 {
		return s3source.Config{}, CredentialSummary{}, fmt.Errorf("source scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3source.Config{}, CredentialSummary{}, fmt.Errorf("s3 source missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3source.Config{}, CredentialSummary{}, fmt.Errorf("s3 source missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := queryBool(query, "insecure", false)
	if v := query.Get("tls"); v != "" {
		insecure = !queryBool(query, "tls", true)
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3source.Config{}, summary, err
	}
	return s3source.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style", false),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (awssource.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Source)
	if err != nil {
		return awssource.Config{}, CredentialSummary{}, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != sourceAWS {
		return awssource.Config{}, CredentialSummary{}, fmt.Errorf("source scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awssource.Config{}, CredentialSummary{}, fmt.Errorf("aws source missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awssource.Config{}, CredentialSummary{}, fmt.Errorf("aws source requires region (set ?region=, --aws-region or AWS_REGION)")
	}
	return awssource.Config{
		Region:    region,
		Bucket:    bucket,
		Prefix:    strings.Trim(u.Path, "/"),
		Endpoint:  strings.TrimSpace(query.Get("endpoint")),
		Insecure:  queryBool(query, "insecure", false),
		PathStyle: queryBool(query, "path-style", false),
	}, resolveAWSCredentials(), nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azuresource.Config, error) {
	u, err := url.Parse(cfg.Source)
	if err != nil {
		return azuresource.Config{}, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != sourceAzure {
		return azuresource.Config{}, fmt.Errorf("source scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azuresource.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azuresource.Config{}, fmt.Errorf("azure source missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("STATICD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("STATICD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azuresource.Config{
		Account:    account,
		AccountKey: accountKey,
		SASToken:   sas,
		Endpoint:   endpoint,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("STATICD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("STATICD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("STATICD_S3_SESSION_TOKEN")
		source = "env:STATICD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		return CredentialSummary{
			AccessKey: access,
			HasSecret: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != "",
			Source:    "env:AWS_ACCESS_KEY_ID",
		}
	}
	if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		return CredentialSummary{Source: "profile:" + profile}
	}
	return CredentialSummary{Source: "auto"}
}

// splitBucket splits "/bucket/some/prefix" into its first segment and the rest.
func splitBucket(p string) (string, string) {
	p = strings.Trim(p, "/")
	head, rest, _ := strings.Cut(p, "/")
	return strings.TrimSpace(head), strings.Trim(rest, "/")
}

func queryBool(q url.Values, key string, def bool) bool {
	v := q.Get(key)
	if v == "" {
		return def
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

func expandHome(p string) string {
	if expanded, err := pathutil.Expand(p); err == nil {
		return expanded
	}
	return p
}
