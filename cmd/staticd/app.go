package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/staticd"
	"pkt.systems/staticd/internal/pathutil"
	"pkt.systems/staticd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("STATICD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "staticd")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed == root {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// humanizeBytes renders n in IEC units so the value parses back exactly.
func humanizeBytes(n int64) string {
	if n <= 0 {
		return "0"
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(name, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if raw == "-1" {
		return -1, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return int64(size), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := staticd.DefaultConfigFile()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := pathutil.ExpandAbs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "staticd",
		Short:         "staticd serves static content from memory over HTTP on one or more ports",
		SilenceErrors: true,
		Example: `
  # Serve the current directory on :8080
  staticd

  # Serve a gzipped tarball on two ports
  staticd --source tar:///srv/site.tar.gz --listen :8080 --listen :8081

  # Reload a folder when it changes
  staticd --source 'dir:///srv/www?watch=1'

  # MinIO bucket prefix (TLS on by default; append ?insecure=1 for HTTP)
  STATICD_S3_ACCESS_KEY_ID=minioadmin STATICD_S3_SECRET_ACCESS_KEY=minioadmin staticd --source s3://localhost:9000/site/www?insecure=1

  # Hand out a firmware image exactly once, also over TFTP
  staticd --source once:// --register /firmware.bin=./build/fw.bin --tftp-listen :69
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to staticd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg staticd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := staticd.NewServer(cfg, staticd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = staticd.DefaultShutdownTimeout
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			defer func() { _ = shutdown() }()
			go func() {
				<-ctx.Done()
				if err := shutdown(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, staticd.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.staticd/"+staticd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringArrayP("listen", "l", []string{staticd.DefaultListen}, "HTTP listen address (repeatable or comma separated; every port serves the same content)")
	flags.StringP("source", "s", staticd.DefaultSource, "content source URL (dir://, tar://, s3://, aws://, azure://, once://)")
	flags.String("max-content", humanizeBytes(staticd.DefaultMaxContentBytes), "maximum total size of the in-memory store (-1 disables)")
	flags.Bool("memory-check", true, "warn when the store exceeds memory-warn-ratio of available memory")
	flags.Float64("memory-warn-ratio", staticd.DefaultMemoryWarnRatio, "share of available memory the store may use before warning")
	flags.Bool("watch", false, "rebuild folder sources when files change")
	flags.Duration("watch-debounce", 0, "quiet period before a folder rebuild (0 uses the default)")
	flags.String("chunk-size", humanizeBytes(staticd.DefaultChunkSize), "read size per streamed chunk")
	flags.Int("stream-queue", staticd.DefaultStreamQueue, "maximum streaming jobs waiting for a worker")
	flags.Int("stream-max-active", 0, "maximum concurrently draining streams (0 is unbounded)")
	flags.Duration("enqueue-timeout", 0, "how long a request waits for stream queue capacity (0 waits for the client, negative fails fast)")
	flags.Duration("read-header-timeout", staticd.DefaultReadHeaderTimeout, "maximum time to read request headers")
	flags.Duration("idle-timeout", staticd.DefaultIdleTimeout, "keep-alive idle timeout")
	flags.Duration("shutdown-timeout", staticd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("once-conflict", staticd.DefaultOnceConflict, "duplicate registration policy for once:// (replace or reject)")
	flags.StringArray("register", nil, "register /key=path with a once:// source (repeatable)")
	flags.String("tftp-listen", staticd.DefaultTFTPListen, "read-only TFTP listen address (empty disables)")
	flags.Duration("tftp-timeout", staticd.DefaultTFTPTimeout, "TFTP retransmission timeout")
	flags.String("metrics-listen", staticd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", staticd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("aws-region", "", "AWS region for aws:// sources")
	flags.String("s3-access-key-id", "", "access key for s3:// sources (or STATICD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// sources (or STATICD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// sources")
	flags.String("azure-account", "", "Azure Storage account (overrides the azure:// host)")
	flags.String("azure-key", "", "Azure Storage account key (or STATICD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("STATICD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "source", "max-content", "memory-check", "memory-warn-ratio", "watch", "watch-debounce",
		"chunk-size", "stream-queue", "stream-max-active", "enqueue-timeout",
		"read-header-timeout", "idle-timeout", "shutdown-timeout",
		"once-conflict", "register", "tftp-listen", "tftp-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"azure-account", "azure-key", "azure-sas-token", "azure-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *staticd.Config) error {
	cfg.Listen = viper.GetStringSlice("listen")
	cfg.Source = viper.GetString("source")
	maxContent, err := parseBytes("max-content", viper.GetString("max-content"))
	if err != nil {
		return err
	}
	cfg.MaxContentBytes = maxContent
	cfg.MemoryCheck = viper.GetBool("memory-check")
	cfg.MemoryWarnRatio = viper.GetFloat64("memory-warn-ratio")
	cfg.Watch = viper.GetBool("watch")
	cfg.WatchDebounce = viper.GetDuration("watch-debounce")
	chunk, err := parseBytes("chunk-size", viper.GetString("chunk-size"))
	if err != nil {
		return err
	}
	cfg.ChunkSize = int(chunk)
	cfg.StreamQueue = viper.GetInt("stream-queue")
	cfg.StreamMaxActive = viper.GetInt("stream-max-active")
	cfg.EnqueueTimeout = viper.GetDuration("enqueue-timeout")
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OnceConflict = viper.GetString("once-conflict")
	cfg.Registrations = nil
	for _, raw := range viper.GetStringSlice("register") {
		reg, err := staticd.ParseRegistration(raw)
		if err != nil {
			return err
		}
		cfg.Registrations = append(cfg.Registrations, reg)
	}
	cfg.TFTPListen = viper.GetString("tftp-listen")
	cfg.TFTPTimeout = viper.GetDuration("tftp-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
