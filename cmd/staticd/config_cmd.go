package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/staticd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage staticd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.staticd/" + staticd.DefaultConfigFileName
	if path, err := staticd.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default staticd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := staticd.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 []string `yaml:"listen"`
	Source                 string   `yaml:"source"`
	MaxContent             string   `yaml:"max-content"`
	MemoryCheck            bool     `yaml:"memory-check"`
	MemoryWarnRatio        float64  `yaml:"memory-warn-ratio"`
	Watch                  bool     `yaml:"watch"`
	WatchDebounce          string   `yaml:"watch-debounce"`
	ChunkSize              string   `yaml:"chunk-size"`
	StreamQueue            int      `yaml:"stream-queue"`
	StreamMaxActive        int      `yaml:"stream-max-active"`
	EnqueueTimeout         string   `yaml:"enqueue-timeout"`
	ReadHeaderTimeout      string   `yaml:"read-header-timeout"`
	IdleTimeout            string   `yaml:"idle-timeout"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	OnceConflict           string   `yaml:"once-conflict"`
	Register               []string `yaml:"register"`
	TFTPListen             string   `yaml:"tftp-listen"`
	TFTPTimeout            string   `yaml:"tftp-timeout"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	AWSRegion              string   `yaml:"aws-region"`
	AzureEndpoint          string   `yaml:"azure-endpoint"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:            []string{staticd.DefaultListen},
		Source:            staticd.DefaultSource,
		MaxContent:        humanizeBytes(staticd.DefaultMaxContentBytes),
		MemoryCheck:       true,
		MemoryWarnRatio:   staticd.DefaultMemoryWarnRatio,
		WatchDebounce:     "0s",
		ChunkSize:         humanizeBytes(staticd.DefaultChunkSize),
		StreamQueue:       staticd.DefaultStreamQueue,
		EnqueueTimeout:    "0s",
		ReadHeaderTimeout: staticd.DefaultReadHeaderTimeout.String(),
		IdleTimeout:       staticd.DefaultIdleTimeout.String(),
		ShutdownTimeout:   staticd.DefaultShutdownTimeout.String(),
		OnceConflict:      staticd.DefaultOnceConflict,
		Register:          []string{},
		TFTPListen:        staticd.DefaultTFTPListen,
		TFTPTimeout:       staticd.DefaultTFTPTimeout.String(),
		MetricsListen:     staticd.DefaultMetricsListen,
		PprofListen:       staticd.DefaultPprofListen,
		LogLevel:          "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
