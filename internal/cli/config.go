package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tevoinea/onefuzz/internal/storage"
)

// Config represents the complete service configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Service struct {
		GRPCPort            int           `yaml:"grpc_port"`
		InstanceURL         string        `yaml:"instance_url"`
		CorpusAccounts      []string      `yaml:"corpus_accounts"`
		DispatchConcurrency int           `yaml:"dispatch_concurrency"`
		RouteTimeout        time.Duration `yaml:"route_timeout"`
	} `yaml:"service"`

	Transport struct {
		Workers           int           `yaml:"workers"`
		BufferSize        int           `yaml:"buffer_size"`
		VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
		JournalPath       string        `yaml:"journal_path"`
		DeadLetterPath    string        `yaml:"dead_letter_path"`
		SyncOnAppend      bool          `yaml:"sync_on_append"`
	} `yaml:"transport"`

	Storage struct {
		Endpoint  string        `yaml:"endpoint"`
		AccessKey string        `yaml:"access_key"` // secret reference
		SecretKey string        `yaml:"secret_key"` // secret reference
		Region    string        `yaml:"region"`
		UseSSL    bool          `yaml:"use_ssl"`
		URLExpiry time.Duration `yaml:"url_expiry"`
	} `yaml:"storage"`

	Registry struct {
		Path string `yaml:"path"`
	} `yaml:"registry"`

	Queue struct {
		Dir          string `yaml:"dir"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"queue"`

	Events struct {
		Path         string `yaml:"path"` // empty logs events only
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"events"`

	Secrets struct {
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"secrets"`

	Teams struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"teams"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50051
	}
	if cfg.Service.DispatchConcurrency == 0 {
		cfg.Service.DispatchConcurrency = 4
	}
	if cfg.Transport.Workers == 0 {
		cfg.Transport.Workers = 4
	}
	if cfg.Transport.BufferSize == 0 {
		cfg.Transport.BufferSize = 64
	}
	if cfg.Transport.VisibilityTimeout == 0 {
		cfg.Transport.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Storage.URLExpiry == 0 {
		cfg.Storage.URLExpiry = storage.MaxURLExpiry
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "data/registry.json"
	}
	if cfg.Queue.Dir == "" {
		cfg.Queue.Dir = "data/queues"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.URLExpiry < 0 || cfg.Storage.URLExpiry > storage.MaxURLExpiry {
		return fmt.Errorf("storage.url_expiry must be between 0 and %s, got %s",
			storage.MaxURLExpiry, cfg.Storage.URLExpiry)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// setupLogging installs the default slog logger described by cfg.
func setupLogging(cfg *Config, w io.Writer) error {
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}

	slog.SetDefault(slog.New(handler))
	// package loggers captured before SetDefault route through the log
	// package bridge, which has its own level
	slog.SetLogLoggerLevel(level)
	return nil
}
