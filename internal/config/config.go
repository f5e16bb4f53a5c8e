package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/vjranagit/serverwatch/pkg/live"
	"github.com/vjranagit/serverwatch/pkg/pipeline"
	"github.com/vjranagit/serverwatch/pkg/smooth"
	"github.com/vjranagit/serverwatch/pkg/storage"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// History sources.
const (
	SourceUpstream = "upstream"
	SourceLocal    = "local"
)

// Chart kinds.
const (
	KindMetric  = "metric"
	KindService = "service"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Live      LiveConfig      `yaml:"live"`
	Smoothing SmoothingConfig `yaml:"smoothing"`
	Log       LogConfig       `yaml:"log"`
	Charts    []ChartConfig   `yaml:"charts"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `yaml:"path"`
	InMemory         bool   `yaml:"in_memory"`
	RetentionDays    int    `yaml:"retention_days"`
	CompressionLevel int    `yaml:"compression_level"`
	BacklogSize      int    `yaml:"backlog_size"`
}

// UpstreamConfig describes the monitoring backend.
type UpstreamConfig struct {
	URL string `yaml:"url"`
	// Source selects where historical queries go: the backend REST API or the
	// local store.
	Source         string        `yaml:"source"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// LiveConfig sizes the live windows.
type LiveConfig struct {
	Capacity int `yaml:"capacity"`
}

// SmoothingConfig holds the peak cut parameters.
type SmoothingConfig struct {
	ForcePeakCut bool    `yaml:"force_peak_cut"`
	WindowSize   int     `yaml:"window_size"`
	Alpha        float64 `yaml:"alpha"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ChartConfig describes one chart.
type ChartConfig struct {
	ID       string   `yaml:"id"`
	Kind     string   `yaml:"kind"`
	Server   uint64   `yaml:"server"`
	Metric   string   `yaml:"metric"`
	Metrics  []string `yaml:"metrics"`
	Services []uint64 `yaml:"services"`
	Mode     string   `yaml:"mode"`
	PeakCut  bool     `yaml:"peak_cut"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8008",
			Timeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Path:             "./data",
			RetentionDays:    30,
			CompressionLevel: 3,
			BacklogSize:      live.DefaultCapacity,
		},
		Upstream: UpstreamConfig{
			Source:         SourceUpstream,
			Timeout:        30 * time.Second,
			ReconnectDelay: 5 * time.Second,
			CacheSize:      128,
			CacheTTL:       time.Minute,
		},
		Live: LiveConfig{
			Capacity: live.DefaultCapacity,
		},
		Smoothing: SmoothingConfig{
			WindowSize: smooth.DefaultWindowSize,
			Alpha:      smooth.DefaultAlpha,
		},
		Log: LogConfig{
			Level: "info",
		},
		Charts: []ChartConfig{
			{ID: "cpu", Kind: KindMetric, Server: 1, Metric: "cpu"},
		},
	}
}

// Load reads the configuration: defaults, then the YAML file at path when path
// is not empty, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.RetentionDays = getEnvInt("RETENTION_DAYS", c.Storage.RetentionDays)
	c.Storage.CompressionLevel = getEnvInt("COMPRESSION_LEVEL", c.Storage.CompressionLevel)
	c.Upstream.URL = getEnv("UPSTREAM_URL", c.Upstream.URL)
	c.Upstream.Source = getEnv("HISTORY_SOURCE", c.Upstream.Source)
	c.Live.Capacity = getEnvInt("LIVE_CAPACITY", c.Live.Capacity)
	c.Smoothing.ForcePeakCut = getEnvBool("FORCE_PEAK_CUT", c.Smoothing.ForcePeakCut)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		InMemory:         c.Storage.InMemory,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		BacklogSize:      c.Storage.BacklogSize,
	}
}

// ToSmoother returns the peak cut setting of a chart.
func (c *Config) ToSmoother(chart ChartConfig) smooth.Smoother {
	return smooth.Smoother{
		Enabled:    chart.PeakCut,
		WindowSize: c.Smoothing.WindowSize,
		Alpha:      c.Smoothing.Alpha,
	}
}

// ToPipelineConfigs converts the chart list to pipeline configurations.
func (c *Config) ToPipelineConfigs() ([]pipeline.Config, error) {
	out := make([]pipeline.Config, 0, len(c.Charts))
	for _, chart := range c.Charts {
		pc := pipeline.Config{
			ID:           chart.ID,
			ServerID:     chart.Server,
			Metric:       chart.Metric,
			Metrics:      append([]string(nil), chart.Metrics...),
			Services:     append([]uint64(nil), chart.Services...),
			Capacity:     c.Live.Capacity,
			Smoother:     c.ToSmoother(chart),
			ForcePeakCut: c.Smoothing.ForcePeakCut,
			FetchTimeout: c.Upstream.Timeout,
		}

		switch chart.Kind {
		case KindMetric, "":
			pc.Kind = pipeline.KindMetric
		case KindService:
			pc.Kind = pipeline.KindService
		default:
			return nil, fmt.Errorf("chart %q: unknown kind %q", chart.ID, chart.Kind)
		}

		if chart.Mode != "" {
			m, err := types.ParseMode(chart.Mode)
			if err != nil {
				return nil, fmt.Errorf("chart %q: %w", chart.ID, err)
			}
			pc.Mode = m
		}

		out = append(out, pc)
	}
	return out, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Storage.BacklogSize < 0 {
		return fmt.Errorf("backlog size must not be negative")
	}

	switch c.Upstream.Source {
	case SourceUpstream:
		if c.Upstream.URL == "" {
			return fmt.Errorf("upstream url is required for the %s history source", SourceUpstream)
		}
	case SourceLocal:
	default:
		return fmt.Errorf("unknown history source %q", c.Upstream.Source)
	}

	if c.Live.Capacity < 1 {
		return fmt.Errorf("live capacity must be at least 1")
	}

	if c.Smoothing.WindowSize < 1 {
		return fmt.Errorf("smoothing window size must be at least 1")
	}

	if c.Smoothing.Alpha <= 0 || c.Smoothing.Alpha > 1 {
		return fmt.Errorf("smoothing alpha must be in (0, 1]")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return c.validateCharts()
}

func (c *Config) validateCharts() error {
	if len(c.Charts) == 0 {
		return errors.New("at least one chart is required")
	}

	seen := make(map[string]bool, len(c.Charts))
	for _, chart := range c.Charts {
		if chart.ID == "" {
			return errors.New("chart id is required")
		}
		if seen[chart.ID] {
			return fmt.Errorf("duplicate chart id %q", chart.ID)
		}
		seen[chart.ID] = true

		switch chart.Kind {
		case KindMetric, "":
			names := make(map[string]bool)
			for _, name := range append([]string{chart.Metric}, chart.Metrics...) {
				m, err := live.Lookup(name)
				if err != nil {
					return fmt.Errorf("chart %q: %w", chart.ID, err)
				}
				if names[m.Name] {
					return fmt.Errorf("chart %q: metric %q listed twice", chart.ID, m.Name)
				}
				names[m.Name] = true
			}
		case KindService:
			if len(chart.Services) == 0 {
				return fmt.Errorf("chart %q: at least one service is required", chart.ID)
			}
		default:
			return fmt.Errorf("chart %q: unknown kind %q", chart.ID, chart.Kind)
		}

		if chart.Mode != "" {
			m, err := types.ParseMode(chart.Mode)
			if err != nil {
				return fmt.Errorf("chart %q: %w", chart.ID, err)
			}
			if m.Live && chart.Kind == KindService {
				return fmt.Errorf("chart %q: %w", chart.ID, pipeline.ErrLiveUnsupported)
			}
		}
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
