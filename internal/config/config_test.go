package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/serverwatch/pkg/pipeline"
	"github.com/vjranagit/serverwatch/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serverwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9999"
  timeout: 10s
upstream:
  url: https://dash.example.com
  reconnect_delay: 2s
smoothing:
  window_size: 7
charts:
  - id: mem
    metric: memory
    metrics: [swap]
    server: 3
  - id: net
    kind: service
    services: [1, 2]
    mode: 7d
    peak_cut: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Upstream.ReconnectDelay)
	assert.Equal(t, "./data", cfg.Storage.Path, "unset keys keep their defaults")
	require.Len(t, cfg.Charts, 2)

	pcs, err := cfg.ToPipelineConfigs()
	require.NoError(t, err)

	assert.Equal(t, pipeline.KindMetric, pcs[0].Kind)
	assert.Equal(t, uint64(3), pcs[0].ServerID)
	assert.Equal(t, []string{"swap"}, pcs[0].Metrics)
	assert.Equal(t, types.Mode{}, pcs[0].Mode)
	assert.Equal(t, 30, pcs[0].Capacity)
	assert.False(t, pcs[0].Smoother.Enabled)

	assert.Equal(t, pipeline.KindService, pcs[1].Kind)
	assert.Equal(t, []uint64{1, 2}, pcs[1].Services)
	assert.Equal(t, types.Historical(types.Period7d), pcs[1].Mode)
	assert.True(t, pcs[1].Smoother.Enabled)
	assert.Equal(t, 7, pcs[1].Smoother.WindowSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "http://backend:8008")
	t.Setenv("STORAGE_PATH", "/var/lib/serverwatch")
	t.Setenv("FORCE_PEAK_CUT", "true")
	t.Setenv("LIVE_CAPACITY", "60")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://backend:8008", cfg.Upstream.URL)
	assert.Equal(t, "/var/lib/serverwatch", cfg.ToStorageConfig().Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	pcs, err := cfg.ToPipelineConfigs()
	require.NoError(t, err)
	assert.True(t, pcs[0].ForcePeakCut)
	assert.Equal(t, 60, pcs[0].Capacity)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: ["))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Upstream.URL = "http://localhost:8008"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"no storage path", func(c *Config) { c.Storage.Path = "" }},
		{"retention", func(c *Config) { c.Storage.RetentionDays = 0 }},
		{"compression", func(c *Config) { c.Storage.CompressionLevel = 5 }},
		{"no upstream url", func(c *Config) { c.Upstream.URL = "" }},
		{"unknown source", func(c *Config) { c.Upstream.Source = "carrier-pigeon" }},
		{"live capacity", func(c *Config) { c.Live.Capacity = 0 }},
		{"alpha", func(c *Config) { c.Smoothing.Alpha = 1.5 }},
		{"smoothing window", func(c *Config) { c.Smoothing.WindowSize = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"no charts", func(c *Config) { c.Charts = nil }},
		{"duplicate chart", func(c *Config) { c.Charts = append(c.Charts, c.Charts[0]) }},
		{"unknown metric", func(c *Config) { c.Charts[0].Metric = "entropy" }},
		{"unknown extra metric", func(c *Config) { c.Charts[0].Metrics = []string{"gpu:1abc"} }},
		{"duplicate metric", func(c *Config) { c.Charts[0].Metrics = []string{"cpu"} }},
		{"unknown kind", func(c *Config) { c.Charts[0].Kind = "pie" }},
		{"bad mode", func(c *Config) { c.Charts[0].Mode = "2d" }},
		{"service without services", func(c *Config) {
			c.Charts = []ChartConfig{{ID: "net", Kind: KindService}}
		}},
		{"live service chart", func(c *Config) {
			c.Charts = []ChartConfig{{ID: "net", Kind: KindService, Services: []uint64{1}, Mode: "live"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSmoothingWindowIsHonored(t *testing.T) {
	for _, size := range []int{1, 2, 11, 40} {
		cfg := DefaultConfig()
		cfg.Upstream.URL = "http://localhost:8008"
		cfg.Smoothing.WindowSize = size
		require.NoError(t, cfg.Validate(), "window %d", size)

		smoother := cfg.ToSmoother(cfg.Charts[0])
		window, alpha := smoother.Params()
		assert.Equal(t, size, window)
		assert.Equal(t, cfg.Smoothing.Alpha, alpha)
	}
}

func TestValidateLocalSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Source = SourceLocal
	cfg.Storage.InMemory = true
	cfg.Storage.Path = ""

	assert.NoError(t, cfg.Validate())
}
