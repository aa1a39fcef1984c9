package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "chromedp", cfg.Browser.Backend)
	assert.Equal(t, 1, cfg.Suite.Parallelism)
	assert.Equal(t, 10*time.Second, cfg.Suite.StepTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Suite.PollInterval)
	assert.Equal(t, 0, cfg.Suite.Retries)
	assert.Equal(t, "none", cfg.Snapshot.Sink)
	assert.Equal(t, "yral-ml-feed-server.fly.dev:443", cfg.Services.Endpoints["feed"])
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  backend: rod
suite:
  baseURL: https://staging.example.test
  parallelism: 4
  stepTimeout: 15s
snapshot:
  sink: s3
  bucket: visual
`), 0o600))
	t.Setenv("SCRYRUN_SUITE_RETRIES", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "rod", cfg.Browser.Backend)
	assert.Equal(t, "https://staging.example.test", cfg.Suite.BaseURL)
	assert.Equal(t, 4, cfg.Suite.Parallelism)
	assert.Equal(t, 15*time.Second, cfg.Suite.StepTimeout)
	assert.Equal(t, 2, cfg.Suite.Retries)
	assert.Equal(t, "visual", cfg.Snapshot.Bucket)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Browser:  BrowserConfig{Backend: "chromedp"},
			Suite:    SuiteConfig{Parallelism: 1, StepTimeout: time.Second},
			Snapshot: SnapshotConfig{Sink: "none"},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"backend":     func(c *Config) { c.Browser.Backend = "selenium" },
		"parallelism": func(c *Config) { c.Suite.Parallelism = 0 },
		"timeout":     func(c *Config) { c.Suite.StepTimeout = 0 },
		"retries":     func(c *Config) { c.Suite.Retries = -1 },
		"http sink":   func(c *Config) { c.Snapshot.Sink = "http" },
		"s3 sink":     func(c *Config) { c.Snapshot.Sink = "s3" },
		"sink":        func(c *Config) { c.Snapshot.Sink = "ftp" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
