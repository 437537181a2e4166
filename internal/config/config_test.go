package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DROP_HTTP_PORT", "9090")
	t.Setenv("DROP_TASKS_DIR", filepath.Join(dir, "tasks"))
	t.Setenv("DROP_RECEIPTS_DIR", filepath.Join(dir, "receipts"))
	t.Setenv("DROP_OUTCOMES_FILE", filepath.Join(dir, "state", "outcomes.json"))
	t.Setenv("DROP_DATA_DIR", dir)
	t.Setenv("DROP_PROXY_WAIT_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.ProxyWaitTimeout)
	assert.Equal(t, time.Second, cfg.ProxyPollInterval)
	assert.True(t, cfg.WaitForProxy)
	assert.DirExists(t, filepath.Join(dir, "tasks"))
	assert.DirExists(t, filepath.Join(dir, "state"))
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			HTTPPort:          8080,
			TasksDir:          "t",
			ReceiptsDir:       "r",
			OutcomesFile:      "o.json",
			ProxyPollInterval: time.Second,
			RequestTimeout:    time.Second,
			MonitorDelay:      time.Second,
			ErrorDelay:        time.Second,
			EventBuffer:       1,
			JournalSize:       1,
		}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	cases := map[string]func(*Config){
		"port":          func(c *Config) { c.HTTPPort = 0 },
		"poll interval": func(c *Config) { c.ProxyPollInterval = 0 },
		"wait timeout":  func(c *Config) { c.ProxyWaitTimeout = -time.Second },
		"rps":           func(c *Config) { c.RequestsPerSecond = -1 },
		"outcomes":      func(c *Config) { c.OutcomesFile = "" },
		"journal":       func(c *Config) { c.JournalSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg = valid()
	cfg.OutcomesFile = ""
	cfg.DatabaseURL = "postgres://db/drops"
	assert.NoError(t, cfg.Validate(), "a database replaces the outcomes file")
}
