package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	HTTPPort    int           `envconfig:"HTTP_PORT" default:"8080"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	DataDir      string `envconfig:"DATA_DIR" default:"./data"`
	TasksDir     string `envconfig:"TASKS_DIR" default:"./data/tasks"`
	ProfilesFile string `envconfig:"PROFILES_FILE" default:"./data/profiles.json"`
	ProxiesFile  string `envconfig:"PROXIES_FILE" default:"./data/proxies.txt"`
	QuirksFile   string `envconfig:"QUIRKS_FILE" default:"./data/quirks.json"`
	ReceiptsDir  string `envconfig:"RECEIPTS_DIR" default:"./data/receipts"`
	OutcomesFile string `envconfig:"OUTCOMES_FILE" default:"./data/outcomes.json"`

	// DatabaseURL switches outcome history to PostgreSQL when set.
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"4"`

	ProxyPollInterval time.Duration `envconfig:"PROXY_POLL_INTERVAL" default:"1s"`
	ProxyWaitTimeout  time.Duration `envconfig:"PROXY_WAIT_TIMEOUT" default:"0s"`
	WaitForProxy      bool          `envconfig:"WAIT_FOR_PROXY" default:"true"`

	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"20s"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" default:"0"`
	UserAgent         string        `envconfig:"USER_AGENT"`

	MonitorDelay time.Duration `envconfig:"MONITOR_DELAY" default:"3s"`
	ErrorDelay   time.Duration `envconfig:"ERROR_DELAY" default:"3s"`

	EventBuffer int `envconfig:"EVENT_BUFFER" default:"256"`
	JournalSize int `envconfig:"JOURNAL_SIZE" default:"200"`

	CaptchaURL     string        `envconfig:"CAPTCHA_URL"`
	CaptchaTimeout time.Duration `envconfig:"CAPTCHA_TIMEOUT" default:"2m"`

	AllowPrivateStorefronts bool `envconfig:"ALLOW_PRIVATE_STOREFRONTS" default:"false"`
	Autostart               bool `envconfig:"AUTOSTART" default:"false"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	if c.TasksDir == "" {
		return fmt.Errorf("tasks directory cannot be empty")
	}
	if c.ReceiptsDir == "" {
		return fmt.Errorf("receipts directory cannot be empty")
	}
	if c.DatabaseURL == "" && c.OutcomesFile == "" {
		return fmt.Errorf("outcomes file cannot be empty without a database")
	}

	if c.ProxyPollInterval <= 0 {
		return fmt.Errorf("proxy poll interval must be positive: %s", c.ProxyPollInterval)
	}
	if c.ProxyWaitTimeout < 0 {
		return fmt.Errorf("proxy wait timeout cannot be negative: %s", c.ProxyWaitTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive: %s", c.RequestTimeout)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative: %v", c.RequestsPerSecond)
	}
	if c.MonitorDelay <= 0 || c.ErrorDelay <= 0 {
		return fmt.Errorf("monitor and error delays must be positive")
	}

	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive: %d", c.EventBuffer)
	}
	if c.JournalSize <= 0 {
		return fmt.Errorf("journal size must be positive: %d", c.JournalSize)
	}

	return nil
}
