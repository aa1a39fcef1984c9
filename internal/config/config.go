package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Suite     SuiteConfig     `mapstructure:"suite"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Push      PushConfig      `mapstructure:"push"`
	Services  ServicesConfig  `mapstructure:"services"`
	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration `mapstructure:"idleTimeout"`
}

type BrowserConfig struct {
	Backend         string        `mapstructure:"backend"` // chromedp, rod, playwright
	ExecutablePath  string        `mapstructure:"executablePath"`
	RemoteURL       string        `mapstructure:"remoteURL"` // attach to a running browser instead of launching
	Headless        bool          `mapstructure:"headless"`
	WindowWidth     int           `mapstructure:"windowWidth"`
	WindowHeight    int           `mapstructure:"windowHeight"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	MaxSessions     int           `mapstructure:"maxSessions"`
	Debug           bool          `mapstructure:"debug"`
}

type SuiteConfig struct {
	BaseURL      string        `mapstructure:"baseURL"`
	Parallelism  int           `mapstructure:"parallelism"`
	StepTimeout  time.Duration `mapstructure:"stepTimeout"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	Margin       time.Duration `mapstructure:"margin"`
	AbortGrace   time.Duration `mapstructure:"abortGrace"`
	Retries      int           `mapstructure:"retries"`
	ScenarioDirs []string      `mapstructure:"scenarioDirs"`
	Builtins     bool          `mapstructure:"builtins"`
	Filter       string        `mapstructure:"filter"`
	Tags         []string      `mapstructure:"tags"`
	CallbackURL  string        `mapstructure:"callbackURL"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"` // debug, info, warn, error
	Development bool   `mapstructure:"development"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ApiKey         string   `mapstructure:"apiKey"`
}

type SnapshotConfig struct {
	Sink         string        `mapstructure:"sink"` // none, http, s3
	Endpoint     string        `mapstructure:"endpoint"`
	Token        string        `mapstructure:"token"`
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
	Region       string        `mapstructure:"region"`
	S3Endpoint   string        `mapstructure:"s3Endpoint"`
	UsePathStyle bool          `mapstructure:"usePathStyle"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queueSize"`
	RatePerSec   float64       `mapstructure:"ratePerSec"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type PushConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"apiKey"`
	AuthDomain        string        `mapstructure:"authDomain"`
	ProjectID         string        `mapstructure:"projectId"`
	StorageBucket     string        `mapstructure:"storageBucket"`
	MessagingSenderID string        `mapstructure:"messagingSenderId"`
	AppID             string        `mapstructure:"appId"`
	VAPIDKey          string        `mapstructure:"vapidKey"`
	VAPIDPrivateKey   string        `mapstructure:"vapidPrivateKey"`
	Subscriber        string        `mapstructure:"subscriber"`
	SDKVersion        string        `mapstructure:"sdkVersion"`
	TTL               time.Duration `mapstructure:"ttl"`
}

type ServicesConfig struct {
	Timeout   time.Duration     `mapstructure:"timeout"`
	Insecure  bool              `mapstructure:"insecure"`
	Endpoints map[string]string `mapstructure:"endpoints"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"` // empty disables run history
}

type TelemetryConfig struct {
	Metrics bool `mapstructure:"metrics"`
	Tracing bool `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "15s")
	v.SetDefault("server.writeTimeout", "15s")
	v.SetDefault("server.idleTimeout", "60s")

	v.SetDefault("browser.backend", "chromedp")
	v.SetDefault("browser.executablePath", "") // auto-detect if empty
	v.SetDefault("browser.remoteURL", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.windowWidth", 1280)
	v.SetDefault("browser.windowHeight", 900)
	v.SetDefault("browser.shutdownTimeout", "10s")
	v.SetDefault("browser.maxSessions", 10)
	v.SetDefault("browser.debug", false)

	v.SetDefault("suite.baseURL", "https://yral.com")
	v.SetDefault("suite.parallelism", 1)
	v.SetDefault("suite.stepTimeout", "10s")
	v.SetDefault("suite.pollInterval", "200ms")
	v.SetDefault("suite.margin", "30s")
	v.SetDefault("suite.abortGrace", "5s")
	v.SetDefault("suite.retries", 0)
	v.SetDefault("suite.scenarioDirs", []string{})
	v.SetDefault("suite.builtins", true)
	v.SetDefault("suite.filter", "")
	v.SetDefault("suite.tags", []string{})
	v.SetDefault("suite.callbackURL", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("security.allowedOrigins", []string{"*"})
	v.SetDefault("security.apiKey", "")

	v.SetDefault("snapshot.sink", "none")
	v.SetDefault("snapshot.workers", 2)
	v.SetDefault("snapshot.queueSize", 32)
	v.SetDefault("snapshot.ratePerSec", 2.0)
	v.SetDefault("snapshot.timeout", "20s")
	v.SetDefault("snapshot.prefix", "snapshots/")
	v.SetDefault("snapshot.region", "us-east-1")

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.sdkVersion", "10.12.2")
	v.SetDefault("push.subscriber", "mailto:qa@yral.com")
	v.SetDefault("push.ttl", "60s")

	v.SetDefault("services.timeout", "10s")
	v.SetDefault("services.insecure", false)
	v.SetDefault("services.endpoints", map[string]string{
		"feed":   "yral-ml-feed-server.fly.dev:443",
		"search": "prod-yral-icpump-search.fly.dev:443",
	})

	v.SetDefault("store.path", "")

	v.SetDefault("telemetry.metrics", true)
	v.SetDefault("telemetry.tracing", false)
}

// LoadConfig reads path, or searches the standard locations when path is
// empty. A missing config file is not an error; defaults and SCRYRUN_*
// environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scryrun")
		v.AddConfigPath("/etc/scryrun")
	}

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("SCRYRUN")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would make waits unbounded or the runner idle.
func (c *Config) Validate() error {
	switch c.Browser.Backend {
	case "chromedp", "rod", "playwright":
	default:
		return fmt.Errorf("browser.backend: unknown backend %q", c.Browser.Backend)
	}
	if c.Suite.Parallelism < 1 {
		return fmt.Errorf("suite.parallelism must be at least 1, got %d", c.Suite.Parallelism)
	}
	if c.Suite.StepTimeout <= 0 {
		return fmt.Errorf("suite.stepTimeout must be positive")
	}
	if c.Suite.Retries < 0 {
		return fmt.Errorf("suite.retries must not be negative")
	}
	switch c.Snapshot.Sink {
	case "none", "":
	case "http":
		if c.Snapshot.Endpoint == "" {
			return fmt.Errorf("snapshot.endpoint is required for the http sink")
		}
	case "s3":
		if c.Snapshot.Bucket == "" {
			return fmt.Errorf("snapshot.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("snapshot.sink: unknown sink %q", c.Snapshot.Sink)
	}
	return nil
}
