package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYSYNC"

type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Store        StoreConfig         `mapstructure:"store"`
	Sync         SyncConfig          `mapstructure:"sync"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Platform     PlatformConfig      `mapstructure:"platform"`
	Integrations []IntegrationConfig `mapstructure:"integrations"`
}

type ServerConfig struct {
	Addr               string        `mapstructure:"addr"`
	PublicURL          string        `mapstructure:"public_url"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	ContinuationSecret string        `mapstructure:"continuation_secret"`
	RateLimitMax       int           `mapstructure:"rate_limit_max"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	AsyncWebhooks      bool          `mapstructure:"async_webhooks"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	// DSN selects the checkpoint backend: memory://, file:///path,
	// sqlite:///path or postgres://...
	DSN string `mapstructure:"dsn"`
}

type SyncConfig struct {
	TimeBudget          time.Duration `mapstructure:"time_budget"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	ContinuationDelay   time.Duration `mapstructure:"continuation_delay"`
	ContinuationRetries int           `mapstructure:"continuation_retries"`
	StallAfter          time.Duration `mapstructure:"stall_after"`
	RedeliveryBackoff   time.Duration `mapstructure:"redelivery_backoff"`
	MaxRedeliveries     int           `mapstructure:"max_redeliveries"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// PlatformConfig addresses the chatbot platform that file and table sinks
// write into.
type PlatformConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIToken string `mapstructure:"api_token"`
}

type IntegrationConfig struct {
	Name            string     `mapstructure:"name"`
	Kind            string     `mapstructure:"kind"`
	BaseURL         string     `mapstructure:"base_url"`
	Token           string     `mapstructure:"token"`
	TokenEnv        string     `mapstructure:"token_env"`
	DriveID         string     `mapstructure:"drive_id"`
	PageSize        int        `mapstructure:"page_size"`
	StartMode       string     `mapstructure:"start_mode"`
	SucceededEvents []string   `mapstructure:"succeeded_events"`
	WebhookSecret   string     `mapstructure:"webhook_secret"`
	Sink            SinkConfig `mapstructure:"sink"`
}

type SinkConfig struct {
	Kind   string `mapstructure:"kind"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ResolveToken returns the static token, falling back to the environment
// variable named by TokenEnv.
func (c IntegrationConfig) ResolveToken() string {
	if token := strings.TrimSpace(c.Token); token != "" {
		return token
	}
	if c.TokenEnv != "" {
		return strings.TrimSpace(os.Getenv(c.TokenEnv))
	}
	return ""
}

var (
	knownKinds      = map[string]bool{"apify": true, "magento": true, "sharepoint": true}
	knownSinks      = map[string]bool{"file": true, "table": true, "gcs": true}
	knownStartModes = map[string]bool{"": true, "immediate": true, "webhook": true}
	knownFormats    = map[string]bool{"json": true, "console": true}
)

func (c *Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.Store.DSN) == "" {
		result = multierror.Append(result, errors.New("store.dsn is required"))
	}
	if c.Sync.TimeBudget <= 0 {
		result = multierror.Append(result, errors.New("sync.time_budget must be positive"))
	}
	if c.Sync.LockTTL > 0 && c.Sync.LockTTL <= c.Sync.TimeBudget {
		result = multierror.Append(result, errors.New("sync.lock_ttl must exceed sync.time_budget"))
	}
	if !knownFormats[c.Logging.Format] {
		result = multierror.Append(result, fmt.Errorf("logging.format %q is not json or console", c.Logging.Format))
	}
	seen := map[string]bool{}
	for i, integration := range c.Integrations {
		label := fmt.Sprintf("integrations[%d]", i)
		if integration.Name == "" {
			result = multierror.Append(result, fmt.Errorf("%s.name is required", label))
		} else if seen[integration.Name] {
			result = multierror.Append(result, fmt.Errorf("%s.name %q is duplicated", label, integration.Name))
		}
		seen[integration.Name] = true
		if !knownKinds[integration.Kind] {
			result = multierror.Append(result, fmt.Errorf("%s.kind %q is not apify, magento or sharepoint", label, integration.Kind))
		}
		if integration.Kind == "sharepoint" && integration.DriveID == "" {
			result = multierror.Append(result, fmt.Errorf("%s.drive_id is required for sharepoint", label))
		}
		if !knownStartModes[integration.StartMode] {
			result = multierror.Append(result, fmt.Errorf("%s.start_mode %q is not immediate or webhook", label, integration.StartMode))
		}
		if !knownSinks[integration.Sink.Kind] {
			result = multierror.Append(result, fmt.Errorf("%s.sink.kind %q is not file, table or gcs", label, integration.Sink.Kind))
		}
		if integration.Sink.Kind == "gcs" && integration.Sink.Bucket == "" {
			result = multierror.Append(result, fmt.Errorf("%s.sink.bucket is required for gcs", label))
		}
		if (integration.Sink.Kind == "file" || integration.Sink.Kind == "table") && c.Platform.BaseURL == "" {
			result = multierror.Append(result, fmt.Errorf("%s: platform.base_url is required for %s sinks", label, integration.Sink.Kind))
		}
	}
	return result.ErrorOrNil()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.continuation_secret", "dev-continuation-secret")
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.async_webhooks", true)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.dsn", "memory://")

	v.SetDefault("sync.time_budget", 100*time.Second)
	v.SetDefault("sync.lock_ttl", 5*time.Minute)
	v.SetDefault("sync.continuation_delay", time.Second)
	v.SetDefault("sync.continuation_retries", 2)
	v.SetDefault("sync.stall_after", 10*time.Minute)
	v.SetDefault("sync.redelivery_backoff", 30*time.Second)
	v.SetDefault("sync.max_redeliveries", 5)
	v.SetDefault("sync.sweep_interval", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.path", "")

	v.SetDefault("platform.base_url", "")
	v.SetDefault("platform.api_token", "")
}

// Loader reads configuration from an optional YAML file, a .env file and
// RELAYSYNC_ prefixed environment variables, in increasing precedence.
type Loader struct {
	path    string
	envFile string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader returns a loader for path. An empty path searches for
// relaysync.yaml in the working directory and ./config.
func NewLoader(path, envFile string) *Loader {
	return &Loader{path: strings.TrimSpace(path), envFile: strings.TrimSpace(envFile)}
}

func Load(path string) (*Config, error) {
	return NewLoader(path, "").Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFile(); err != nil {
		return nil, err
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
	} else {
		v.SetConfigName("relaysync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

// Watch reloads the configuration whenever the config file changes and
// hands the result to onChange. Reloads that fail to decode or validate are
// reported through onError and otherwise ignored. Watch is a no-op when no
// config file was read.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) bool {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return true
}

func (l *Loader) loadEnvFile() error {
	path := l.envFile
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if l.envFile != "" {
				return fmt.Errorf("load env file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	for i := range cfg.Integrations {
		cfg.Integrations[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Integrations[i].Kind))
		cfg.Integrations[i].Sink.Kind = strings.ToLower(strings.TrimSpace(cfg.Integrations[i].Sink.Kind))
		if cfg.Integrations[i].Sink.Kind == "" {
			cfg.Integrations[i].Sink.Kind = "file"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
