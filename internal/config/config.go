// Package config loads and validates seriesfetch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/seriesfetch/internal/extract"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Image store backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Workers   WorkersConfig           `mapstructure:"workers"`
	Queue     QueueConfig             `mapstructure:"queue"`
	Dispatch  DispatchConfig          `mapstructure:"dispatcher"`
	Browser   BrowserConfig           `mapstructure:"browser"`
	Images    ImagesConfig            `mapstructure:"images"`
	Proxies   []scraper.ProxyEndpoint `mapstructure:"proxies"`
	DB        DBConfig                `mapstructure:"db"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Extract   ExtractConfig           `mapstructure:"extract"`
	Scrape    ScrapeConfig            `mapstructure:"scrape"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Sources   []scraper.Source        `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// QueueConfig governs retries and job retention.
type QueueConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	RetainCompleted  int `mapstructure:"retain_completed"`
}

// BrowserConfig configures headless page loading.
type BrowserConfig struct {
	UserAgent            string   `mapstructure:"user_agent"`
	ExecPath             string   `mapstructure:"exec_path"`
	MaxParallel          int      `mapstructure:"max_parallel"`
	NavTimeoutSeconds    int      `mapstructure:"nav_timeout_seconds"`
	WaitTimeoutSeconds   int      `mapstructure:"wait_timeout_seconds"`
	BlockedResourceTypes []string `mapstructure:"blocked_resource_types"`
	RequestsPerSecond    float64  `mapstructure:"requests_per_second"`
	Burst                int      `mapstructure:"burst"`
	// ChallengeMinBytes is the size under which a script-heavy page counts as an
	// anti-bot challenge. Zero disables challenge detection.
	ChallengeMinBytes int `mapstructure:"challenge_min_bytes"`
}

// ImagesConfig configures image acquisition and where images are stored.
type ImagesConfig struct {
	Backend        string `mapstructure:"backend"`
	RootDir        string `mapstructure:"root_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	MaxBytes       int64  `mapstructure:"max_bytes"`
	MinWidth       int    `mapstructure:"min_width"`
	MinHeight      int    `mapstructure:"min_height"`
	CoverQuality   int    `mapstructure:"cover_quality"`
	PageQuality    int    `mapstructure:"page_quality"`
	UpscaleCovers  bool   `mapstructure:"upscale_covers"`
	UpscalePages   bool   `mapstructure:"upscale_pages"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN selects the
// in-memory gateway seeded from Sources.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExtractConfig tunes record extraction.
type ExtractConfig struct {
	AllowRandomIDs bool `mapstructure:"allow_random_ids"`
}

// ScrapeConfig tunes job execution.
type ScrapeConfig struct {
	SkipProcessedEpisodes bool `mapstructure:"skip_processed_episodes"`
}

// DispatchConfig bounds request admission.
type DispatchConfig struct {
	MaxPageSpan int `mapstructure:"max_page_span"`
}

// SchedulerConfig controls per-source timers.
type SchedulerConfig struct {
	Autostart       bool          `mapstructure:"autostart"`
	IntervalUnit    time.Duration `mapstructure:"interval_unit"`
	DefaultInterval int           `mapstructure:"default_interval"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SERIESFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("workers.concurrency", 3)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial_ms", 2000)
	v.SetDefault("queue.backoff_max_ms", 60000)
	v.SetDefault("queue.retain_completed", 1000)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.max_parallel", 3)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.wait_timeout_seconds", 10)
	v.SetDefault("browser.blocked_resource_types", []string{"Stylesheet", "Font", "Media"})
	v.SetDefault("browser.requests_per_second", 1.0)
	v.SetDefault("browser.burst", 1)
	v.SetDefault("browser.challenge_min_bytes", 2048)
	v.SetDefault("images.backend", BackendLocal)
	v.SetDefault("images.root_dir", "data/images")
	v.SetDefault("images.gcs_bucket", "")
	v.SetDefault("images.max_bytes", 10<<20)
	v.SetDefault("images.min_width", 800)
	v.SetDefault("images.min_height", 600)
	v.SetDefault("images.cover_quality", 75)
	v.SetDefault("images.page_quality", 85)
	v.SetDefault("images.upscale_covers", false)
	v.SetDefault("images.upscale_pages", true)
	v.SetDefault("images.timeout_seconds", 30)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("extract.allow_random_ids", false)
	v.SetDefault("scrape.skip_processed_episodes", true)
	v.SetDefault("dispatcher.max_page_span", 100)
	v.SetDefault("scheduler.autostart", true)
	v.SetDefault("scheduler.interval_unit", "1m")
	v.SetDefault("scheduler.default_interval", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Dispatch.MaxPageSpan <= 0 {
		return fmt.Errorf("dispatcher.max_page_span must be > 0")
	}
	if c.Queue.BackoffInitialMs < 0 || c.Queue.BackoffMaxMs < c.Queue.BackoffInitialMs {
		return fmt.Errorf("queue backoff must satisfy 0 <= backoff_initial_ms <= backoff_max_ms")
	}
	if c.Browser.NavTimeoutSeconds <= 0 || c.Browser.WaitTimeoutSeconds <= 0 {
		return fmt.Errorf("browser timeouts must be > 0")
	}
	if c.Browser.ChallengeMinBytes < 0 {
		return fmt.Errorf("browser.challenge_min_bytes must be >= 0")
	}
	switch c.Images.Backend {
	case BackendLocal:
		if c.Images.RootDir == "" {
			return fmt.Errorf("images.root_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Images.GCSBucket == "" {
			return fmt.Errorf("images.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("images.backend must be one of local, gcs, memory; got %q", c.Images.Backend)
	}
	if c.Images.MaxBytes <= 0 {
		return fmt.Errorf("images.max_bytes must be > 0")
	}
	if !validQuality(c.Images.CoverQuality) || !validQuality(c.Images.PageQuality) {
		return fmt.Errorf("images qualities must be within 1..100")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Scheduler.IntervalUnit <= 0 {
		return fmt.Errorf("scheduler.interval_unit must be > 0")
	}
	labels := make(map[string]struct{}, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.Label == "" || p.Host == "" || p.Port <= 0 {
			return fmt.Errorf("proxy entries need label, host and port: %+v", p.Label)
		}
		if _, dup := labels[p.Label]; dup {
			return fmt.Errorf("duplicate proxy label %q", p.Label)
		}
		labels[p.Label] = struct{}{}
	}
	for _, src := range c.Sources {
		if src.ID == "" || src.BaseURL == "" {
			return fmt.Errorf("sources need id and base_url")
		}
		if !extract.KnownTheme(src.Theme) {
			return fmt.Errorf("source %s has unknown theme %q", src.ID, src.Theme)
		}
	}
	return nil
}

// RetryBackoff returns the initial and maximum retry delays.
func (c Config) RetryBackoff() (initial, maximum time.Duration) {
	return time.Duration(c.Queue.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Queue.BackoffMaxMs) * time.Millisecond
}

func validQuality(q int) bool {
	return q >= 1 && q <= 100
}
