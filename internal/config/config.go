package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the full service configuration. Values are layered as
// defaults, then an optional YAML file, then environment variables.
type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`
	Env      string `koanf:"env"`

	Store    StoreConfig    `koanf:"store"`
	Postgres PostgresConfig `koanf:"postgres"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`
	Jellyfin JellyfinConfig `koanf:"jellyfin"`

	Channels map[string]ChannelConfig `koanf:"channels"`
	// Routes maps a content type (movie, series, episode, audio, other) to
	// a channel name.
	Routes   map[string]string `koanf:"routes"`
	Fallback string            `koanf:"fallback"`

	Correlation CorrelationConfig `koanf:"correlation"`
	Changes     ChangesConfig     `koanf:"changes"`
	Dispatch    DispatchConfig    `koanf:"dispatch"`
	Sync        SyncConfig        `koanf:"sync"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `koanf:"driver"` // sqlite, postgres or memory
	SQLitePath string `koanf:"sqlite_path"`
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
}

// RedisConfig holds Redis connection settings. Redis is optional; it backs
// the distributed rate limiter and webhook idempotency keys.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// AWSConfig holds settings for SQS ingestion, the SQS dead-letter sink and
// the SNS and SES deliverers.
type AWSConfig struct {
	Region       string `koanf:"region"`
	SQSRegion    string `koanf:"sqs_region"`
	SQSQueueURL  string `koanf:"sqs_queue_url"`
	SQSDLQURL    string `koanf:"sqs_dlq_url"`
	SNSRegion    string `koanf:"sns_region"`
	SESFromEmail string `koanf:"ses_from_email"`
}

// JellyfinConfig points at the source media server.
type JellyfinConfig struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"api_key"`
	UserID string `koanf:"user_id"`
	// FetchMissing completes Added events lacking media attributes through
	// the server API.
	FetchMissing bool `koanf:"fetch_missing"`
}

// Enabled reports whether the server API is configured.
func (j JellyfinConfig) Enabled() bool {
	return j.URL != "" && j.APIKey != ""
}

// ChannelConfig is one notification destination.
type ChannelConfig struct {
	// URL is an http(s) webhook, "sns:<topic-arn>" or "mailto:<address>".
	URL                string         `koanf:"url"`
	Disabled           bool           `koanf:"disabled"`
	RateLimitPerMinute int            `koanf:"rate_limit_per_minute"`
	Grouping           GroupingConfig `koanf:"grouping"`
}

// GroupingConfig controls batching of notifications per channel.
type GroupingConfig struct {
	Mode         string `koanf:"mode"` // none, event, type, both
	DelayMinutes int    `koanf:"delay_minutes"`
	MaxItems     int    `koanf:"max_items"`
}

// CorrelationConfig tunes deletion/upgrade correlation.
type CorrelationConfig struct {
	Delay time.Duration `koanf:"delay"`
	// Match lists the identity strategies tried after the exact ID:
	// episode, provider, path.
	Match []string `koanf:"match"`
}

// ChangesConfig tunes change detection.
type ChangesConfig struct {
	FilterRenames bool `koanf:"filter_renames"`
	// FilterDeletes holds deletions for correlation. When false, deletions
	// notify immediately.
	FilterDeletes bool     `koanf:"filter_deletes"`
	Watch         []string `koanf:"watch"`
}

// DispatchConfig tunes the notification queue.
type DispatchConfig struct {
	QueueCapacity  int           `koanf:"queue_capacity"`
	MaxAttempts    int           `koanf:"max_attempts"`
	BackoffBase    time.Duration `koanf:"backoff_base"`
	WebhookTimeout int           `koanf:"webhook_timeout"` // seconds
	ShutdownGrace  time.Duration `koanf:"shutdown_grace"`
	RateLimiter    string        `koanf:"rate_limiter"` // local or redis
}

// SyncConfig controls the periodic library sync and housekeeping.
type SyncConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval"`
	Retention time.Duration `koanf:"retention"`
}

// Channel names used by the env shorthands and the default route table.
const (
	ChannelDefault = "default"
	ChannelMovies  = "movies"
	ChannelTV      = "tv"
	ChannelMusic   = "music"
)

var (
	validDrivers       = map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	validGroupingModes = map[string]bool{"none": true, "event": true, "type": true, "both": true}
	validMatchers      = map[string]bool{"id": true, "episode": true, "provider": true, "path": true}
	validWatchFields   = map[string]bool{
		"resolution": true, "video_codec": true, "audio_codec": true, "audio_channels": true,
		"hdr": true, "quality_score": true, "file_size": true,
	}
	validRateLimiters = map[string]bool{"local": true, "redis": true}
)

func defaultConfig() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "jellycast.db",
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "jellycast",
			Name:    "jellycast",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		AWS: AWSConfig{
			Region:       "us-east-1",
			SESFromEmail: "noreply@jellycast.local",
		},
		Jellyfin: JellyfinConfig{
			FetchMissing: true,
		},
		Fallback: ChannelDefault,
		Correlation: CorrelationConfig{
			Delay: 30 * time.Second,
			Match: []string{"id", "episode", "provider"},
		},
		Changes: ChangesConfig{
			FilterRenames: true,
			FilterDeletes: true,
			Watch:         []string{"resolution", "video_codec", "audio_codec", "audio_channels", "hdr"},
		},
		Dispatch: DispatchConfig{
			QueueCapacity:  500,
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			WebhookTimeout: 30,
			ShutdownGrace:  10 * time.Second,
			RateLimiter:    "local",
		},
		Sync: SyncConfig{
			Enabled:   true,
			Interval:  time.Hour,
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// DefaultRoutes is the content type route table used when none is configured.
func DefaultRoutes() map[string]string {
	return map[string]string{
		"movie":   ChannelMovies,
		"series":  ChannelTV,
		"episode": ChannelTV,
		"audio":   ChannelMusic,
	}
}

// applyDefaults fills values that cannot be expressed as struct defaults.
func (c *Config) applyDefaults() {
	if c.Channels == nil {
		c.Channels = make(map[string]ChannelConfig)
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	if c.AWS.SQSRegion == "" {
		c.AWS.SQSRegion = c.AWS.Region
	}
	if c.AWS.SNSRegion == "" {
		c.AWS.SNSRegion = c.AWS.Region
	}
	for name, ch := range c.Channels {
		if ch.RateLimitPerMinute <= 0 {
			ch.RateLimitPerMinute = 30
		}
		if ch.Grouping.Mode == "" {
			ch.Grouping.Mode = "none"
		}
		ch.Grouping.Mode = strings.ToLower(ch.Grouping.Mode)
		if ch.Grouping.DelayMinutes <= 0 {
			ch.Grouping.DelayMinutes = 5
		}
		if ch.Grouping.MaxItems <= 0 {
			ch.Grouping.MaxItems = 20
		}
		c.Channels[name] = ch
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("invalid store driver %q (sqlite, postgres, memory)", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
	}
	if c.Correlation.Delay <= 0 {
		return fmt.Errorf("correlation.delay must be positive")
	}
	for _, m := range c.Correlation.Match {
		if !validMatchers[m] {
			return fmt.Errorf("invalid correlation matcher %q", m)
		}
	}
	for _, f := range c.Changes.Watch {
		if !validWatchFields[f] {
			return fmt.Errorf("invalid watch field %q", f)
		}
	}
	if c.Dispatch.QueueCapacity <= 0 {
		return fmt.Errorf("dispatch.queue_capacity must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}
	if !validRateLimiters[c.Dispatch.RateLimiter] {
		return fmt.Errorf("invalid rate limiter %q (local, redis)", c.Dispatch.RateLimiter)
	}
	if c.Dispatch.RateLimiter == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("redis rate limiter requires redis.enabled")
	}
	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}

	for _, name := range c.ChannelNames() {
		ch := c.Channels[name]
		if !validGroupingModes[ch.Grouping.Mode] {
			return fmt.Errorf("channel %s: invalid grouping mode %q (none, event, type, both)", name, ch.Grouping.Mode)
		}
		if ch.URL != "" && !validEndpoint(ch.URL) {
			return fmt.Errorf("channel %s: unsupported url scheme", name)
		}
	}
	return nil
}

// ChannelNames returns configured channel names in sorted order.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validEndpoint(u string) bool {
	for _, prefix := range []string{"http://", "https://", "sns:", "mailto:", "log:"} {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}
