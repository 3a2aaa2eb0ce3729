package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/jellycast/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration. Precedence is env over file over defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"correlation.match",
	"changes.watch",
}

// processSliceFields splits comma-separated env values for list settings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(s, ",") {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"port":      "port",
	"log_level": "log_level",
	"env":       "env",

	"store_driver": "store.driver",
	"sqlite_path":  "store.sqlite_path",

	"db_host":     "postgres.host",
	"db_port":     "postgres.port",
	"db_user":     "postgres.user",
	"db_password": "postgres.password",
	"db_name":     "postgres.name",
	"db_sslmode":  "postgres.sslmode",

	"redis_enabled":  "redis.enabled",
	"redis_host":     "redis.host",
	"redis_port":     "redis.port",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"aws_region":     "aws.region",
	"sqs_region":     "aws.sqs_region",
	"sqs_queue_url":  "aws.sqs_queue_url",
	"sqs_dlq_url":    "aws.sqs_dlq_url",
	"sns_region":     "aws.sns_region",
	"ses_from_email": "aws.ses_from_email",

	"jellyfin_server_url": "jellyfin.url",
	"jellyfin_url":        "jellyfin.url",
	"jellyfin_api_key":    "jellyfin.api_key",
	"jellyfin_user_id":    "jellyfin.user_id",
	"jellyfin_fetch":      "jellyfin.fetch_missing",

	"discord_webhook_url":        "channels.default.url",
	"discord_webhook_url_movies": "channels.movies.url",
	"discord_webhook_url_tv":     "channels.tv.url",
	"discord_webhook_url_music":  "channels.music.url",
	"fallback_channel":           "fallback",

	"deletion_delay":    "correlation.delay",
	"correlation_delay": "correlation.delay",
	"correlation_match": "correlation.match",
	"filter_renames":    "changes.filter_renames",
	"filter_deletes":    "changes.filter_deletes",
	"watch_changes":     "changes.watch",

	"queue_capacity":     "dispatch.queue_capacity",
	"max_attempts":       "dispatch.max_attempts",
	"webhook_timeout":    "dispatch.webhook_timeout",
	"rate_limit_backend": "dispatch.rate_limiter",

	"sync_enabled":  "sync.enabled",
	"sync_interval": "sync.interval",
	"job_retention": "sync.retention",
}

// envTransformFunc maps known environment variables to config paths.
// Unmapped variables return "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
