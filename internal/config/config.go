// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/maps-harvester/internal/hash/sha256"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Session  SessionConfig  `mapstructure:"session"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Persist  PersistConfig  `mapstructure:"persist"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Target   TargetConfig   `mapstructure:"target"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the control-surface HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// EngineConfig governs the scheduler loop.
type EngineConfig struct {
	MaxItemTimeoutSec      int `mapstructure:"max_item_timeout_seconds"`
	SessionRestartInterval int `mapstructure:"session_restart_interval"`
	DelayBetweenItemsMin   int `mapstructure:"delay_between_items_min_seconds"`
	DelayBetweenItemsMax   int `mapstructure:"delay_between_items_max_seconds"`
	ThrottleBackoffSec     int `mapstructure:"throttle_backoff_seconds"`
	MaxThrottleBackoffs    int `mapstructure:"max_throttle_backoffs"`
	IdleWaitSec            int `mapstructure:"idle_wait_seconds"`
	// ExitWhenDrained ends a run once the queue is empty instead of
	// re-polling. The one-shot CLI forces it on.
	ExitWhenDrained bool `mapstructure:"exit_when_drained"`
}

// SessionConfig configures the automation session pool.
type SessionConfig struct {
	Headless          bool   `mapstructure:"headless"`
	SlowMoMs          int    `mapstructure:"slow_mo_ms"`
	UserAgent         string `mapstructure:"user_agent"`
	ProxyServer       string `mapstructure:"proxy_server"`
	PrimaryExecPath   string `mapstructure:"primary_exec_path"`
	FallbackExecPath  string `mapstructure:"fallback_exec_path"`
	FailoverThreshold int    `mapstructure:"failover_threshold"`
	RepairAfter       int    `mapstructure:"repair_after"`
	ProfileDir        string `mapstructure:"profile_dir"`
}

// WatchdogConfig configures the liveness monitor.
type WatchdogConfig struct {
	TimeoutSec       int `mapstructure:"timeout_seconds"`
	CheckIntervalSec int `mapstructure:"check_interval_seconds"`
}

// PersistConfig configures the persistence buffer and sinks.
type PersistConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`
	BackupDir     string `mapstructure:"backup_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSPrefix     string `mapstructure:"gcs_prefix"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	BackoffBaseMs int    `mapstructure:"backoff_base_ms"`
}

// DBConfig controls access to the relational work store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TargetConfig names the property being scraped.
type TargetConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	MaxResults int    `mapstructure:"max_results"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("engine.max_item_timeout_seconds", 180)
	v.SetDefault("engine.session_restart_interval", 10)
	v.SetDefault("engine.delay_between_items_min_seconds", 5)
	v.SetDefault("engine.delay_between_items_max_seconds", 15)
	v.SetDefault("engine.throttle_backoff_seconds", 10)
	v.SetDefault("engine.max_throttle_backoffs", 5)
	v.SetDefault("engine.idle_wait_seconds", 2)
	v.SetDefault("engine.exit_when_drained", false)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.slow_mo_ms", 50)
	v.SetDefault("session.failover_threshold", 3)
	v.SetDefault("session.repair_after", 2)
	v.SetDefault("watchdog.timeout_seconds", 60)
	v.SetDefault("watchdog.check_interval_seconds", 10)
	v.SetDefault("persist.batch_size", 10)
	v.SetDefault("persist.backup_dir", "storage")
	v.SetDefault("persist.gcs_prefix", "results")
	v.SetDefault("persist.max_attempts", 3)
	v.SetDefault("persist.backoff_base_ms", 2000)
	v.SetDefault("target.base_url", "https://www.google.com/maps")
	v.SetDefault("target.max_results", 20)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.MaxItemTimeoutSec <= 0 {
		return fmt.Errorf("engine.max_item_timeout_seconds must be > 0")
	}
	if c.Engine.DelayBetweenItemsMin > c.Engine.DelayBetweenItemsMax {
		return fmt.Errorf("engine.delay_between_items_min_seconds must be <= max")
	}
	if c.Watchdog.TimeoutSec <= 0 {
		return fmt.Errorf("watchdog.timeout_seconds must be > 0")
	}
	if c.Persist.BatchSize <= 0 {
		return fmt.Errorf("persist.batch_size must be > 0")
	}
	if c.Session.FailoverThreshold <= 0 {
		return fmt.Errorf("session.failover_threshold must be > 0")
	}
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url must be set")
	}
	return nil
}

// MaxItemTimeout returns the per-item wall-clock bound.
func (c Config) MaxItemTimeout() time.Duration {
	return time.Duration(c.Engine.MaxItemTimeoutSec) * time.Second
}

// SessionHash returns a stable digest of every knob that requires a
// session restart when changed. The pool compares it against the hash
// the live session was created with.
func (c Config) SessionHash() (string, error) {
	values := map[string]string{
		"headless":     strconv.FormatBool(c.Session.Headless),
		"slow_mo_ms":   strconv.Itoa(c.Session.SlowMoMs),
		"user_agent":   c.Session.UserAgent,
		"proxy_server": c.Session.ProxyServer,
		"primary":      c.Session.PrimaryExecPath,
		"fallback":     c.Session.FallbackExecPath,
		"profile_dir":  c.Session.ProfileDir,
	}
	digest, err := sha256.SumMap(values)
	if err != nil {
		return "", fmt.Errorf("hash session config: %w", err)
	}
	return digest, nil
}

// SlowMo returns the human-like interaction delay between actions.
func (c Config) SlowMo() time.Duration {
	return time.Duration(c.Session.SlowMoMs) * time.Millisecond
}
