// Package config loads runtime configuration from environment
// variables with sensible defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the livedata server.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string

	// PollingThrottle is the process-wide default minimum spacing
	// between invalidation-triggered polls; PollingInterval the
	// forced-poll period.
	PollingThrottle time.Duration
	PollingInterval time.Duration

	// HTTPForwardedCount is the number of trusted proxies in front of
	// the server; it governs client-IP derivation from the
	// x-forwarded-for header.
	HTTPForwardedCount int

	// DisableWebsockets restricts the transport to long-polling.
	DisableWebsockets bool
	// UseJSessionID enables the session-affinity cookie. Only a
	// long-poll transport consumes it; the WebSocket path ignores it.
	UseJSessionID bool

	// HeartbeatInterval is how long a client may stay silent before
	// the server pings it; HeartbeatTimeout how long after that ping
	// the session survives without any inbound traffic.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Mongo connection settings for the store adapter.
	MongoURI      string
	MongoDatabase string

	// Metrics endpoint settings.
	MetricsEnabled bool
	MetricsAddr    string

	LogLevel string
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "0.0.0.0:3000")
	v.SetDefault("polling_throttle_ms", 50)
	v.SetDefault("polling_interval_ms", 10000)
	v.SetDefault("http_forwarded_count", 0)
	v.SetDefault("disable_websockets", false)
	v.SetDefault("use_jsessionid", false)
	v.SetDefault("heartbeat_interval_ms", 45000)
	v.SetDefault("heartbeat_timeout_ms", 15000)
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "livedata")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_addr", "0.0.0.0:9100")
	v.SetDefault("log_level", "info")

	bindings := map[string]string{
		"polling_throttle_ms":   "METEOR_POLLING_THROTTLE_MS",
		"polling_interval_ms":   "METEOR_POLLING_INTERVAL_MS",
		"http_forwarded_count":  "HTTP_FORWARDED_COUNT",
		"disable_websockets":    "DISABLE_WEBSOCKETS",
		"use_jsessionid":        "USE_JSESSIONID",
		"listen_addr":           "LIVEDATA_LISTEN_ADDR",
		"heartbeat_interval_ms": "LIVEDATA_HEARTBEAT_INTERVAL_MS",
		"heartbeat_timeout_ms":  "LIVEDATA_HEARTBEAT_TIMEOUT_MS",
		"mongo_uri":             "MONGO_URL",
		"mongo_database":        "MONGO_DATABASE",
		"metrics_enabled":       "LIVEDATA_METRICS_ENABLED",
		"metrics_addr":          "LIVEDATA_METRICS_ADDR",
		"log_level":             "LIVEDATA_LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := Config{
		ListenAddr:         v.GetString("listen_addr"),
		PollingThrottle:    time.Duration(v.GetInt("polling_throttle_ms")) * time.Millisecond,
		PollingInterval:    time.Duration(v.GetInt("polling_interval_ms")) * time.Millisecond,
		HTTPForwardedCount: v.GetInt("http_forwarded_count"),
		DisableWebsockets:  v.GetBool("disable_websockets"),
		UseJSessionID:      v.GetBool("use_jsessionid"),
		HeartbeatInterval:  time.Duration(v.GetInt("heartbeat_interval_ms")) * time.Millisecond,
		HeartbeatTimeout:   time.Duration(v.GetInt("heartbeat_timeout_ms")) * time.Millisecond,
		MongoURI:           v.GetString("mongo_uri"),
		MongoDatabase:      v.GetString("mongo_database"),
		MetricsEnabled:     v.GetBool("metrics_enabled"),
		MetricsAddr:        v.GetString("metrics_addr"),
		LogLevel:           v.GetString("log_level"),
	}
	if cfg.PollingThrottle < 0 || cfg.PollingInterval <= 0 {
		return Config{}, fmt.Errorf("polling settings must be positive")
	}
	return cfg, nil
}
