package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the server.
type Config struct {
	Port         int
	DatabasePath string
	StaticDir    string
	// AuthHeader is the request header carrying the authenticated user's
	// email, injected by an access proxy in front of the server.
	AuthHeader string

	ExpiryDays      int
	PersistInterval time.Duration
	PersistJitter   time.Duration

	MaxTargetLen      int
	BroadcastCapacity int

	LogLevel string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/inkpad).
func Load() Config {
	return Config{
		Port:         viper.GetInt("port"),
		DatabasePath: viper.GetString("database_path"),
		StaticDir:    viper.GetString("static_dir"),
		AuthHeader:   viper.GetString("auth_header"),

		ExpiryDays:      viper.GetInt("expiry_days"),
		PersistInterval: viper.GetDuration("persist_interval"),
		PersistJitter:   viper.GetDuration("persist_jitter"),

		MaxTargetLen:      viper.GetInt("max_target_len"),
		BroadcastCapacity: viper.GetInt("broadcast_capacity"),

		LogLevel: viper.GetString("log_level"),
	}
}
