// Package config loads runtime configuration for waterhub from flags and
// WATERHUB_-prefixed environment variables via viper.
package config

import "github.com/spf13/viper"

// Config holds every runtime setting the serve command needs.
type Config struct {
	ListenAddr string
	DBPath     string
	Env        string
}

// Load reads configuration from viper, populated by the cobra command in
// cmd/waterhub with flags bound and WATERHUB_* environment variables
// applied on top.
func Load() Config {
	return Config{
		ListenAddr: viper.GetString("listen_addr"),
		DBPath:     viper.GetString("db_path"),
		Env:        viper.GetString("env"),
	}
}
