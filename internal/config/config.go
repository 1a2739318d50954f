// Package config loads peerstored's configuration from a YAML file and
// environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"peerstore/pkg/xerr"
)

// Config is the unified configuration for a peerstored instance. Field names
// mirror the keys under the "peerstore" and "peerstore-<backend>" sections of
// the config file.
type Config struct {
	Peerstore struct {
		Socket        string        `mapstructure:"socket"`
		Database      string        `mapstructure:"database"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		MetricsAddr   string        `mapstructure:"metrics_addr"`
		LogLevel      string        `mapstructure:"log_level"`
	} `mapstructure:"peerstore"`

	Backend struct {
		Filename string `mapstructure:"filename"`
	} `mapstructure:"peerstore-sqlite"`
}

// Default returns the configuration applied when no file or environment
// override is present.
func Default() Config {
	var c Config
	c.Peerstore.Socket = "/var/run/peerstore.sock"
	c.Peerstore.Database = "sqlite"
	c.Peerstore.SweepInterval = 300 * time.Second
	c.Peerstore.MetricsAddr = ""
	c.Peerstore.LogLevel = "info"
	c.Backend.Filename = "peerstore.db"
	return c
}

// Load reads configFile (if non-empty) and overlays environment variables
// prefixed PEERSTORE_, merging both onto Default(). A missing configFile is
// not an error — the defaults and environment still apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	cfg := Default()

	v.SetDefault("peerstore.socket", cfg.Peerstore.Socket)
	v.SetDefault("peerstore.database", cfg.Peerstore.Database)
	v.SetDefault("peerstore.sweep_interval", cfg.Peerstore.SweepInterval)
	v.SetDefault("peerstore.metrics_addr", cfg.Peerstore.MetricsAddr)
	v.SetDefault("peerstore.log_level", cfg.Peerstore.LogLevel)
	v.SetDefault("peerstore-sqlite.filename", cfg.Backend.Filename)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return nil, xerr.Wrap(err, "load config")
			}
		}
	}

	v.SetEnvPrefix("PEERSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerr.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
