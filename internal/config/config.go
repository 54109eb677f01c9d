// Package config loads the daemon's process-level configuration: the
// settings needed before the store is reachable. Everything that can
// change at runtime (MOTD, blacklist, job limits) lives in the store
// instead and is managed through the admin CLI.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the daemon's static configuration, read from
// packetserver.yaml and PS_APP_* environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Radio   RadioConfig   `mapstructure:"radio"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig identifies this station.
type ServerConfig struct {
	Callsign string `mapstructure:"callsign"`
	Name     string `mapstructure:"name"`
	DataDir  string `mapstructure:"data_dir"`
}

// DBConfig selects and addresses the store backend.
type DBConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`

	// Address is published to zeo-address.txt in the data dir when the
	// backend is client-server, so sidecar tools can attach.
	Address string `mapstructure:"address"`
}

// RadioConfig configures the packet-facing transports.
type RadioConfig struct {
	// DirRoot enables the directory transport listener when non-empty.
	DirRoot string `mapstructure:"dir_root"`

	// MTU caps one transport frame; 0 means the transport default.
	MTU int `mapstructure:"mtu"`
}

// HTTPConfig configures the dashboard façade.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the optional packetserver.yaml and the
// PS_APP environment prefix, applying defaults first.
func Load(configPath string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.callsign", "")
	v.SetDefault("server.name", "packetserver")
	v.SetDefault("server.data_dir", "./data")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "./data/packetserver.db")
	v.SetDefault("db.address", "")

	v.SetDefault("radio.dir_root", "")
	v.SetDefault("radio.mtu", 0)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("logging.level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("packetserver")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("PS_APP")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
