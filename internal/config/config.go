// Package config loads cmd/bcp-server's and cmd/bcp-client's runtime
// configuration with viper: environment variables (BCP_ prefix) take
// precedence over a YAML file, and defaults fill whatever neither sets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bcp/session"
)

// SessionConfig mirrors session.Config with struct tags viper can bind.
type SessionConfig struct {
	MaxConnectionsPerSession       int           `mapstructure:"max_connections_per_session"`
	MaxActiveConnectionsPerSession int           `mapstructure:"max_active_connections_per_session"`
	MaxOfflinePack                 int           `mapstructure:"max_offline_pack"`
	HeartBeatDelay                 time.Duration `mapstructure:"heartbeat_delay"`
	BusyTimeout                    time.Duration `mapstructure:"busy_timeout"`
	IdleTimeout                    time.Duration `mapstructure:"idle_timeout"`
	ReadingTimeout                 time.Duration `mapstructure:"reading_timeout"`
	WritingTimeout                 time.Duration `mapstructure:"writing_timeout"`
}

// ToSession converts to the type the session engine actually consumes.
func (s SessionConfig) ToSession() session.Config {
	return session.Config{
		MaxConnectionsPerSession:       s.MaxConnectionsPerSession,
		MaxActiveConnectionsPerSession: s.MaxActiveConnectionsPerSession,
		MaxOfflinePack:                 s.MaxOfflinePack,
		HeartBeatDelay:                 s.HeartBeatDelay,
		BusyTimeout:                    s.BusyTimeout,
		IdleTimeout:                    s.IdleTimeout,
		ReadingTimeout:                 s.ReadingTimeout,
		WritingTimeout:                 s.WritingTimeout,
	}
}

// Config is the union of tunables both binaries need; each binary only
// reads the fields relevant to its role.
type Config struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ServerAddr         string        `mapstructure:"server_addr"`
	InitialConnections int           `mapstructure:"initial_connections"`
	LogLevel           string        `mapstructure:"log_level"`
	Session            SessionConfig `mapstructure:"session"`
}

// Default returns the same tunables session.DefaultConfig() and
// streamconn.DefaultConfig() use, plus sane binary-level defaults.
func Default() *Config {
	sc := session.DefaultConfig()
	return &Config{
		ListenAddr:         "127.0.0.1:4040",
		ServerAddr:         "127.0.0.1:4040",
		InitialConnections: 1,
		LogLevel:           "info",
		Session: SessionConfig{
			MaxConnectionsPerSession:       sc.MaxConnectionsPerSession,
			MaxActiveConnectionsPerSession: sc.MaxActiveConnectionsPerSession,
			MaxOfflinePack:                 sc.MaxOfflinePack,
			HeartBeatDelay:                 sc.HeartBeatDelay,
			BusyTimeout:                    sc.BusyTimeout,
			IdleTimeout:                    sc.IdleTimeout,
			ReadingTimeout:                 sc.ReadingTimeout,
			WritingTimeout:                 sc.WritingTimeout,
		},
	}
}

// Load reads configPath (if non-empty) or searches ./bcp.yaml and
// $HOME/.config/bcp/bcp.yaml, overlays BCP_-prefixed environment
// variables, and falls back to Default() for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows about, so every key is
	// bound to its environment variable explicitly; AutomaticEnv alone
	// would miss keys the config file does not mention.
	for _, key := range []string{
		"listen_addr", "server_addr", "initial_connections", "log_level",
		"session.max_connections_per_session", "session.max_active_connections_per_session",
		"session.max_offline_pack", "session.heartbeat_delay", "session.busy_timeout",
		"session.idle_timeout", "session.reading_timeout", "session.writing_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bcp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/bcp")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults fills every zero-valued field left unset by the config
// file or environment with Default()'s value.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = d.ServerAddr
	}
	if cfg.InitialConnections == 0 {
		cfg.InitialConnections = d.InitialConnections
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	s, ds := &cfg.Session, d.Session
	if s.MaxConnectionsPerSession == 0 {
		s.MaxConnectionsPerSession = ds.MaxConnectionsPerSession
	}
	if s.MaxActiveConnectionsPerSession == 0 {
		s.MaxActiveConnectionsPerSession = ds.MaxActiveConnectionsPerSession
	}
	if s.MaxOfflinePack == 0 {
		s.MaxOfflinePack = ds.MaxOfflinePack
	}
	if s.HeartBeatDelay == 0 {
		s.HeartBeatDelay = ds.HeartBeatDelay
	}
	if s.BusyTimeout == 0 {
		s.BusyTimeout = ds.BusyTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = ds.IdleTimeout
	}
	if s.ReadingTimeout == 0 {
		s.ReadingTimeout = ds.ReadingTimeout
	}
	if s.WritingTimeout == 0 {
		s.WritingTimeout = ds.WritingTimeout
	}
}
