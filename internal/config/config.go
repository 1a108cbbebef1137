// Package config loads relayd configuration from YAML, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. RELAYD_LISTEN_TCP.
const EnvPrefix = "RELAYD"

// Config is the root server configuration.
type Config struct {
	// ProtocolVersion is the only protocol version this server speaks.
	ProtocolVersion uint32 `mapstructure:"protocol_version"`

	Listen   ListenConfig   `mapstructure:"listen"`
	Session  SessionConfig  `mapstructure:"session"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Mission  MissionConfig  `mapstructure:"mission"`
	RTC      RTCConfig      `mapstructure:"rtc"`
	Log      LogConfig      `mapstructure:"log"`
}

// ListenConfig holds listener addresses. An empty address disables the
// listener.
type ListenConfig struct {
	TCP  string `mapstructure:"tcp"`
	QUIC string `mapstructure:"quic"`
	HTTP string `mapstructure:"http"` // /ws, /rtc and /api
}

// SessionConfig tunes per-connection behaviour.
type SessionConfig struct {
	SendQueue         int           `mapstructure:"send_queue"`
	LoginRate         float64       `mapstructure:"login_rate"` // attempts per second
	LoginBurst        int           `mapstructure:"login_burst"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxFrame          int           `mapstructure:"max_frame"`
}

// RelayConfig tunes the vehicle tunnel relay.
type RelayConfig struct {
	QueueSize       int  `mapstructure:"queue_size"`
	NotifyConflicts bool `mapstructure:"notify_conflicts"`
}

// AdminConfig guards the status API.
type AdminConfig struct {
	APIKey string  `mapstructure:"api_key"`
	Rate   float64 `mapstructure:"rate"`
	Burst  int     `mapstructure:"burst"`
}

// DatabaseConfig selects the persistence backend. An empty DSN keeps users
// and missions in memory.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuthConfig seeds the in-memory authenticator.
type AuthConfig struct {
	// Users are "name:password" pairs.
	Users []string `mapstructure:"users"`
	// APIKeys are "key:username" pairs; the user must be listed in Users.
	APIKeys    []string `mapstructure:"api_keys"`
	BcryptCost int      `mapstructure:"bcrypt_cost"`
}

// MissionConfig controls mission viewer links.
type MissionConfig struct {
	// ViewerURL is a printf template taking the mission uuid, e.g.
	// "https://example.org/missions/%s". Empty disables links.
	ViewerURL string `mapstructure:"viewer_url"`
}

// RTCConfig configures the WebRTC transport.
type RTCConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // rotated log file, empty for console only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ProtocolVersion: 1,
		Listen: ListenConfig{
			TCP:  ":5555",
			HTTP: ":8080",
		},
		Session: SessionConfig{
			SendQueue:         256,
			LoginRate:         2,
			LoginBurst:        5,
			KeepaliveInterval: 30 * time.Second,
			IdleTimeout:       90 * time.Second,
			MaxFrame:          1 << 20,
		},
		Relay: RelayConfig{QueueSize: 128},
		Admin: AdminConfig{Rate: 10, Burst: 20},
		Auth:  AuthConfig{BcryptCost: 10},
		RTC: RTCConfig{STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. A .env file in the working directory is applied to the
// environment first, then RELAYD_* variables override file values.
// Example: RELAYD_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relayd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".relayd"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("protocol_version", cfg.ProtocolVersion)
	v.SetDefault("listen.tcp", cfg.Listen.TCP)
	v.SetDefault("listen.quic", cfg.Listen.QUIC)
	v.SetDefault("listen.http", cfg.Listen.HTTP)
	v.SetDefault("session.send_queue", cfg.Session.SendQueue)
	v.SetDefault("session.login_rate", cfg.Session.LoginRate)
	v.SetDefault("session.login_burst", cfg.Session.LoginBurst)
	v.SetDefault("session.keepalive_interval", cfg.Session.KeepaliveInterval)
	v.SetDefault("session.idle_timeout", cfg.Session.IdleTimeout)
	v.SetDefault("session.max_frame", cfg.Session.MaxFrame)
	v.SetDefault("relay.queue_size", cfg.Relay.QueueSize)
	v.SetDefault("relay.notify_conflicts", cfg.Relay.NotifyConflicts)
	v.SetDefault("admin.api_key", cfg.Admin.APIKey)
	v.SetDefault("admin.rate", cfg.Admin.Rate)
	v.SetDefault("admin.burst", cfg.Admin.Burst)
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("auth.users", cfg.Auth.Users)
	v.SetDefault("auth.api_keys", cfg.Auth.APIKeys)
	v.SetDefault("auth.bcrypt_cost", cfg.Auth.BcryptCost)
	v.SetDefault("mission.viewer_url", cfg.Mission.ViewerURL)
	v.SetDefault("rtc.stun_servers", cfg.RTC.STUNServers)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Listen.TCP == "" && c.Listen.QUIC == "" && c.Listen.HTTP == "" {
		return errors.New("no listener configured")
	}
	if c.Session.SendQueue <= 0 {
		return fmt.Errorf("invalid session.send_queue: %d", c.Session.SendQueue)
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("invalid relay.queue_size: %d", c.Relay.QueueSize)
	}
	if c.Session.MaxFrame <= 0 {
		return fmt.Errorf("invalid session.max_frame: %d", c.Session.MaxFrame)
	}
	if c.Session.LoginRate <= 0 || c.Session.LoginBurst <= 0 {
		return errors.New("session.login_rate and session.login_burst must be positive")
	}
	for _, u := range c.Auth.Users {
		if name, _, ok := strings.Cut(u, ":"); !ok || name == "" {
			return fmt.Errorf("invalid auth.users entry %q (want name:password)", u)
		}
	}
	users := c.Users()
	for _, k := range c.Auth.APIKeys {
		key, name, ok := strings.Cut(k, ":")
		if !ok || key == "" {
			return fmt.Errorf("invalid auth.api_keys entry (want key:username)")
		}
		if _, known := users[name]; !known {
			return fmt.Errorf("auth.api_keys entry for unknown user %q", name)
		}
	}
	return nil
}

// Users returns the seeded users as name -> password.
func (c *Config) Users() map[string]string {
	users := make(map[string]string, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		name, pw, _ := strings.Cut(u, ":")
		users[name] = pw
	}
	return users
}

// APIKeys returns the seeded api keys as key -> username.
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string, len(c.Auth.APIKeys))
	for _, k := range c.Auth.APIKeys {
		key, name, _ := strings.Cut(k, ":")
		keys[key] = name
	}
	return keys
}
