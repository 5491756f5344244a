// Package config loads runtime configuration from an optional config file
// and CHABAPP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Storage backends for the offline cache.
const (
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Config is the runtime configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	App       AppConfig      `mapstructure:"app"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Reminders ReminderConfig `mapstructure:"reminders"`
	Hebcal    HebcalConfig   `mapstructure:"hebcal"`
	Push      PushConfig     `mapstructure:"push"`
}

// ServerConfig configures the HTTP server and logging.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AppConfig describes the app the worker fronts.
type AppConfig struct {
	// Origin is the upstream app, e.g. https://example.org. Only scheme and
	// host are kept.
	Origin      string   `mapstructure:"origin"`
	Root        string   `mapstructure:"root"`
	OfflinePage string   `mapstructure:"offline_page"`
	Shell       []string `mapstructure:"shell"`
}

// CacheConfig configures the offline cache partition and its storage.
type CacheConfig struct {
	Prefix             string   `mapstructure:"prefix"`
	Version            string   `mapstructure:"version"`
	Backend            string   `mapstructure:"backend"`
	InstallConcurrency int      `mapstructure:"install_concurrency"`
	ExcludedHosts      []string `mapstructure:"excluded_hosts"`
	S3                 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Root      string `mapstructure:"root"`
}

// ReminderConfig configures reminder scheduling.
type ReminderConfig struct {
	Timezone   string `mapstructure:"timezone"`
	CutoffHour int    `mapstructure:"cutoff_hour"`
	// Grace is how late a persisted timer may be and still fire at startup.
	Grace time.Duration `mapstructure:"grace"`
}

// HebcalConfig locates the user for candle-lighting lookups. Leaving the
// coordinates empty disables the lookup.
type HebcalConfig struct {
	Latitude  string `mapstructure:"latitude"`
	Longitude string `mapstructure:"longitude"`
	TZID      string `mapstructure:"tzid"`
}

// PushConfig holds VAPID settings. Without keys web push is disabled.
type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
}

// Load reads configuration. paths are searched for config.yaml in addition
// to ./config; a missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CHABAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names kept for existing deployments.
	_ = v.BindEnv("server.port", "CHABAPP_SERVER_PORT", "CHABAPP_PORT")
	_ = v.BindEnv("database.path", "CHABAPP_DATABASE_PATH", "CHABAPP_DB_PATH")
	_ = v.BindEnv("app.origin", "CHABAPP_APP_ORIGIN", "CHABAPP_ORIGIN")
	_ = v.BindEnv("cache.version", "CHABAPP_CACHE_VERSION")

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.path", "chabapp.db")

	v.SetDefault("app.origin", "http://localhost:3000")
	v.SetDefault("app.root", "/chabapp/")
	v.SetDefault("app.offline_page", "/chabapp/index.html")
	v.SetDefault("app.shell", []string{"/chabapp/", "/chabapp/index.html", "/chabapp/manifest.json"})

	v.SetDefault("cache.prefix", "chabapp")
	v.SetDefault("cache.version", "v1")
	v.SetDefault("cache.backend", BackendSQLite)
	v.SetDefault("cache.install_concurrency", 4)
	v.SetDefault("cache.excluded_hosts", []string{})
	v.SetDefault("cache.s3.endpoint", "")
	v.SetDefault("cache.s3.bucket", "")
	v.SetDefault("cache.s3.region", "us-east-1")
	v.SetDefault("cache.s3.access_key", "")
	v.SetDefault("cache.s3.secret_key", "")
	v.SetDefault("cache.s3.root", "")

	v.SetDefault("reminders.timezone", "Europe/Paris")
	v.SetDefault("reminders.cutoff_hour", 20)
	v.SetDefault("reminders.grace", "15m")

	v.SetDefault("hebcal.latitude", "")
	v.SetDefault("hebcal.longitude", "")
	v.SetDefault("hebcal.tzid", "")

	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")
}

// Validate checks values Load cannot default.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Cache.Version == "" {
		return errors.New("config: cache.version is required")
	}
	switch c.Cache.Backend {
	case BackendSQLite:
	case BackendS3:
		if c.Cache.S3.Bucket == "" {
			return errors.New("config: cache.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Reminders.CutoffHour < 0 || c.Reminders.CutoffHour > 24 {
		return fmt.Errorf("config: reminders.cutoff_hour %d out of range", c.Reminders.CutoffHour)
	}
	if _, err := time.LoadLocation(c.Reminders.Timezone); err != nil {
		return fmt.Errorf("config: reminders.timezone: %w", err)
	}
	return nil
}

// OriginURL returns the app origin reduced to scheme and host.
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.App.Origin)
	if err != nil {
		return nil, fmt.Errorf("config: app.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("config: app.origin %q must be an absolute http(s) URL", c.App.Origin)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Location returns the reminder time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Reminders.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HebcalTZID returns the zone for candle-lighting lookups, defaulting to the
// reminder zone.
func (c *Config) HebcalTZID() string {
	if c.Hebcal.TZID != "" {
		return c.Hebcal.TZID
	}
	return c.Reminders.Timezone
}
