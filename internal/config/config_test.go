package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "chabapp.db", cfg.Database.Path)
	require.Equal(t, "chabapp", cfg.Cache.Prefix)
	require.Equal(t, "v1", cfg.Cache.Version)
	require.Equal(t, BackendSQLite, cfg.Cache.Backend)
	require.Equal(t, []string{"/chabapp/", "/chabapp/index.html", "/chabapp/manifest.json"}, cfg.App.Shell)
	require.Equal(t, 20, cfg.Reminders.CutoffHour)
	require.Equal(t, 15*time.Minute, cfg.Reminders.Grace)
	require.Equal(t, "Europe/Paris", cfg.HebcalTZID())
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "json", cfg.Server.LogFormat)
	require.Equal(t, "v7", cfg.Cache.Version)
	require.Equal(t, BackendS3, cfg.Cache.Backend)
	require.Equal(t, "chabapp-cache", cfg.Cache.S3.Bucket)
	require.Equal(t, 19, cfg.Reminders.CutoffHour)
	require.Equal(t, 5*time.Minute, cfg.Reminders.Grace)
	require.Equal(t, "40.71", cfg.Hebcal.Latitude)
	require.Equal(t, "America/New_York", cfg.Location().String())

	origin, err := cfg.OriginURL()
	require.NoError(t, err)
	require.Equal(t, "https://chabapp.example", origin.String())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHABAPP_PORT", "7000")
	t.Setenv("CHABAPP_DB_PATH", "/data/chabapp.db")
	t.Setenv("CHABAPP_ORIGIN", "http://app.internal:3000")
	t.Setenv("CHABAPP_CACHE_VERSION", "v2")
	t.Setenv("CHABAPP_REMINDERS_CUTOFF_HOUR", "18")
	t.Setenv("CHABAPP_PUSH_VAPID_PUBLIC_KEY", "pub")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, "/data/chabapp.db", cfg.Database.Path)
	require.Equal(t, "http://app.internal:3000", cfg.App.Origin)
	require.Equal(t, "v2", cfg.Cache.Version)
	require.Equal(t, 18, cfg.Reminders.CutoffHour)
	require.Equal(t, "pub", cfg.Push.VAPIDPublicKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:    ServerConfig{Port: 8080},
			App:       AppConfig{Origin: "https://chabapp.example"},
			Cache:     CacheConfig{Version: "v1", Backend: BackendSQLite},
			Reminders: ReminderConfig{Timezone: "UTC", CutoffHour: 20},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"relative origin", func(c *Config) { c.App.Origin = "/chabapp" }},
		{"ftp origin", func(c *Config) { c.App.Origin = "ftp://chabapp.example" }},
		{"empty version", func(c *Config) { c.Cache.Version = "" }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"s3 without bucket", func(c *Config) { c.Cache.Backend = BackendS3 }},
		{"cutoff too large", func(c *Config) { c.Reminders.CutoffHour = 25 }},
		{"unknown zone", func(c *Config) { c.Reminders.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
