package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/chabapp/internal/model"
)

// ErrSettingNotFound is returned by Get when the key has never been set.
var ErrSettingNotFound = errors.New("setting not found")

type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %q: %w", key, ErrSettingNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

func (s *SettingsStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// NotificationSettings loads the stored settings blob. Missing or partial
// data is back-filled from model.DefaultNotificationSettings, so the result
// is always fully populated. A corrupt blob also yields the defaults.
func (s *SettingsStore) NotificationSettings() (model.NotificationSettings, error) {
	settings := model.DefaultNotificationSettings()

	raw, err := s.Get(model.SettingNotifications)
	if errors.Is(err, ErrSettingNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}

	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return model.DefaultNotificationSettings(), nil
	}
	return sanitize(settings), nil
}

// SaveNotificationSettings replaces the stored settings wholesale. Last save wins.
func (s *SettingsStore) SaveNotificationSettings(settings model.NotificationSettings) error {
	data, err := json.Marshal(sanitize(settings))
	if err != nil {
		return fmt.Errorf("marshal notification settings: %w", err)
	}
	return s.Set(model.SettingNotifications, string(data))
}

// CandleTime returns the most recent candle-lighting time ("HH:MM"), or ""
// when none has been recorded.
func (s *SettingsStore) CandleTime() (string, error) {
	v, err := s.Get(model.SettingCandleTime)
	if errors.Is(err, ErrSettingNotFound) {
		return "", nil
	}
	return v, err
}

func (s *SettingsStore) SetCandleTime(hhmm string) error {
	return s.Set(model.SettingCandleTime, hhmm)
}

// Permission returns the recorded notification permission state.
func (s *SettingsStore) Permission() (string, error) {
	v, err := s.Get(model.SettingPermission)
	if errors.Is(err, ErrSettingNotFound) {
		return model.PermissionDefault, nil
	}
	return v, err
}

func (s *SettingsStore) SetPermission(state string) error {
	switch state {
	case model.PermissionGranted, model.PermissionDenied, model.PermissionDefault:
	default:
		return fmt.Errorf("invalid permission state %q", state)
	}
	return s.Set(model.SettingPermission, state)
}

// sanitize replaces out-of-range fields with their defaults.
func sanitize(s model.NotificationSettings) model.NotificationSettings {
	def := model.DefaultNotificationSettings()
	if !validClock(s.Studies.Hour, s.Studies.Minute) {
		s.Studies.Hour, s.Studies.Minute = def.Studies.Hour, def.Studies.Minute
	}
	if !validClock(s.Goals.Hour, s.Goals.Minute) {
		s.Goals.Hour, s.Goals.Minute = def.Goals.Hour, def.Goals.Minute
	}
	if s.Shabbat.MinutesBefore <= 0 {
		s.Shabbat.MinutesBefore = def.Shabbat.MinutesBefore
	}
	return s
}

func validClock(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}
