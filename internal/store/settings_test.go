package store

import (
	"errors"
	"testing"

	"github.com/dukerupert/chabapp/internal/database"
	"github.com/dukerupert/chabapp/internal/model"
)

func setupSettingsTestDB(t *testing.T) *SettingsStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSettingsStore(db)
}

func TestSettingsSeedPermission(t *testing.T) {
	ss := setupSettingsTestDB(t)

	perm, err := ss.Permission()
	if err != nil {
		t.Fatalf("permission: %v", err)
	}
	if perm != model.PermissionDefault {
		t.Errorf("permission = %q, want %q", perm, model.PermissionDefault)
	}
}

func TestSettingsGetNotFound(t *testing.T) {
	ss := setupSettingsTestDB(t)

	_, err := ss.Get("nonexistent_key")
	if !errors.Is(err, ErrSettingNotFound) {
		t.Fatalf("err = %v, want ErrSettingNotFound", err)
	}
}

func TestSettingsSetOverwrites(t *testing.T) {
	ss := setupSettingsTestDB(t)

	if err := ss.Set("custom_key", "one"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ss.Set("custom_key", "two"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := ss.Get("custom_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "two" {
		t.Errorf("custom_key = %q, want %q", got, "two")
	}
}

func TestNotificationSettingsDefaults(t *testing.T) {
	ss := setupSettingsTestDB(t)

	got, err := ss.NotificationSettings()
	if err != nil {
		t.Fatalf("notification settings: %v", err)
	}
	if got != model.DefaultNotificationSettings() {
		t.Errorf("settings = %+v, want defaults", got)
	}
}

func TestNotificationSettingsBackfill(t *testing.T) {
	ss := setupSettingsTestDB(t)

	// Only the global flag and one hour are present.
	if err := ss.Set(model.SettingNotifications, `{"enabled":true,"studies":{"hour":7}}`); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := ss.NotificationSettings()
	if err != nil {
		t.Fatalf("notification settings: %v", err)
	}
	if !got.Enabled {
		t.Error("expected enabled=true")
	}
	if got.Studies.Hour != 7 || !got.Studies.Enabled {
		t.Errorf("studies = %+v, want hour 7 and enabled default", got.Studies)
	}
	if got.Shabbat.MinutesBefore != 30 {
		t.Errorf("shabbat minutes = %d, want 30", got.Shabbat.MinutesBefore)
	}
	if got.Goals.Hour != 9 {
		t.Errorf("goals hour = %d, want 9", got.Goals.Hour)
	}
}

func TestNotificationSettingsCorruptBlob(t *testing.T) {
	ss := setupSettingsTestDB(t)

	if err := ss.Set(model.SettingNotifications, `{not json`); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := ss.NotificationSettings()
	if err != nil {
		t.Fatalf("notification settings: %v", err)
	}
	if got != model.DefaultNotificationSettings() {
		t.Errorf("settings = %+v, want defaults", got)
	}
}

func TestSaveNotificationSettingsSanitizes(t *testing.T) {
	ss := setupSettingsTestDB(t)

	in := model.DefaultNotificationSettings()
	in.Enabled = true
	in.Goals.Hour = 42
	in.Shabbat.MinutesBefore = 0
	if err := ss.SaveNotificationSettings(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := ss.NotificationSettings()
	if got.Goals.Hour != 9 {
		t.Errorf("goals hour = %d, want 9", got.Goals.Hour)
	}
	if got.Shabbat.MinutesBefore != 30 {
		t.Errorf("minutes before = %d, want 30", got.Shabbat.MinutesBefore)
	}
}

func TestCandleTime(t *testing.T) {
	ss := setupSettingsTestDB(t)

	v, err := ss.CandleTime()
	if err != nil || v != "" {
		t.Fatalf("candle time = %q, %v; want empty", v, err)
	}
	if err := ss.SetCandleTime("19:45"); err != nil {
		t.Fatalf("set candle time: %v", err)
	}
	v, _ = ss.CandleTime()
	if v != "19:45" {
		t.Errorf("candle time = %q, want 19:45", v)
	}
}

func TestSetPermissionRejectsUnknown(t *testing.T) {
	ss := setupSettingsTestDB(t)

	if err := ss.SetPermission("maybe"); err == nil {
		t.Fatal("expected error for unknown permission state")
	}
	if err := ss.SetPermission(model.PermissionDenied); err != nil {
		t.Fatalf("set permission: %v", err)
	}
	perm, _ := ss.Permission()
	if perm != model.PermissionDenied {
		t.Errorf("permission = %q, want denied", perm)
	}
}
