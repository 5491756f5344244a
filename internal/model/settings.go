package model

import "time"

// Setting keys in the key-value store.
const (
	SettingNotifications = "notification_settings"
	SettingCandleTime    = "candle_time"
	SettingPermission    = "notification_permission"
)

// Permission states mirror the browser's Notification.permission values.
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
	PermissionDefault = "default"
)

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyReminder fires every day at Hour:Minute.
type DailyReminder struct {
	Enabled bool `json:"enabled"`
	Hour    int  `json:"hour"`
	Minute  int  `json:"minute"`
}

// WeeklyReminder fires MinutesBefore the weekly candle-lighting time.
type WeeklyReminder struct {
	Enabled       bool `json:"enabled"`
	MinutesBefore int  `json:"minutes_before"`
}

// NotificationSettings is stored wholesale as one JSON blob.
type NotificationSettings struct {
	Enabled bool           `json:"enabled"`
	Studies DailyReminder  `json:"studies"`
	Shabbat WeeklyReminder `json:"shabbat"`
	Goals   DailyReminder  `json:"goals"`
}

// DefaultNotificationSettings returns the settings used on first run and to
// back-fill partially stored data.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Enabled: false,
		Studies: DailyReminder{Enabled: true, Hour: 8, Minute: 0},
		Shabbat: WeeklyReminder{Enabled: true, MinutesBefore: 30},
		Goals:   DailyReminder{Enabled: true, Hour: 9, Minute: 0},
	}
}
