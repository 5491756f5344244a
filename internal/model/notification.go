package model

import "time"

// Notification types carried in NotificationData.Type.
const (
	NotifTypeStudies   = "studies"
	NotifTypeShabbat   = "shabbat"
	NotifTypeGoals     = "goals"
	NotifTypeCustom    = "custom"
	NotifTypePush      = "push"
	NotifTypeScheduled = "scheduled"
)

// Notification is what the display primitive renders: a title plus options.
type Notification struct {
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Icon     string               `json:"icon,omitempty"`
	Badge    string               `json:"badge,omitempty"`
	Vibrate  []int                `json:"vibrate,omitempty"`
	Tag      string               `json:"tag,omitempty"`
	Renotify bool                 `json:"renotify"`
	Data     NotificationData     `json:"data"`
	Actions  []NotificationAction `json:"actions,omitempty"`
}

type NotificationData struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// ScheduleRequest is the SCHEDULE_NOTIFICATION payload sent from a page to
// the worker. Delay is in milliseconds.
type ScheduleRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Delay int64  `json:"delay"`
	Tag   string `json:"tag"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// DelayDuration returns Delay as a time.Duration.
func (r ScheduleRequest) DelayDuration() time.Duration {
	return time.Duration(r.Delay) * time.Millisecond
}

// ScheduledNotification is an armed timer persisted so it can be re-armed
// after a restart.
type ScheduledNotification struct {
	ID        string          `json:"id"`
	Tag       string          `json:"tag"`
	FireAt    time.Time       `json:"fire_at"`
	Request   ScheduleRequest `json:"request"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotificationClick is a notificationclick event: the clicked notification
// and the action button, if any.
type NotificationClick struct {
	Notification Notification `json:"notification"`
	Action       string       `json:"action,omitempty"`
}
