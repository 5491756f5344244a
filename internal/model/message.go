package model

import "encoding/json"

// Page → worker message types.
const (
	MessageScheduleNotification = "SCHEDULE_NOTIFICATION"
	MessageSkipWaiting          = "SKIP_WAITING"
)

// WorkerMessage is the envelope for page → worker messages.
type WorkerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
