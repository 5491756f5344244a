package notify

import (
	"bytes"
	"encoding/json"

	"github.com/dukerupert/chabapp/internal/model"
)

// Display defaults applied to anything a push or schedule request leaves out.
const (
	DefaultTitle = "ChabApp"
	DefaultBody  = "You have a new notification"
	DefaultIcon  = "/assets/apple-touch-icon.png"
	DefaultBadge = "/assets/favicon.png"
	DefaultTag   = "chabapp-notification"
)

// DefaultVibrate is the vibration pattern used when none is given.
var DefaultVibrate = []int{200, 100, 200}

// Defaults fills gaps in incoming notifications.
type Defaults struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Tag     string
	URL     string
	Vibrate []int
}

// DefaultsFor returns the stock defaults with URL set to appRoot.
func DefaultsFor(appRoot string) Defaults {
	if appRoot == "" {
		appRoot = "/"
	}
	return Defaults{
		Title:   DefaultTitle,
		Body:    DefaultBody,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Tag:     DefaultTag,
		URL:     appRoot,
		Vibrate: DefaultVibrate,
	}
}

// PushFields is the JSON shape a push provider may send. Every field is
// optional. The URL may be given at the top level or under data.
type PushFields struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Tag     string `json:"tag"`
	URL     string `json:"url"`
	Type    string `json:"type"`
	Vibrate []int  `json:"vibrate"`
	Data    struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	} `json:"data"`
}

// Decoded is a push payload after decoding. Exactly one variant is set:
// Fields for a JSON object, Text for anything else.
type Decoded struct {
	Fields *PushFields
	Text   string
}

// IsJSON reports whether the payload decoded as a JSON object.
func (d Decoded) IsJSON() bool { return d.Fields != nil }

// DecodePush decodes a push payload. It never fails: input that is not a
// JSON object is kept verbatim as text.
func DecodePush(data []byte) Decoded {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var f PushFields
		if err := json.Unmarshal(trimmed, &f); err == nil {
			return Decoded{Fields: &f}
		}
	}
	return Decoded{Text: string(data)}
}

// Notification builds the notification to display, filling gaps from def.
func (d Decoded) Notification(def Defaults) model.Notification {
	n := model.Notification{
		Title:    def.Title,
		Body:     def.Body,
		Icon:     def.Icon,
		Badge:    def.Badge,
		Vibrate:  def.Vibrate,
		Tag:      def.Tag,
		Renotify: true,
		Data:     model.NotificationData{URL: def.URL, Type: model.NotifTypePush},
		Actions: []model.NotificationAction{
			{Action: ActionOpen, Title: "Open"},
			{Action: ActionClose, Title: "Dismiss"},
		},
	}

	if d.Fields == nil {
		if d.Text != "" {
			n.Body = d.Text
		}
		return n
	}

	f := d.Fields
	n.Title = orDefault(f.Title, n.Title)
	n.Body = orDefault(f.Body, n.Body)
	n.Icon = orDefault(f.Icon, n.Icon)
	n.Badge = orDefault(f.Badge, n.Badge)
	n.Tag = orDefault(f.Tag, n.Tag)
	n.Data.URL = orDefault(f.URL, orDefault(f.Data.URL, n.Data.URL))
	n.Data.Type = orDefault(f.Type, orDefault(f.Data.Type, n.Data.Type))
	if len(f.Vibrate) > 0 {
		n.Vibrate = f.Vibrate
	}
	return n
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
