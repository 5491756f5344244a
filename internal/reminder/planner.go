package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/chabapp/internal/model"
)

// DailySpec re-runs the scheduling pass just after midnight.
const DailySpec = "1 0 * * *"

// SettingsSource provides the inputs of a scheduling pass.
type SettingsSource interface {
	NotificationSettings() (model.NotificationSettings, error)
	CandleTime() (string, error)
	Permission() (string, error)
}

// Poster delivers a message to the active worker.
type Poster interface {
	PostMessage(ctx context.Context, msg model.WorkerMessage) error
}

// Toaster shows a short non-blocking message to open pages.
type Toaster interface {
	Toast(msg string)
}

// Planner runs scheduling passes. It holds everything a pass needs, so tests
// construct a fresh one instead of sharing package state.
type Planner struct {
	settings SettingsSource
	poster   Poster
	toaster  Toaster
	logger   *slog.Logger

	now     func() time.Time
	loc     *time.Location
	cutoff  int
	appRoot string

	mu     sync.Mutex
	denied bool
}

// Option customises a Planner.
type Option func(*Planner)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLocation sets the zone reminders are computed in.
func WithLocation(loc *time.Location) Option {
	return func(p *Planner) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithCutoffHour sets the hour after which Friday itself counts as past.
func WithCutoffHour(hour int) Option {
	return func(p *Planner) {
		if hour >= 0 && hour <= 24 {
			p.cutoff = hour
		}
	}
}

// WithAppRoot sets the path prefix used for notification URLs.
func WithAppRoot(root string) Option {
	return func(p *Planner) {
		if root != "" {
			p.appRoot = root
		}
	}
}

// NewPlanner creates a Planner.
func NewPlanner(settings SettingsSource, poster Poster, toaster Toaster, logger *slog.Logger, opts ...Option) *Planner {
	p := &Planner{
		settings: settings,
		poster:   poster,
		toaster:  toaster,
		logger:   logger,
		now:      time.Now,
		loc:      time.Local,
		cutoff:   DefaultCutoffHour,
		appRoot:  "/",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs one scheduling pass and returns how many reminders were
// posted. A denied permission is toasted once and then skips every pass
// until ResetPermission is called.
func (p *Planner) Run(ctx context.Context) int {
	settings, err := p.settings.NotificationSettings()
	if err != nil {
		p.logger.Warn("load notification settings, using defaults", "error", err)
		settings = model.DefaultNotificationSettings()
	}
	if !settings.Enabled {
		return 0
	}
	if !p.permitted() {
		return 0
	}

	requests := p.Plan(settings)
	posted := 0
	for _, req := range requests {
		if err := p.ScheduleReminder(ctx, req); err == nil {
			posted++
		}
	}
	p.logger.Info("reminders scheduled", "posted", posted, "planned", len(requests))
	return posted
}

func (p *Planner) permitted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.denied {
		return false
	}

	perm, err := p.settings.Permission()
	if err != nil {
		p.logger.Warn("read notification permission", "error", err)
		return false
	}
	switch perm {
	case model.PermissionGranted:
		return true
	case model.PermissionDenied:
		p.denied = true
		if p.toaster != nil {
			p.toaster.Toast("Notifications are blocked. Enable them in your browser settings.")
		}
		p.logger.Info("notification permission denied, reminders disabled for this session")
		return false
	default:
		p.logger.Debug("notification permission not granted yet")
		return false
	}
}

// ResetPermission clears a remembered denial, e.g. after the settings panel
// is saved again.
func (p *Planner) ResetPermission() {
	p.mu.Lock()
	p.denied = false
	p.mu.Unlock()
}

// Plan computes the requests for one pass without posting them.
func (p *Planner) Plan(settings model.NotificationSettings) []model.ScheduleRequest {
	now := p.now().In(p.loc)
	var out []model.ScheduleRequest

	if settings.Studies.Enabled {
		d := UntilDaily(now, settings.Studies.Hour, settings.Studies.Minute)
		out = append(out, model.ScheduleRequest{
			Title: "📖 Daily studies",
			Body:  "Time to study the Hayom Yom, the Tanya and the Rambam!",
			Delay: d.Milliseconds(),
			Tag:   "daily-studies",
			URL:   p.url("#hayom-yom"),
			Type:  model.NotifTypeStudies,
		})
	}

	if settings.Goals.Enabled {
		d := UntilDaily(now, settings.Goals.Hour, settings.Goals.Minute)
		out = append(out, model.ScheduleRequest{
			Title: "🎯 Today's goals",
			Body:  "Don't forget to review and check off your daily goals!",
			Delay: d.Milliseconds(),
			Tag:   "daily-goals",
			URL:   p.url("#goals"),
			Type:  model.NotifTypeGoals,
		})
	}

	if settings.Shabbat.Enabled {
		if req, ok := p.shabbat(now, settings.Shabbat.MinutesBefore); ok {
			out = append(out, req)
		}
	}

	return out
}

func (p *Planner) shabbat(now time.Time, minutesBefore int) (model.ScheduleRequest, bool) {
	raw, err := p.settings.CandleTime()
	if err != nil {
		p.logger.Warn("read candle-lighting time", "error", err)
		return model.ScheduleRequest{}, false
	}
	if raw == "" {
		p.logger.Info("no candle-lighting time recorded, skipping shabbat reminder")
		return model.ScheduleRequest{}, false
	}
	candles, err := ParseClock(raw)
	if err != nil {
		p.logger.Warn("bad candle-lighting time, skipping shabbat reminder", "value", raw)
		return model.ScheduleRequest{}, false
	}

	lead := time.Duration(minutesBefore) * time.Minute
	d, ok := UntilWeekly(now, time.Friday, candles, lead, p.cutoff)
	if !ok {
		return model.ScheduleRequest{}, false
	}
	p.logger.Info("shabbat reminder planned", "at", now.Add(d).Format(time.RFC3339))

	return model.ScheduleRequest{
		Title: "🕯️ Shabbat is coming!",
		Body:  fmt.Sprintf("Candle lighting in %d minutes (%s)", minutesBefore, candles),
		Delay: d.Milliseconds(),
		Tag:   "shabbat-reminder",
		URL:   p.url("#shabbat"),
		Type:  model.NotifTypeShabbat,
	}, true
}

func (p *Planner) url(fragment string) string {
	return strings.TrimSuffix(p.appRoot, "/") + "/index.html" + fragment
}

// ScheduleReminder posts one SCHEDULE_NOTIFICATION message. With no active
// worker the post fails; the reminder is dropped with a warning.
func (p *Planner) ScheduleReminder(ctx context.Context, req model.ScheduleRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal schedule request: %w", err)
	}
	err = p.poster.PostMessage(ctx, model.WorkerMessage{
		Type:    model.MessageScheduleNotification,
		Payload: payload,
	})
	if err != nil {
		p.logger.Warn("schedule reminder dropped", "tag", req.Tag, "error", err)
		return fmt.Errorf("post %s: %w", req.Tag, err)
	}
	return nil
}

// Register adds the daily pass to c. Passes started by c use ctx.
func (p *Planner) Register(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc(DailySpec, func() { p.Run(ctx) })
	if err != nil {
		return fmt.Errorf("register daily reminder pass: %w", err)
	}
	return nil
}
