// Package notify renders notifications for the worker: pushed payloads,
// delayed SCHEDULE_NOTIFICATION requests and notification clicks.
//
// Armed timers are persisted so a restart re-arms them. There is at most one
// pending timer per tag: a newer request with the same tag replaces it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/chabapp/internal/metrics"
	"github.com/dukerupert/chabapp/internal/model"
)

// ErrNegativeDelay is returned by Schedule for a delay below zero.
var ErrNegativeDelay = errors.New("notification delay must not be negative")

// Notification action identifiers.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

const (
	defaultGrace   = 15 * time.Minute
	displayTimeout = 30 * time.Second
)

// TimerStore persists armed timers.
type TimerStore interface {
	Save(ctx context.Context, n model.ScheduledNotification) error
	Pending(ctx context.Context) ([]model.ScheduledNotification, error)
	Delete(ctx context.Context, id string) error
	DeleteTag(ctx context.Context, tag string) error
}

// Client is an open page of the app.
type Client interface {
	URL() string
	Focus(ctx context.Context) error
	Navigate(ctx context.Context, target string) error
}

// Clients gives access to open pages and can open a new one.
type Clients interface {
	Match(ctx context.Context) []Client
	OpenWindow(ctx context.Context, target string) error
}

// Config holds the Service settings.
type Config struct {
	// Origin is the app origin; clicks only reuse pages on it.
	Origin *url.URL
	// AppRoot is the default click target.
	AppRoot string
	// Grace is how late a persisted timer may be and still fire on Rearm.
	Grace time.Duration
}

// Service is the worker-side notification handler.
type Service struct {
	display  Displayer
	timers   TimerStore
	origin   *url.URL
	defaults Defaults
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	armed   map[string]*time.Timer
	byTag   map[string]string // tag -> armed timer id
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config, display Displayer, timers TimerStore, logger *slog.Logger) *Service {
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Service{
		display:  display,
		timers:   timers,
		origin:   cfg.Origin,
		defaults: DefaultsFor(cfg.AppRoot),
		grace:    grace,
		now:      time.Now,
		logger:   logger,
		armed:    make(map[string]*time.Timer),
		byTag:    make(map[string]string),
	}
}

// HandlePush displays exactly one notification for a push payload, whatever
// its shape.
func (s *Service) HandlePush(ctx context.Context, data []byte) error {
	d := DecodePush(data)
	if !d.IsJSON() {
		s.logger.Debug("push payload is not JSON, using text body", "bytes", len(data))
	}
	return s.show(ctx, d.Notification(s.defaults))
}

// Schedule arms a timer that displays req after its delay, replacing any
// pending timer with the same tag. A zero delay displays immediately. It
// returns the timer id, empty when nothing was armed.
func (s *Service) Schedule(ctx context.Context, req model.ScheduleRequest) (string, error) {
	if req.Delay < 0 {
		return "", fmt.Errorf("%w: %d", ErrNegativeDelay, req.Delay)
	}

	n := s.fromRequest(req)
	delay := req.DelayDuration()
	if delay == 0 {
		return "", s.show(ctx, n)
	}

	now := s.now()
	timer := model.ScheduledNotification{
		ID:        uuid.NewString(),
		Tag:       n.Tag,
		FireAt:    now.Add(delay),
		Request:   req,
		CreatedAt: now,
	}

	s.disarm(n.Tag)
	if err := s.timers.DeleteTag(ctx, n.Tag); err != nil {
		s.logger.Warn("delete replaced notification timer", "tag", n.Tag, "error", err)
	}
	if err := s.timers.Save(ctx, timer); err != nil {
		s.logger.Warn("persist notification timer", "tag", n.Tag, "error", err)
	}

	s.arm(timer.ID, delay, n)
	s.logger.Info("notification scheduled", "id", timer.ID, "tag", n.Tag, "fire_at", timer.FireAt.Format(time.RFC3339))
	return timer.ID, nil
}

// Rearm arms every persisted timer. Timers missed by less than the grace
// window fire at once; older ones are discarded.
func (s *Service) Rearm(ctx context.Context) (int, error) {
	pending, err := s.timers.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending timers: %w", err)
	}

	now := s.now()
	armed := 0
	for _, p := range pending {
		remaining := p.FireAt.Sub(now)
		if remaining < -s.grace {
			s.logger.Info("dropping stale notification timer", "id", p.ID, "tag", p.Tag, "fire_at", p.FireAt)
			if err := s.timers.Delete(ctx, p.ID); err != nil {
				s.logger.Warn("delete stale timer", "id", p.ID, "error", err)
			}
			continue
		}
		if remaining < 0 {
			remaining = 0
		}
		// Pending is ordered by fire time, so the latest row for a tag wins.
		n := s.fromRequest(p.Request)
		if replaced := s.disarm(n.Tag); replaced != "" {
			armed--
			if err := s.timers.Delete(ctx, replaced); err != nil {
				s.logger.Warn("delete replaced timer", "id", replaced, "error", err)
			}
		}
		s.arm(p.ID, remaining, n)
		armed++
	}
	return armed, nil
}

// Armed returns the number of timers that have not fired yet.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Stop disarms pending timers and waits for any that are firing. Persisted
// rows are kept for the next Rearm.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.armed {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.armed, id)
		metrics.ArmedTimers.Dec()
	}
	clear(s.byTag)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Service) arm(id string, delay time.Duration, n model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.wg.Add(1)
	s.armed[id] = time.AfterFunc(delay, func() { s.fire(id, n) })
	s.byTag[n.Tag] = id
	metrics.ArmedTimers.Inc()
}

// disarm stops the pending timer for tag and returns its id, or "" when
// none is armed.
func (s *Service) disarm(tag string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTag[tag]
	if !ok {
		return ""
	}
	delete(s.byTag, tag)
	if t, ok := s.armed[id]; ok {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.armed, id)
		metrics.ArmedTimers.Dec()
	}
	return id
}

func (s *Service) fire(id string, n model.Notification) {
	defer s.wg.Done()

	s.mu.Lock()
	if _, ok := s.armed[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.armed, id)
	if s.byTag[n.Tag] == id {
		delete(s.byTag, n.Tag)
	}
	s.mu.Unlock()
	metrics.ArmedTimers.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), displayTimeout)
	defer cancel()

	if err := s.show(ctx, n); err != nil {
		s.logger.Error("display scheduled notification", "id", id, "tag", n.Tag, "error", err)
	}
	if err := s.timers.Delete(ctx, id); err != nil {
		s.logger.Warn("delete fired timer", "id", id, "error", err)
	}
}

func (s *Service) show(ctx context.Context, n model.Notification) error {
	metrics.NotificationsDisplayed.WithLabelValues(n.Data.Type).Inc()
	if err := s.display.Show(ctx, n); err != nil {
		return fmt.Errorf("show notification %q: %w", n.Tag, err)
	}
	return nil
}

func (s *Service) fromRequest(req model.ScheduleRequest) model.Notification {
	def := s.defaults
	typ := req.Type
	if typ == "" {
		typ = model.NotifTypeScheduled
	}
	return model.Notification{
		Title:    orDefault(req.Title, def.Title),
		Body:     req.Body,
		Icon:     def.Icon,
		Badge:    def.Badge,
		Vibrate:  def.Vibrate,
		Tag:      orDefault(req.Tag, def.Tag),
		Renotify: true,
		Data:     model.NotificationData{URL: orDefault(req.URL, def.URL), Type: typ},
	}
}

// HandleClick closes the clicked notification and brings the app forward:
// the first open page on the app origin is focused and navigated to the
// notification URL, otherwise exactly one new window is opened.
func (s *Service) HandleClick(ctx context.Context, click model.NotificationClick, clients Clients) error {
	n := click.Notification
	if n.Tag != "" {
		if err := s.display.Close(ctx, n.Tag); err != nil {
			s.logger.Warn("close notification", "tag", n.Tag, "error", err)
		}
	}
	if click.Action == ActionClose {
		return nil
	}

	target := s.resolve(n.Data.URL)
	for _, c := range clients.Match(ctx) {
		if !s.sameOrigin(c.URL()) {
			continue
		}
		if err := c.Focus(ctx); err != nil {
			return fmt.Errorf("focus client: %w", err)
		}
		if err := c.Navigate(ctx, target); err != nil {
			return fmt.Errorf("navigate client: %w", err)
		}
		return nil
	}

	if err := clients.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	return nil
}

// resolve turns a notification URL into an absolute URL on the app origin.
// Empty, unparsable and off-origin URLs resolve to the app root.
func (s *Service) resolve(raw string) string {
	raw = orDefault(strings.TrimSpace(raw), s.defaults.URL)
	if s.origin == nil {
		return raw
	}
	root, _ := url.Parse(s.defaults.URL)
	ref, err := url.Parse(raw)
	if err != nil {
		ref = root
	}
	target := s.origin.ResolveReference(ref).String()
	if !s.sameOrigin(target) {
		return s.origin.ResolveReference(root).String()
	}
	return target
}

func (s *Service) sameOrigin(raw string) bool {
	if s.origin == nil {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, s.origin.Scheme) && strings.EqualFold(u.Host, s.origin.Host)
}
