// Package hebcal looks up the next candle-lighting time from the Hebcal
// Shabbat API.
package hebcal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

const (
	cacheTTL       = 6 * time.Hour
	defaultBaseURL = "https://www.hebcal.com/shabbat"
	// RefreshSpec refreshes the stored candle-lighting time four times a day.
	RefreshSpec = "5 */6 * * *"
)

// Config holds the location candle-lighting is computed for.
type Config struct {
	Latitude  string
	Longitude string
	TZID      string
}

// CandleData is the next candle-lighting time.
type CandleData struct {
	At         time.Time
	Clock      string // "HH:MM" in the configured zone
	Available  bool
	Configured bool
}

// CandleStore receives the refreshed "HH:MM" value.
type CandleStore interface {
	SetCandleTime(hhmm string) error
}

// Service manages candle-lighting lookups and caching.
type Service struct {
	config    Config
	loc       *time.Location
	client    *http.Client
	baseURL   string
	now       func() time.Time
	logger    *slog.Logger
	mu        sync.RWMutex
	cached    CandleData
	lastFetch time.Time
}

// NewService creates a new candle-lighting service. An unknown TZID falls
// back to UTC.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.TZID == "" {
		cfg.TZID = "Europe/Paris"
	}
	loc, err := time.LoadLocation(cfg.TZID)
	if err != nil {
		logger.Warn("unknown time zone, using UTC", "tzid", cfg.TZID, "error", err)
		loc = time.UTC
	}
	return &Service{
		config:  cfg,
		loc:     loc,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: defaultBaseURL,
		now:     time.Now,
		logger:  logger,
		cached: CandleData{
			Configured: cfg.Latitude != "" && cfg.Longitude != "",
		},
	}
}

// GetCandles returns the next candle-lighting time, fetching from the API if
// the cache is stale.
func (s *Service) GetCandles(ctx context.Context) CandleData {
	if !s.cached.Configured {
		return s.cached
	}

	s.mu.RLock()
	if s.fresh() {
		data := s.cached
		s.mu.RUnlock()
		return data
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if s.fresh() {
		return s.cached
	}

	data, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("candle-lighting lookup failed, keeping last value", "error", err)
		return s.cached
	}

	s.cached = data
	s.lastFetch = s.now()
	return s.cached
}

// fresh must be called with s.mu held. A cached time already in the past is
// never fresh.
func (s *Service) fresh() bool {
	return s.cached.Available &&
		s.now().Sub(s.lastFetch) < cacheTTL &&
		s.cached.At.After(s.now())
}

// Refresh stores the next candle-lighting time in store.
func (s *Service) Refresh(ctx context.Context, store CandleStore) error {
	data := s.GetCandles(ctx)
	if !data.Available {
		return fmt.Errorf("candle-lighting time unavailable")
	}
	if err := store.SetCandleTime(data.Clock); err != nil {
		return fmt.Errorf("store candle-lighting time: %w", err)
	}
	s.logger.Info("candle-lighting time refreshed", "at", data.At.Format(time.RFC3339))
	return nil
}

// Register adds the periodic refresh to c.
func (s *Service) Register(ctx context.Context, c *cron.Cron, store CandleStore) error {
	_, err := c.AddFunc(RefreshSpec, func() {
		if err := s.Refresh(ctx, store); err != nil {
			s.logger.Warn("refresh candle-lighting time", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register candle refresh: %w", err)
	}
	return nil
}

type apiItem struct {
	Title    string `json:"title"`
	Date     string `json:"date"`
	Category string `json:"category"`
}

type apiResponse struct {
	Items []apiItem `json:"items"`
}

func (s *Service) fetch(ctx context.Context) (CandleData, error) {
	q := url.Values{}
	q.Set("cfg", "json")
	q.Set("latitude", s.config.Latitude)
	q.Set("longitude", s.config.Longitude)
	q.Set("tzid", s.config.TZID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return CandleData{}, fmt.Errorf("build hebcal request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return CandleData{}, fmt.Errorf("hebcal API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CandleData{}, fmt.Errorf("hebcal API returned status %d", resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return CandleData{}, fmt.Errorf("decode hebcal response: %w", err)
	}

	at, ok := nextCandles(apiResp.Items, s.now())
	if !ok {
		return CandleData{}, fmt.Errorf("no upcoming candle-lighting item")
	}
	at = at.In(s.loc)

	return CandleData{
		At:         at,
		Clock:      at.Format("15:04"),
		Available:  true,
		Configured: true,
	}, nil
}

// nextCandles returns the first candle-lighting time not before now.
func nextCandles(items []apiItem, now time.Time) (time.Time, bool) {
	for _, it := range items {
		if it.Category != "candles" {
			continue
		}
		at, err := time.Parse(time.RFC3339, it.Date)
		if err != nil {
			continue
		}
		if !at.Before(now) {
			return at, true
		}
	}
	return time.Time{}, false
}
