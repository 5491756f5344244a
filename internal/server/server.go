package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/dukerupert/chabapp/internal/cache"
	"github.com/dukerupert/chabapp/internal/config"
	"github.com/dukerupert/chabapp/internal/handler"
	"github.com/dukerupert/chabapp/internal/hebcal"
	"github.com/dukerupert/chabapp/internal/middleware"
	"github.com/dukerupert/chabapp/internal/notify"
	"github.com/dukerupert/chabapp/internal/push"
	"github.com/dukerupert/chabapp/internal/reminder"
	"github.com/dukerupert/chabapp/internal/store"
	ws "github.com/dukerupert/chabapp/internal/websocket"
	"github.com/dukerupert/chabapp/internal/worker"
)

const (
	networkTimeout     = 30 * time.Second
	rateLimiterCleanup = "@every 5m"
	timerPrune         = "@every 1h"
)

type Server struct {
	cfg           *config.Config
	hub           *ws.Hub
	settingsStore *store.SettingsStore
	timerStore    *store.TimerStore
	cacheManager  *cache.Manager
	network       http.Handler
	notifier      *notify.Service
	registration  *worker.Registration
	planner       *reminder.Planner
	candles       *hebcal.Service
	cron          *cron.Cron
	notificationH *handler.NotificationHandler
	workerH       *handler.WorkerHandler
	pushH         *handler.PushHandler
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*Server, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(logger.With("component", "websocket"))

	settingsStore := store.NewSettingsStore(db)
	pushStore := store.NewPushStore(db)
	timerStore := store.NewTimerStore(db)

	// Web push is optional; pages connected over the websocket always get
	// notifications.
	var display notify.Displayer = hub
	var pushH *handler.PushHandler
	pushSvc := push.NewService(push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
	}, nil)
	if pushSvc.Enabled() {
		display = notify.Multi{hub, notify.NewPushDisplay(pushSvc, pushStore, logger.With("component", "push"))}
		pushH = handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push_handler"))
	}

	notifier := notify.NewService(notify.Config{
		Origin:  origin,
		AppRoot: cfg.App.Root,
		Grace:   cfg.Reminders.Grace,
	}, display, timerStore, logger.With("component", "notify"))

	var storage cache.Storage
	switch cfg.Cache.Backend {
	case config.BackendS3:
		storage = cache.NewS3Storage(cache.S3Config{
			Endpoint:  cfg.Cache.S3.Endpoint,
			Bucket:    cfg.Cache.S3.Bucket,
			Region:    cfg.Cache.S3.Region,
			AccessKey: cfg.Cache.S3.AccessKey,
			SecretKey: cfg.Cache.S3.SecretKey,
			Root:      cfg.Cache.S3.Root,
		})
	default:
		storage = store.NewCacheStore(db)
	}

	excluded := cfg.Cache.ExcludedHosts
	if len(excluded) == 0 {
		excluded = cache.DefaultExcludedHosts
	}
	cacheManager := cache.NewManager(cache.Config{
		Prefix:             cfg.Cache.Prefix,
		Version:            cfg.Cache.Version,
		Origin:             origin,
		AppShell:           cfg.App.Shell,
		OfflinePage:        cfg.App.OfflinePage,
		ExcludedHosts:      excluded,
		InstallConcurrency: cfg.Cache.InstallConcurrency,
	}, storage, &http.Client{Timeout: networkTimeout}, logger.With("component", "cache"))

	network := cache.NewPassthrough(origin, http.DefaultTransport)
	registration := worker.NewRegistration(network, logger.With("component", "registration"))
	hub.SetMessageHandler(registration.PostMessage)

	loc := cfg.Location()
	planner := reminder.NewPlanner(settingsStore, registration, hub, logger.With("component", "reminder"),
		reminder.WithLocation(loc),
		reminder.WithCutoffHour(cfg.Reminders.CutoffHour),
		reminder.WithAppRoot(cfg.App.Root),
	)

	candles := hebcal.NewService(hebcal.Config{
		Latitude:  cfg.Hebcal.Latitude,
		Longitude: cfg.Hebcal.Longitude,
		TZID:      cfg.HebcalTZID(),
	}, logger.With("component", "hebcal"))

	return &Server{
		cfg:           cfg,
		hub:           hub,
		settingsStore: settingsStore,
		timerStore:    timerStore,
		cacheManager:  cacheManager,
		network:       network,
		notifier:      notifier,
		registration:  registration,
		planner:       planner,
		candles:       candles,
		cron:          cron.New(cron.WithLocation(loc)),
		notificationH: handler.NewNotificationHandler(settingsStore, planner, logger.With("component", "notification")),
		workerH:       handler.NewWorkerHandler(registration, hub, logger.With("component", "worker_handler")),
		pushH:         pushH,
		rateLimiter:   middleware.NewRateLimiter(),
		logger:        logger,
	}, nil
}

// Registration returns the worker registration.
func (s *Server) Registration() *worker.Registration {
	return s.registration
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// newWorker builds the worker for the configured cache version.
func (s *Server) newWorker() *worker.Worker {
	return worker.New(worker.Options{
		Version:     s.cfg.Cache.Version,
		Cache:       s.cacheManager,
		Notifier:    s.notifier,
		Network:     s.network,
		Clients:     s.hub,
		SkipWaiting: true,
		Logger:      s.logger.With("component", "worker"),
	})
}

// Start installs and activates the worker, re-arms persisted reminders, runs
// a first scheduling pass and starts the periodic jobs. Jobs run with ctx.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registration.Register(ctx, s.newWorker()); err != nil {
		// Requests keep going to the network until a later version installs.
		s.logger.Error("worker install failed", "version", s.cfg.Cache.Version, "error", err)
	}

	n, err := s.notifier.Rearm(ctx)
	if err != nil {
		s.logger.Warn("re-arm scheduled notifications", "error", err)
	} else if n > 0 {
		s.logger.Info("scheduled notifications re-armed", "count", n)
	}

	if s.candlesConfigured() {
		if err := s.candles.Refresh(ctx, s.settingsStore); err != nil {
			s.logger.Warn("initial candle-lighting refresh", "error", err)
		}
		if err := s.candles.Register(ctx, s.cron, s.settingsStore); err != nil {
			return err
		}
	}

	s.planner.Run(ctx)
	if err := s.planner.Register(ctx, s.cron); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(rateLimiterCleanup, s.rateLimiter.Cleanup); err != nil {
		return fmt.Errorf("register rate limiter cleanup: %w", err)
	}
	if _, err := s.cron.AddFunc(timerPrune, func() { s.pruneTimers(ctx) }); err != nil {
		return fmt.Errorf("register timer prune: %w", err)
	}

	s.cron.Start()
	return nil
}

// pruneTimers drops persisted timers too late to fire on a restart.
func (s *Server) pruneTimers(ctx context.Context) {
	n, err := s.timerStore.DeleteBefore(ctx, time.Now().Add(-s.cfg.Reminders.Grace))
	if err != nil {
		s.logger.Warn("prune scheduled notifications", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned scheduled notifications", "count", n)
	}
}

func (s *Server) candlesConfigured() bool {
	return s.cfg.Hebcal.Latitude != "" && s.cfg.Hebcal.Longitude != ""
}

// Shutdown stops periodic jobs and timers and waits for in-flight worker
// events. Persisted reminders survive for the next Start.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.notifier.Stop()
	return s.registration.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub))

	// Worker events
	mux.HandleFunc("POST /api/worker/messages", s.workerH.PostMessage)
	mux.HandleFunc("POST /api/push/inbound", s.rateLimitedHandler(s.workerH.InboundPush, 30))
	mux.HandleFunc("GET /notifications/click", s.workerH.Click)

	// Notification settings
	mux.HandleFunc("GET /api/notifications/settings", s.notificationH.GetSettings)
	mux.HandleFunc("PUT /api/notifications/settings", s.notificationH.UpdateSettings)
	mux.HandleFunc("PUT /api/notifications/permission", s.notificationH.UpdatePermission)
	mux.HandleFunc("GET /api/notifications/candle-time", s.notificationH.GetCandleTime)
	mux.HandleFunc("PUT /api/notifications/candle-time", s.notificationH.UpdateCandleTime)
	mux.HandleFunc("POST /api/notifications/test", s.rateLimitedHandler(s.notificationH.Test, 10))

	// Push subscription API routes
	if s.pushH != nil {
		mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
		mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
		mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	}

	// Everything else is a fetch event.
	mux.Handle("/", s.registration)

	// Apply request logging middleware
	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "clients": s.hub.ClientCount()}
	if active, err := s.registration.Active(); err == nil {
		status["worker"] = active.Version()
		status["state"] = active.State().String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc, perMinute int) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.PathAndIP, perMinute, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
