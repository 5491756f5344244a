// Package worker hosts the offline cache and the notification handler
// behind one versioned lifecycle: install, activate, then fetch, push,
// notificationclick and message events until the version is retired.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dukerupert/chabapp/internal/cache"
	"github.com/dukerupert/chabapp/internal/metrics"
	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/notify"
)

// ErrRedundant is returned for events sent to a retired worker.
var ErrRedundant = errors.New("worker is redundant")

// State is a worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cache is the offline cache the worker drives.
type Cache interface {
	Partition() string
	Install(ctx context.Context) (int, error)
	Activate(ctx context.Context) error
	Intercepts(r *http.Request) bool
	Fetch(ctx context.Context, r *http.Request) *cache.Response
}

// Notifier handles notification events.
type Notifier interface {
	HandlePush(ctx context.Context, data []byte) error
	Schedule(ctx context.Context, req model.ScheduleRequest) (string, error)
	HandleClick(ctx context.Context, click model.NotificationClick, clients notify.Clients) error
}

// Claimer takes control of open pages once a version is active.
type Claimer interface {
	Claim(version string)
}

// Options configures a Worker.
type Options struct {
	Version  string
	Cache    Cache
	Notifier Notifier
	// Network serves requests the cache does not intercept.
	Network http.Handler
	Clients Claimer
	// SkipWaiting activates the version as soon as it is installed.
	SkipWaiting bool
	Logger      *slog.Logger
}

// Worker is one version of the worker.
type Worker struct {
	version  string
	cache    Cache
	notifier Notifier
	network  http.Handler
	clients  Claimer
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool
	onSkip      func(ctx context.Context)
	inflight    sync.WaitGroup
}

// New creates a Worker in the parsed state.
func New(opts Options) *Worker {
	return &Worker{
		version:     opts.Version,
		cache:       opts.Cache,
		notifier:    opts.Notifier,
		network:     opts.Network,
		clients:     opts.Clients,
		logger:      opts.Logger.With("version", opts.Version),
		skipWaiting: opts.SkipWaiting,
	}
}

// Version returns the worker version.
func (w *Worker) Version() string { return w.version }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Info("worker state changed", "state", s.String())
}

func (w *Worker) wantsSkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// waitUntil runs fn as part of an event. Shutdown waits for every running
// fn before the worker is retired.
func (w *Worker) waitUntil(fn func() error) error {
	w.mu.Lock()
	if w.state == StateRedundant {
		w.mu.Unlock()
		return ErrRedundant
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	return fn()
}

// Install populates the cache partition. A failure leaves the worker
// redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	err := w.waitUntil(func() error {
		n, err := w.cache.Install(ctx)
		if err != nil {
			return err
		}
		w.logger.Info("app shell cached", "partition", w.cache.Partition(), "assets", n)
		return nil
	})
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", w.version, err)
	}
	w.setState(StateInstalled)
	return nil
}

// Activate purges old partitions and claims open pages. A purge failure is
// returned but does not stop activation.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	err := w.waitUntil(func() error { return w.cache.Activate(ctx) })
	w.setState(StateActivated)
	if w.clients != nil {
		w.clients.Claim(w.version)
	}
	if err != nil {
		return fmt.Errorf("activate %s: %w", w.version, err)
	}
	return nil
}

// ServeHTTP is the fetch event.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	err := w.waitUntil(func() error {
		if !w.cache.Intercepts(r) {
			metrics.CacheResults.WithLabelValues("bypass").Inc()
			w.network.ServeHTTP(rw, r)
			return nil
		}
		w.cache.Fetch(r.Context(), r).Write(rw)
		return nil
	})
	if err != nil {
		http.Error(rw, "Service unavailable", http.StatusServiceUnavailable)
	}
}

// HandleMessage is the message event. Unknown types are logged and ignored.
func (w *Worker) HandleMessage(ctx context.Context, msg model.WorkerMessage) error {
	return w.waitUntil(func() error {
		switch msg.Type {
		case model.MessageScheduleNotification:
			var req model.ScheduleRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return fmt.Errorf("decode schedule payload: %w", err)
			}
			_, err := w.notifier.Schedule(ctx, req)
			return err
		case model.MessageSkipWaiting:
			w.mu.Lock()
			w.skipWaiting = true
			onSkip := w.onSkip
			w.mu.Unlock()
			if onSkip != nil {
				onSkip(ctx)
			}
			return nil
		default:
			w.logger.Warn("ignoring unknown message", "type", msg.Type)
			return nil
		}
	})
}

// Push is the push event.
func (w *Worker) Push(ctx context.Context, data []byte) error {
	return w.waitUntil(func() error { return w.notifier.HandlePush(ctx, data) })
}

// NotificationClick is the notificationclick event.
func (w *Worker) NotificationClick(ctx context.Context, click model.NotificationClick, clients notify.Clients) error {
	return w.waitUntil(func() error { return w.notifier.HandleClick(ctx, click, clients) })
}

// Shutdown retires the worker and waits for running events, or for ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateRedundant {
		w.mu.Unlock()
		return nil
	}
	w.state = StateRedundant
	w.mu.Unlock()
	w.logger.Info("worker state changed", "state", StateRedundant.String())

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown %s: %w", w.version, ctx.Err())
	}
}
