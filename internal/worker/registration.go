package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.uber.org/multierr"

	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/notify"
)

// ErrNoActiveWorker is returned when an event arrives before any version
// has been activated.
var ErrNoActiveWorker = errors.New("no active worker")

// Registration tracks the active and waiting worker versions.
type Registration struct {
	network http.Handler
	logger  *slog.Logger

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
}

// NewRegistration creates an empty Registration. Until a version is active,
// requests go straight to network.
func NewRegistration(network http.Handler, logger *slog.Logger) *Registration {
	return &Registration{network: network, logger: logger}
}

// Register installs w. It becomes active at once when nothing is active or
// it asked to skip waiting; otherwise it waits for SKIP_WAITING.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	w.onSkip = func(ctx context.Context) { r.SkipWaiting(ctx) }
	w.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil || w.wantsSkipWaiting() {
		return r.promote(ctx, w)
	}

	if r.waiting != nil && r.waiting != w {
		if err := r.waiting.Shutdown(ctx); err != nil {
			r.logger.Warn("retire waiting worker", "version", r.waiting.Version(), "error", err)
		}
	}
	r.waiting = w
	r.logger.Info("worker waiting", "version", w.Version())
	return nil
}

// SkipWaiting activates the waiting version, if any.
func (r *Registration) SkipWaiting(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting == nil {
		return
	}
	if err := r.promote(ctx, r.waiting); err != nil {
		r.logger.Warn("activate waiting worker", "error", err)
	}
}

// promote must be called with r.mu held.
func (r *Registration) promote(ctx context.Context, w *Worker) error {
	prev := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}

	err := w.Activate(ctx)
	if err != nil {
		r.logger.Warn("activation finished with errors", "version", w.Version(), "error", err)
	}

	if prev != nil && prev != w {
		err = multierr.Append(err, prev.Shutdown(ctx))
	}
	return err
}

// Active returns the active worker.
func (r *Registration) Active() (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveWorker
	}
	return r.active, nil
}

// Waiting returns the waiting worker, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// PostMessage delivers a page message. SKIP_WAITING is addressed to the
// waiting version; everything else goes to the active one.
func (r *Registration) PostMessage(ctx context.Context, msg model.WorkerMessage) error {
	if msg.Type == model.MessageSkipWaiting {
		if w := r.Waiting(); w != nil {
			return w.HandleMessage(ctx, msg)
		}
	}
	w, err := r.Active()
	if err != nil {
		return err
	}
	return w.HandleMessage(ctx, msg)
}

// Push delivers a push event to the active worker.
func (r *Registration) Push(ctx context.Context, data []byte) error {
	w, err := r.Active()
	if err != nil {
		return err
	}
	return w.Push(ctx, data)
}

// NotificationClick delivers a click to the active worker.
func (r *Registration) NotificationClick(ctx context.Context, click model.NotificationClick, clients notify.Clients) error {
	w, err := r.Active()
	if err != nil {
		return err
	}
	return w.NotificationClick(ctx, click, clients)
}

// ServeHTTP routes a fetch to the active worker.
func (r *Registration) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	w, err := r.Active()
	if err != nil {
		r.network.ServeHTTP(rw, req)
		return
	}
	w.ServeHTTP(rw, req)
}

// Shutdown retires every version.
func (r *Registration) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	var err error
	for _, w := range []*Worker{waiting, active} {
		if w != nil {
			err = multierr.Append(err, w.Shutdown(ctx))
		}
	}
	if err != nil {
		return fmt.Errorf("shutdown registration: %w", err)
	}
	return nil
}
