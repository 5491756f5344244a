package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/notify"
	"github.com/dukerupert/chabapp/internal/worker"
)

// Push payloads are capped at 4KB by push services.
const maxPushBytes = 4 << 10

// Worker receives page messages and push/click events.
type Worker interface {
	PostMessage(ctx context.Context, msg model.WorkerMessage) error
	Push(ctx context.Context, data []byte) error
	NotificationClick(ctx context.Context, click model.NotificationClick, clients notify.Clients) error
}

// Pages lists the open pages.
type Pages interface {
	Match(ctx context.Context) []notify.Client
}

type WorkerHandler struct {
	worker Worker
	pages  Pages
	logger *slog.Logger
}

func NewWorkerHandler(w Worker, pages Pages, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{worker: w, pages: pages, logger: logger}
}

// PostMessage handles POST /api/worker/messages
func (h *WorkerHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg model.WorkerMessage
	if err := decodeJSON(w, r, &msg); err != nil || msg.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid message")
		return
	}

	if err := h.worker.PostMessage(r.Context(), msg); err != nil {
		h.writeWorkerError(w, "post message", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// InboundPush handles POST /api/push/inbound. The body is the raw push
// payload, JSON or not.
func (h *WorkerHandler) InboundPush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := h.worker.Push(r.Context(), data); err != nil {
		h.writeWorkerError(w, "push event", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Click handles GET /notifications/click?tag=&url=&type=&action=. When no
// open page can take the click the browser is redirected to the target.
func (h *WorkerHandler) Click(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	click := model.NotificationClick{
		Notification: model.Notification{
			Tag:  q.Get("tag"),
			Data: model.NotificationData{URL: q.Get("url"), Type: q.Get("type")},
		},
		Action: q.Get("action"),
	}

	clients := &clickClients{pages: h.pages}
	if err := h.worker.NotificationClick(r.Context(), click, clients); err != nil {
		h.writeWorkerError(w, "notification click", err)
		return
	}

	if clients.opened != "" {
		http.Redirect(w, r, clients.opened, http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WorkerHandler) writeWorkerError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, worker.ErrNoActiveWorker) || errors.Is(err, worker.ErrRedundant) {
		h.logger.Warn(what+" without an active worker", "error", err)
		writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return
	}
	h.logger.Error(what, "error", err)
	writeError(w, http.StatusInternalServerError, "worker error")
}

// clickClients exposes the open pages to a click and turns "open a window"
// into a redirect of the clicking browser.
type clickClients struct {
	pages  Pages
	opened string
}

func (c *clickClients) Match(ctx context.Context) []notify.Client {
	if c.pages == nil {
		return nil
	}
	return c.pages.Match(ctx)
}

func (c *clickClients) OpenWindow(_ context.Context, target string) error {
	if c.opened != "" {
		return errors.New("window already opened")
	}
	c.opened = target
	return nil
}
