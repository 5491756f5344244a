package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/reminder"
	"github.com/dukerupert/chabapp/internal/store"
)

// Planner runs reminder scheduling passes.
type Planner interface {
	Run(ctx context.Context) int
	ResetPermission()
	ScheduleReminder(ctx context.Context, req model.ScheduleRequest) error
}

type NotificationHandler struct {
	settings *store.SettingsStore
	planner  Planner
	now      func() time.Time
	logger   *slog.Logger
}

func NewNotificationHandler(ss *store.SettingsStore, planner Planner, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{settings: ss, planner: planner, now: time.Now, logger: logger}
}

// GetSettings handles GET /api/notifications/settings
func (h *NotificationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.NotificationSettings()
	if err != nil {
		h.logger.Warn("load notification settings, using defaults", "error", err)
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings handles PUT /api/notifications/settings. The body replaces
// the stored settings; omitted fields take their defaults. Saving clears a
// remembered permission denial and runs a scheduling pass.
func (h *NotificationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings := model.DefaultNotificationSettings()
	if err := decodeJSON(w, r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.settings.SaveNotificationSettings(settings); err != nil {
		h.logger.Warn("save notification settings dropped", "error", err)
	}

	h.planner.ResetPermission()
	scheduled := h.planner.Run(r.Context())

	saved, err := h.settings.NotificationSettings()
	if err != nil {
		saved = settings
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings":  saved,
		"scheduled": scheduled,
	})
}

type permissionRequest struct {
	State string `json:"state"`
}

// UpdatePermission handles PUT /api/notifications/permission
func (h *NotificationHandler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch req.State {
	case model.PermissionGranted, model.PermissionDenied, model.PermissionDefault:
	default:
		writeError(w, http.StatusBadRequest, "state must be granted, denied or default")
		return
	}

	if err := h.settings.SetPermission(req.State); err != nil {
		h.logger.Error("save notification permission", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save permission")
		return
	}

	scheduled := 0
	if req.State == model.PermissionGranted {
		h.planner.ResetPermission()
		scheduled = h.planner.Run(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": req.State, "scheduled": scheduled})
}

// GetCandleTime handles GET /api/notifications/candle-time
func (h *NotificationHandler) GetCandleTime(w http.ResponseWriter, r *http.Request) {
	v, err := h.settings.CandleTime()
	if err != nil {
		h.logger.Warn("load candle-lighting time", "error", err)
		v = ""
	}
	writeJSON(w, http.StatusOK, map[string]string{"time": v})
}

type candleTimeRequest struct {
	Time string `json:"time"`
}

// UpdateCandleTime handles PUT /api/notifications/candle-time
func (h *NotificationHandler) UpdateCandleTime(w http.ResponseWriter, r *http.Request) {
	var req candleTimeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	clock, err := reminder.ParseClock(req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "time must be HH:MM")
		return
	}

	if err := h.settings.SetCandleTime(clock.String()); err != nil {
		h.logger.Error("save candle-lighting time", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save candle-lighting time")
		return
	}

	scheduled := h.planner.Run(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"time": clock.String(), "scheduled": scheduled})
}

type testNotificationRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Test handles POST /api/notifications/test: an immediate custom notification.
func (h *NotificationHandler) Test(w http.ResponseWriter, r *http.Request) {
	req := testNotificationRequest{Title: "ChabApp", Body: "Notifications are working!"}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := h.planner.ScheduleReminder(r.Context(), model.ScheduleRequest{
		Title: req.Title,
		Body:  req.Body,
		Tag:   fmt.Sprintf("custom-%d", h.now().UnixMilli()),
		Type:  model.NotifTypeCustom,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
