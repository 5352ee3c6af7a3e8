package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/cf-reminder/internal/observe"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/reminder"
	"github.com/psantana5/cf-reminder/pkg/store"
)

// ReminderService is what the admin API needs from the reminder service
type ReminderService interface {
	Upcoming(ctx context.Context, limit int) ([]models.Contest, error)
	Reminders() []models.Reminder
	Refresh(ctx context.Context) (reminder.RefreshResult, error)
	LastRefresh() reminder.RefreshResult
}

// AdminHandler serves the admin API
type AdminHandler struct {
	store   store.Store
	service ReminderService
	health  *observe.HealthCheck
	logger  *logging.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(st store.Store, svc ReminderService, health *observe.HealthCheck, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	if health == nil {
		health = observe.NewHealthCheck(0)
	}
	return &AdminHandler{
		store:   st,
		service: svc,
		health:  health,
		logger:  logger.Component("api"),
	}
}

// RegisterRoutes registers all API routes
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/subscribers", h.ListSubscribers).Methods("GET")
	r.HandleFunc("/subscribers/{chat_id}", h.RemoveSubscriber).Methods("DELETE")

	r.HandleFunc("/contests", h.ListContests).Methods("GET")
	r.HandleFunc("/reminders", h.ListReminders).Methods("GET")
	r.HandleFunc("/refresh", h.Refresh).Methods("POST")
}

// Health reports store health, refresh health and process stats
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report()
	status := http.StatusOK

	if err := h.store.HealthCheck(); err != nil {
		report["status"] = observe.HealthStatusUnhealthy.String()
		report["store_error"] = err.Error()
		status = http.StatusServiceUnavailable
	} else if h.health.Status() == observe.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	report["process"] = observe.CollectProcessStats()

	writeJSON(w, status, report)
}

// ListSubscribers returns all subscribed chat IDs
func (h *AdminHandler) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListSubscribers()
	if err != nil {
		h.logger.Error("Failed to list subscribers", logging.Fields{"error": err})
		http.Error(w, fmt.Sprintf("Failed to list subscribers: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscribers": ids,
		"count":       len(ids),
	})
}

// RemoveSubscriber unsubscribes a chat
func (h *AdminHandler) RemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["chat_id"]
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	removed, err := h.store.RemoveSubscriber(chatID)
	if err != nil {
		h.logger.Error("Failed to remove subscriber", logging.Fields{"chat_id": chatID, "error": err})
		http.Error(w, fmt.Sprintf("Failed to remove subscriber: %v", err), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "Subscriber not found", http.StatusNotFound)
		return
	}

	h.logger.Info("Subscriber removed via admin API", logging.Fields{"chat_id": chatID})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "removed",
		"chat_id": chatID,
	})
}

// ListContests returns upcoming contests; ?limit= overrides the default
func (h *AdminHandler) ListContests(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	contests, err := h.service.Upcoming(r.Context(), limit)
	if err != nil {
		h.logger.Warn("Failed to fetch contests", logging.Fields{"error": err})
		http.Error(w, fmt.Sprintf("Failed to fetch contests: %v", err), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contests": contests,
		"count":    len(contests),
	})
}

type reminderView struct {
	ID        string    `json:"id"`
	ContestID int       `json:"contest_id"`
	Contest   string    `json:"contest"`
	Interval  string    `json:"interval"`
	RunAt     time.Time `json:"run_at"`
	StartsAt  time.Time `json:"starts_at"`
}

// ListReminders returns the scheduled reminder jobs
func (h *AdminHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	reminders := h.service.Reminders()
	views := make([]reminderView, 0, len(reminders))
	for _, rem := range reminders {
		views = append(views, reminderView{
			ID:        rem.ID,
			ContestID: rem.Contest.ID,
			Contest:   rem.Contest.Name,
			Interval:  rem.Interval.Label,
			RunAt:     rem.RunAt,
			StartsAt:  rem.Contest.StartTime(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reminders":    views,
		"count":        len(views),
		"last_refresh": h.service.LastRefresh(),
	})
}

// Refresh runs a contest check immediately
func (h *AdminHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Refresh(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Refresh failed: %v", err), status)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
