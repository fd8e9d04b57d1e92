// Package handlers exposes the admin/read HTTP API. The downstream
// compliance dashboard uses only the GET endpoints; mutations are manual
// operator overrides and every one writes an audit entry.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/breach-shield/notification-engine/internal/database"
)

const defaultActor = "operator"

// WorkflowAdmin exposes the engine's manual operations
type WorkflowAdmin interface {
	CompleteWorkflow(ctx context.Context, id, actor string) (*database.Workflow, error)
}

// NotificationAdmin exposes the dispatcher's manual operations
type NotificationAdmin interface {
	RetryFailed(ctx context.Context, id, actor string) error
	Acknowledge(ctx context.Context, id, actor string) error
}

// TriggerAdmin resets stakeholder escalation trigger counters
type TriggerAdmin interface {
	ResetTrigger(ctx context.Context, groupID, condition string) error
}

// HealthChecker reports one dependency's connectivity
type HealthChecker func(ctx context.Context) error

// HTTPHandler handles HTTP requests for the notification engine
type HTTPHandler struct {
	logger           *slog.Logger
	workflowRepo     *database.WorkflowRepository
	notificationRepo *database.NotificationRepository
	auditRepo        *database.AuditRepository
	workflows        WorkflowAdmin
	notifications    NotificationAdmin
	triggers         TriggerAdmin
	healthChecks     map[string]HealthChecker
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	logger *slog.Logger,
	workflowRepo *database.WorkflowRepository,
	notificationRepo *database.NotificationRepository,
	auditRepo *database.AuditRepository,
	workflows WorkflowAdmin,
	notifications NotificationAdmin,
	triggers TriggerAdmin,
	healthChecks map[string]HealthChecker,
) *HTTPHandler {
	return &HTTPHandler{
		logger:           logger,
		workflowRepo:     workflowRepo,
		notificationRepo: notificationRepo,
		auditRepo:        auditRepo,
		workflows:        workflows,
		notifications:    notifications,
		triggers:         triggers,
		healthChecks:     healthChecks,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	workflowRouter := api.PathPrefix("/workflows").Subrouter()
	workflowRouter.HandleFunc("", h.handleListWorkflows).Methods("GET")
	workflowRouter.HandleFunc("/stats", h.handleWorkflowStats).Methods("GET")
	workflowRouter.HandleFunc("/{id}", h.handleGetWorkflow).Methods("GET")
	workflowRouter.HandleFunc("/{id}/complete", h.handleCompleteWorkflow).Methods("POST")
	workflowRouter.HandleFunc("/{id}/notifications", h.handleWorkflowNotifications).Methods("GET")

	notificationRouter := api.PathPrefix("/notifications").Subrouter()
	notificationRouter.HandleFunc("/stats", h.handleNotificationStats).Methods("GET")
	notificationRouter.HandleFunc("/{id}", h.handleGetNotification).Methods("GET")
	notificationRouter.HandleFunc("/{id}/retry", h.handleRetryNotification).Methods("POST")
	notificationRouter.HandleFunc("/{id}/acknowledge", h.handleAcknowledgeNotification).Methods("POST")

	api.HandleFunc("/audit", h.handleListAudit).Methods("GET")
	api.HandleFunc("/groups/{id}/triggers/{condition}/reset", h.handleResetTrigger).Methods("POST")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for name, check := range h.healthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "breach-notification-engine",
		"checks":    checks,
	}
	if status != http.StatusOK {
		health["status"] = "degraded"
	}

	h.writeJSON(w, status, health)
}

func (h *HTTPHandler) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	regulation := r.URL.Query().Get("regulation")
	state := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	workflows, err := h.workflowRepo.List(r.Context(), regulation, state, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list workflows")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

func (h *HTTPHandler) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	workflow, err := h.workflowRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Workflow not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Failed to get workflow")
		return
	}

	h.writeJSON(w, http.StatusOK, workflow)
}

func (h *HTTPHandler) handleCompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	workflow, err := h.workflows.CompleteWorkflow(r.Context(), id, h.actor(r))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Workflow not found")
			return
		}
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, workflow)
}

func (h *HTTPHandler) handleWorkflowNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	notifications, err := h.notificationRepo.GetByWorkflowID(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (h *HTTPHandler) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.workflowRepo.GetStats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to get workflow stats")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (h *HTTPHandler) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	notification, err := h.notificationRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Failed to get notification")
		return
	}

	h.writeJSON(w, http.StatusOK, notification)
}

func (h *HTTPHandler) handleNotificationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.notificationRepo.GetStats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to get notification stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleRetryNotification is the manual override for a permanently failed
// notification
func (h *HTTPHandler) handleRetryNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.notifications.RetryFailed(r.Context(), id, h.actor(r)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}

func (h *HTTPHandler) handleAcknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.notifications.Acknowledge(r.Context(), id, h.actor(r)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Failed to acknowledge notification")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *HTTPHandler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	incidentID := r.URL.Query().Get("incident_id")
	if incidentID == "" {
		h.writeError(w, http.StatusBadRequest, "incident_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.auditRepo.ListByIncident(r.Context(), incidentID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list audit entries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *HTTPHandler) handleResetTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.triggers.ResetTrigger(r.Context(), vars["id"], vars["condition"]); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Trigger not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Failed to reset trigger")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// actor resolves the operator identity from the request for the audit trail
func (h *HTTPHandler) actor(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return defaultActor
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
