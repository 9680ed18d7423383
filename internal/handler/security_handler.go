package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-monitor/internal/alerting"
	"security-monitor/internal/model"
	"security-monitor/internal/pipeline"
	"security-monitor/internal/repository/clickhouse"
	"security-monitor/internal/repository/search"
	"security-monitor/internal/response"
	"security-monitor/internal/util"
)

// SecurityHandler exposes the monitoring API: event submission, containment
// queries, admin overrides, alert lifecycle and search, and statistics.
type SecurityHandler struct {
	monitor     *pipeline.Monitor
	containment *response.Containment
	alerts      *alerting.Manager
	alertIndex  *search.AlertIndex
	events      *clickhouse.EventStore
	healthCheck func() error
	logger      *zap.Logger
}

func NewSecurityHandler(monitor *pipeline.Monitor, containment *response.Containment,
	alerts *alerting.Manager, alertIndex *search.AlertIndex, events *clickhouse.EventStore,
	healthCheck func() error, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		monitor:     monitor,
		containment: containment,
		alerts:      alerts,
		alertIndex:  alertIndex,
		events:      events,
		healthCheck: healthCheck,
		logger:      logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all monitoring routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/events", func(r chi.Router) {
		r.Post("/", h.SubmitEvent)
		r.Get("/", h.QueryEvents)
	})

	router.Route("/checks", func(r chi.Router) {
		r.Get("/ip/{ip}", h.CheckIP)
		r.Get("/user/{userID}", h.CheckUser)
		r.Get("/session/{sessionID}", h.CheckSession)
	})

	router.Route("/alerts", func(r chi.Router) {
		r.Get("/search", h.SearchAlerts)
		r.Get("/{alertID}", h.GetAlert)
		r.Post("/{alertID}/acknowledge", h.AcknowledgeAlert)
		r.Post("/{alertID}/resolve", h.ResolveAlert)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Post("/unblock-ip/{ip}", h.UnblockIP)
		r.Post("/unlock-user/{userID}", h.UnlockUser)
	})

	router.Get("/stats", h.GetStats)
}

// SubmitEvent accepts one security event. Always 202 on a well-formed body:
// submission is fire-and-forget, detection outcomes are never surfaced here.
func (h *SecurityHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	// Free-text fields end up in notification bodies; escape markup at intake.
	ev.Username = util.SanitizeInput(ev.Username)
	ev.UserAgent = util.SanitizeInput(ev.UserAgent)
	for k, v := range ev.Details {
		if util.ContainsSuspicious(v) {
			ev.Details[k] = util.SanitizeInput(v)
		}
	}

	accepted := h.monitor.Submit(&ev)
	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]interface{}{
		"accepted": accepted,
		"event_id": ev.ID,
	}, "Event submitted"))
}

// QueryEvents searches the event history store.
func (h *SecurityHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.respondWithError(w, http.StatusServiceUnavailable,
			errors.New("event history store not available"), "Event history disabled")
		return
	}
	q := r.URL.Query()

	filter := clickhouse.EventFilter{
		Type:        model.EventType(q.Get("type")),
		MinSeverity: model.Severity(q.Get("min_severity")),
		UserID:      q.Get("user_id"),
		IPAddress:   q.Get("ip"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid since timestamp")
			return
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
			return
		}
		filter.Limit = n
	}

	events, err := h.events.Query(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to query events")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Events retrieved"))
}

// CheckIP reports whether the IP is currently blocked.
func (h *SecurityHandler) CheckIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	blocked := h.containment.IsIPBlocked(r.Context(), ip)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"blocked": blocked}, ""))
}

// CheckUser reports whether the user account is currently locked.
func (h *SecurityHandler) CheckUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	locked := h.containment.IsUserLocked(r.Context(), userID)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"locked": locked}, ""))
}

// CheckSession reports whether the session has been revoked.
func (h *SecurityHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	revoked := h.containment.IsSessionRevoked(r.Context(), sessionID)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"revoked": revoked}, ""))
}

// SearchAlerts queries the alert search index.
func (h *SecurityHandler) SearchAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alertIndex == nil {
		h.respondWithError(w, http.StatusServiceUnavailable,
			errors.New("alert search index not available"), "Alert search disabled")
		return
	}
	q := r.URL.Query()

	query := search.SearchQuery{
		Status:    q.Get("status"),
		Severity:  q.Get("severity"),
		EventType: q.Get("event_type"),
		UserID:    q.Get("user_id"),
		IPAddress: q.Get("ip"),
		Text:      q.Get("q"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid since timestamp")
			return
		}
		query.Since = t
	}
	if size := q.Get("size"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid size")
			return
		}
		query.Size = n
	}

	result, err := h.alertIndex.Search(r.Context(), query)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to search alerts")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Alerts retrieved"))
}

// GetAlert returns one alert by id.
func (h *SecurityHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	alert, err := h.alerts.Get(alertID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get alert")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(alert, ""))
}

type actorRequest struct {
	Actor string `json:"actor"`
}

// AcknowledgeAlert halts escalation for an alert.
func (h *SecurityHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("actor is required"), "Invalid request body")
		return
	}

	if err := h.alerts.Acknowledge(r.Context(), alertID, req.Actor); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to acknowledge alert")
		return
	}

	h.logger.Info("Alert acknowledged via HTTP",
		util.String("alert_id", alertID),
		util.String("actor", req.Actor))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Alert acknowledged"))
}

// ResolveAlert permanently closes an alert.
func (h *SecurityHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("actor is required"), "Invalid request body")
		return
	}

	if err := h.alerts.Resolve(r.Context(), alertID, req.Actor); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resolve alert")
		return
	}

	h.logger.Info("Alert resolved via HTTP",
		util.String("alert_id", alertID),
		util.String("actor", req.Actor))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Alert resolved"))
}

// UnblockIP removes an IP block ahead of its TTL. Admin override.
func (h *SecurityHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	if err := h.containment.UnblockIP(r.Context(), ip); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to unblock IP")
		return
	}

	h.logger.Info("IP unblocked via HTTP", util.String("ip", ip))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "IP unblocked"))
}

// UnlockUser removes a user lock ahead of its TTL. Admin override.
func (h *SecurityHandler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.containment.UnlockUser(r.Context(), userID); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to unlock user")
		return
	}

	h.logger.Info("User unlocked via HTTP", util.String("user_id", userID))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "User unlocked"))
}

// GetStats returns the pipeline counters plus the containment and event-history
// summaries.
func (h *SecurityHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"pipeline": h.monitor.Stats(),
	}

	blocked, locked, revoked := h.containment.Counts()
	stats["containment"] = map[string]int{
		"blocked_ips":      blocked,
		"locked_users":     locked,
		"revoked_sessions": revoked,
	}

	if h.events != nil {
		if bySeverity, err := h.events.CountBySeverity(r.Context()); err == nil {
			stats["events_by_severity"] = bySeverity
		}
		if byType, err := h.events.CountByType(r.Context()); err == nil {
			stats["events_by_type"] = byType
		}
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Stats retrieved"))
}

// HealthCheck reports overall backend health.
func (h *SecurityHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.healthCheck != nil {
		if err := h.healthCheck(); err != nil {
			h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SecurityHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrAlertResolved):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
