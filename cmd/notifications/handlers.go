package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sapliy/ops-platform/internal/notification"
	"github.com/sapliy/ops-platform/internal/realtime"
	"github.com/sapliy/ops-platform/pkg/jsonutil"
)

// Server wires the engine and service into the HTTP surface.
type Server struct {
	engine  *notification.Engine
	service *notification.Service
	hub     *realtime.Hub
	logger  *slog.Logger
}

func NewServer(engine *notification.Engine, service *notification.Service, hub *realtime.Hub, logger *slog.Logger) *Server {
	return &Server{engine: engine, service: service, hub: hub, logger: logger}
}

// callerID identifies the acting user for ownership-scoped operations.
// Authentication itself happens at the gateway; by the time a request lands
// here the header is trusted.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.HandleFunc("/events/trigger", s.TriggerEvent).Methods(http.MethodPost)

	r.HandleFunc("/users/{userID}/notifications", s.ListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID}/notifications/unread-count", s.UnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID}/notifications/read-all", s.MarkAllAsRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", s.MarkAsRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}", s.DeleteNotification).Methods(http.MethodDelete)
	r.HandleFunc("/notifications/{id}/delivery-logs", s.DeliveryLogs).Methods(http.MethodGet)

	r.HandleFunc("/users/{userID}/preferences", s.GetPreferences).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID}/preferences", s.UpdatePreferences).Methods(http.MethodPut)

	r.HandleFunc("/rules", s.ListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.CreateRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}", s.UpdateRule).Methods(http.MethodPut)

	r.HandleFunc("/maintenance/clean-old", s.CleanOld).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.WebSocket).Methods(http.MethodGet)

	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	jsonutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "active",
		"service":         "notifications",
		"connected_users": s.hub.ConnectedUsers(),
	})
}

func (s *Server) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	var event notification.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "invalid event body")
		return
	}

	result, err := s.engine.Trigger(r.Context(), &event)
	if err != nil {
		s.logger.Error("trigger failed", "event_type", event.Type, "error", err)
		jsonutil.WriteError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filters := notification.ListFilters{
		UnreadOnly: q.Get("unread") == "true",
		Category:   q.Get("category"),
		Type:       q.Get("type"),
	}

	result, err := s.service.GetUserNotifications(r.Context(), userID, page, limit, filters)
	if err != nil {
		s.logger.Error("list notifications failed", "user_id", userID, "error", err)
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	count, err := s.service.GetUnreadCount(r.Context(), userID)
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to load unread count")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := callerID(r)
	if userID == "" {
		jsonutil.WriteError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	err := s.service.MarkAsRead(r.Context(), id, userID)
	if errors.Is(err, notification.ErrNotFound) {
		jsonutil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if err := s.service.MarkAllAsRead(r.Context(), userID); err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to mark all as read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := callerID(r)
	if userID == "" {
		jsonutil.WriteError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	err := s.service.DeleteNotification(r.Context(), id, userID)
	if errors.Is(err, notification.ErrNotFound) {
		jsonutil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) DeliveryLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logs, err := s.service.GetDeliveryLogs(r.Context(), id)
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to load delivery logs")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, logs)
}

func (s *Server) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	prefs, err := s.service.GetPreferences(r.Context(), userID)
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, prefs)
}

func (s *Server) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var patch notification.PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "invalid preferences body")
		return
	}

	prefs, err := s.service.UpdatePreferences(r.Context(), userID, patch)
	if err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, prefs)
}

// ruleRequest is the wire form of a rule; conditions arrive as the tagged
// JSON tree and are validated before they ever reach storage.
type ruleRequest struct {
	EventType           string                       `json:"event_type"`
	Enabled             bool                         `json:"enabled"`
	Conditions          json.RawMessage              `json:"conditions,omitempty"`
	Recipients          notification.RecipientPolicy `json:"recipients"`
	Channels            []notification.Channel       `json:"channels"`
	Priority            notification.Priority        `json:"priority"`
	ExcludeActor        bool                         `json:"exclude_actor"`
	DedupeWindowSeconds int                          `json:"dedupe_window_seconds"`
}

func (req *ruleRequest) toRule() (*notification.Rule, error) {
	conditions, err := notification.UnmarshalCondition(req.Conditions)
	if err != nil {
		return nil, err
	}
	return &notification.Rule{
		EventType:           req.EventType,
		Enabled:             req.Enabled,
		Conditions:          conditions,
		Recipients:          req.Recipients,
		Channels:            req.Channels,
		Priority:            req.Priority,
		ExcludeActor:        req.ExcludeActor,
		DedupeWindowSeconds: req.DedupeWindowSeconds,
	}, nil
}

func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.GetAllRules(r.Context())
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to load rules")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "invalid rule body")
		return
	}
	rule, err := req.toRule()
	if err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.service.CreateRule(r.Context(), rule)
	if errors.Is(err, notification.ErrRuleExists) {
		jsonutil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, rule)
}

func (s *Server) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "invalid rule body")
		return
	}
	rule, err := req.toRule()
	if err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = mux.Vars(r)["id"]

	err = s.service.UpdateRule(r.Context(), rule)
	if errors.Is(err, notification.ErrRuleNotFound) {
		jsonutil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) CleanOld(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	removed, err := s.service.CleanOldNotifications(r.Context(), days)
	if err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = callerID(r)
	}
	if userID == "" {
		jsonutil.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	s.hub.ServeWS(w, r, userID)
}
