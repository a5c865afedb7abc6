// Package api exposes HTTP handlers for the enrollment service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Nice2MU/RiseForGood/internal/auth"
	"github.com/Nice2MU/RiseForGood/internal/domain"
	"github.com/Nice2MU/RiseForGood/internal/persistence"
)

// Handler coordinates HTTP requests with the enrollment controller and membership service.
type Handler struct {
	controller *domain.Controller
	membership *domain.Membership
}

// NewHandler builds a Handler.
func NewHandler(controller *domain.Controller, membership *domain.Membership) *Handler {
	return &Handler{controller: controller, membership: membership}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities/", h.activityRoutes)
	mux.HandleFunc("/v1/users/me/activities", h.myActivities)
	mux.HandleFunc("/v1/users/me/stats", h.myStats)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// activityRoutes dispatches /v1/activities/{id}/{resource} paths.
func (h *Handler) activityRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" || len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	activityID, resource := parts[0], parts[1]

	switch resource {
	case "enrollment":
		switch r.Method {
		case http.MethodPost:
			h.enroll(w, r, activityID)
		case http.MethodDelete:
			h.cancel(w, r, activityID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		}
	case "completions":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.complete(w, r, activityID)
	case "occupancy":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.occupancy(w, r, activityID)
	case "membership":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.membershipCheck(w, r, activityID)
	case "participants":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.participants(w, r, activityID)
	case "capacity":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.setCapacity(w, r, activityID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request, activityID string) {
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	record, err := h.controller.Enroll(r.Context(), claims.Subject, activityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	usage, err := h.controller.Occupancy(r.Context(), activityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, EnrollResponse{
		Enrollment: toEnrollmentView(*record),
		Activity:   toUsageView(*usage),
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, activityID string) {
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	if err := h.controller.Cancel(r.Context(), claims.Subject, activityID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, activityID string) {
	_, ok := requireScope(w, r, auth.ScopeEnrollmentsAdmin)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_id is required")
		return
	}

	record, err := h.controller.Complete(r.Context(), req.UserID, activityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEnrollmentView(*record))
}

func (h *Handler) occupancy(w http.ResponseWriter, r *http.Request, activityID string) {
	if _, ok := requireScope(w, r, auth.ScopeEnrollmentsRead, auth.ScopeEnrollmentsWrite); !ok {
		return
	}

	usage, err := h.controller.Occupancy(r.Context(), activityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUsageView(*usage))
}

func (h *Handler) membershipCheck(w http.ResponseWriter, r *http.Request, activityID string) {
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsRead, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	// The chat collaborator passes the sender explicitly; end users check themselves.
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = claims.Subject
	}

	member, err := h.membership.IsActiveMember(r.Context(), userID, activityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, MembershipResponse{UserID: userID, ActivityID: activityID, ActiveMember: member})
}

func (h *Handler) participants(w http.ResponseWriter, r *http.Request, activityID string) {
	if _, ok := requireScope(w, r, auth.ScopeEnrollmentsAdmin); !ok {
		return
	}

	var filter *domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid status filter")
			return
		}
		filter = &status
	}

	records, err := h.controller.Participants(r.Context(), activityID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]EnrollmentView, 0, len(records))
	for _, record := range records {
		items = append(items, toEnrollmentView(record))
	}
	writeJSON(w, http.StatusOK, ParticipantsResponse{Items: items})
}

func (h *Handler) setCapacity(w http.ResponseWriter, r *http.Request, activityID string) {
	if _, ok := requireScope(w, r, auth.ScopeEnrollmentsAdmin); !ok {
		return
	}

	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.Capacity <= 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "capacity must be > 0")
		return
	}

	usage, err := h.controller.SetCapacity(r.Context(), activityID, req.Capacity)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUsageView(*usage))
}

func (h *Handler) myActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsRead, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.membership.ListActiveActivitiesForUser(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]EnrollmentView, 0, len(records))
	for _, record := range records {
		items = append(items, toEnrollmentView(record))
	}

	writeJSON(w, http.StatusOK, MyActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) myStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsRead, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	stats, err := h.membership.Stats(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		UserID:              stats.UserID,
		Points:              stats.Points,
		Level:               stats.Level,
		NextLevelPoints:     stats.NextLevelPoints,
		CompletedActivities: stats.CompletedActivities,
	})
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+strings.Join(scopes, " or ")+" required")
	return nil, false
}

// writeDomainError maps the controller's error taxonomy onto HTTP statuses. Raw storage
// errors never reach here; anything unrecognised is a server error.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, "already_enrolled", "user is already enrolled")
	case errors.Is(err, domain.ErrNotEnoughCapacity):
		writeError(w, http.StatusConflict, "capacity_exhausted", "activity has no remaining capacity")
	case errors.Is(err, domain.ErrNotEnrolled):
		writeError(w, http.StatusConflict, "not_enrolled", "user is not enrolled")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "enrollment state does not permit this operation")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// CompleteRequest is the payload for POST /v1/activities/{id}/completions.
type CompleteRequest struct {
	UserID string `json:"user_id"`
}

// CapacityRequest is the payload for PUT /v1/activities/{id}/capacity.
type CapacityRequest struct {
	Capacity int `json:"capacity"`
}

// EnrollmentView exposes a ledger record.
type EnrollmentView struct {
	EnrollmentID string    `json:"enrollment_id"`
	UserID       string    `json:"user_id"`
	ActivityID   string    `json:"activity_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UsageView exposes the occupancy/capacity snapshot.
type UsageView struct {
	ActivityID string `json:"activity_id"`
	Occupancy  int    `json:"occupancy"`
	Capacity   int    `json:"capacity"`
}

// EnrollResponse describes the response body for enroll.
type EnrollResponse struct {
	Enrollment EnrollmentView `json:"enrollment"`
	Activity   UsageView      `json:"activity"`
}

// MembershipResponse answers the chat-gate predicate.
type MembershipResponse struct {
	UserID       string `json:"user_id"`
	ActivityID   string `json:"activity_id"`
	ActiveMember bool   `json:"active_member"`
}

// ParticipantsResponse packages the organizer roster.
type ParticipantsResponse struct {
	Items []EnrollmentView `json:"items"`
}

// MyActivitiesResponse packages the user's active enrollments.
type MyActivitiesResponse struct {
	Items      []EnrollmentView `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// StatsResponse summarises volunteer participation.
type StatsResponse struct {
	UserID              string `json:"user_id"`
	Points              int    `json:"points"`
	Level               int    `json:"level"`
	NextLevelPoints     int    `json:"next_level_points"`
	CompletedActivities int    `json:"completed_activities"`
}

func toEnrollmentView(record domain.Record) EnrollmentView {
	return EnrollmentView{
		EnrollmentID: record.ID,
		UserID:       record.UserID,
		ActivityID:   record.ActivityID,
		Status:       string(record.Status),
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

func toUsageView(usage domain.Usage) UsageView {
	return UsageView{ActivityID: usage.ActivityID, Occupancy: usage.Occupancy, Capacity: usage.Capacity}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
