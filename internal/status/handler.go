// internal/status/handler.go
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
	"notification-service/internal/search"
)

// LedgerReader loads delivery ledgers for the query surface.
type LedgerReader interface {
	GetByNotificationID(ctx context.Context, notificationID string) (*models.DeliveryStatus, error)
}

// SearchReader answers the per-user query endpoints from the search index.
type SearchReader interface {
	FindSimilar(ctx context.Context, userID, title, body string, since time.Time, limit int) ([]search.SimilarNotification, error)
	StatusCounts(ctx context.Context, userID string, since time.Time) (map[string]int64, error)
}

// Handler serves the delivery-status query surface on the ops HTTP server.
// The user search endpoints are mounted only when a SearchReader is present.
type Handler struct {
	ledger LedgerReader
	search SearchReader
	logger logger.Logger
}

func NewHandler(ledger LedgerReader, searchReader SearchReader, log logger.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		search: searchReader,
		logger: log.WithFields(map[string]interface{}{"component": "status-handler"}),
	}
}

type deliveryStatusResponse struct {
	NotificationID string                   `json:"notificationId"`
	Status         string                   `json:"status"`
	Channels       []models.Channel         `json:"channels"`
	RetryCount     int                      `json:"retryCount"`
	Attempts       []models.DeliveryAttempt `json:"attempts"`
	DeliveredAt    *time.Time               `json:"deliveredAt,omitempty"`
	FailureReason  string                   `json:"failureReason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeDeliveryStatus handles GET /notifications/{id}/delivery.
func (h *Handler) ServeDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	notificationID := extractNotificationID(r.URL.Path)
	if notificationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "notification id required"})
		return
	}

	status, err := h.ledger.GetByNotificationID(r.Context(), notificationID)
	if err != nil {
		if stdErr := stderrors.AsStandard(err); stdErr != nil && stdErr.Code == stderrors.ErrCodeNotificationNotFound {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
			return
		}
		h.logger.Error("Delivery status lookup failed", map[string]interface{}{
			"notificationId": notificationID,
			"error":          err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	attempts := status.Attempts
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, deliveryStatusResponse{
		NotificationID: status.NotificationID,
		Status:         status.Status,
		Channels:       status.Channels,
		RetryCount:     status.RetryCount,
		Attempts:       attempts,
		DeliveredAt:    status.DeliveredAt,
		FailureReason:  status.FailureReason,
	})
}

// ServeUserSearch handles GET /users/{id}/notifications/stats and
// GET /users/{id}/notifications/similar.
func (h *Handler) ServeUserSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	userID, op := extractUserOp(r.URL.Path)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user id required"})
		return
	}

	since := h.parseSince(r)
	switch op {
	case "stats":
		counts, err := h.search.StatusCounts(r.Context(), userID, since)
		if err != nil {
			h.logger.Error("Status counts lookup failed", map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			})
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{UserID: userID, Since: since, Counts: counts})
	case "similar":
		title := r.URL.Query().Get("title")
		body := r.URL.Query().Get("body")
		if title == "" && body == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "title or body required"})
			return
		}
		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 100 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 100"})
				return
			}
			limit = parsed
		}
		hits, err := h.search.FindSimilar(r.Context(), userID, title, body, since, limit)
		if err != nil {
			h.logger.Error("Similar lookup failed", map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			})
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if hits == nil {
			hits = []search.SimilarNotification{}
		}
		writeJSON(w, http.StatusOK, similarResponse{UserID: userID, Results: hits})
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	}
}

type statsResponse struct {
	UserID string           `json:"userId"`
	Since  time.Time        `json:"since"`
	Counts map[string]int64 `json:"counts"`
}

type similarResponse struct {
	UserID  string                       `json:"userId"`
	Results []search.SimilarNotification `json:"results"`
}

// parseSince reads the since query parameter, defaulting to the last 24h.
func (h *Handler) parseSince(r *http.Request) time.Time {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().UTC().Add(-24 * time.Hour)
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now().UTC().Add(-24 * time.Hour)
	}
	return parsed.UTC()
}

// Register mounts the handler on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/notifications/", h.ServeDeliveryStatus)
	if h.search != nil {
		mux.HandleFunc("/users/", h.ServeUserSearch)
	}
}

// extractNotificationID parses /notifications/{id}/delivery.
func extractNotificationID(path string) string {
	trimmed := strings.TrimPrefix(path, "/notifications/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] != "delivery" || parts[0] == "" {
		return ""
	}
	return parts[0]
}

// extractUserOp parses /users/{id}/notifications/{op}.
func extractUserOp(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/users/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[1] != "notifications" || parts[0] == "" {
		return "", ""
	}
	return parts[0], parts[2]
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
