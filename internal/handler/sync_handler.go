package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/middleware"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/service"
	"github.com/mohit67890/realm-sync-server-sub000/pkg/response"

	"github.com/go-playground/validator/v10"
)

// SyncHandler exposes the HTTP half of the protocol: change submission and
// catch-up for clients without a live websocket, plus subscription
// management.
type SyncHandler struct {
	syncService         *service.SyncService
	subscriptionService *service.SubscriptionService
	validator           *validator.Validate
}

func NewSyncHandler(syncService *service.SyncService, subscriptionService *service.SubscriptionService) *SyncHandler {
	return &SyncHandler{
		syncService:         syncService,
		subscriptionService: subscriptionService,
		validator:           validator.New(),
	}
}

// SubmitChange handles POST /api/v1/changes.
func (h *SyncHandler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	var req domain.SubmitChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	ack, err := h.syncService.SubmitChange(r.Context(), userID, &req, "")
	if err != nil {
		response.InternalError(w, "Failed to apply change")
		return
	}

	if !ack.Success {
		response.Conflict(w, ack)
		return
	}

	response.Success(w, ack)
}

// GetChanges handles GET /api/v1/changes.
func (h *SyncHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	req := &domain.GetChangesRequest{
		Collection: r.URL.Query().Get("collection"),
		Query:      r.URL.Query().Get("query"),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		v, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			response.BadRequest(w, "Invalid since parameter")
			return
		}
		req.Since = v
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil {
			response.BadRequest(w, "Invalid limit parameter")
			return
		}
		req.Limit = v
	}

	resp, err := h.syncService.GetChangesSince(r.Context(), userID, req)
	if err != nil {
		var parseErr *rql.ParseError
		if errors.As(err, &parseErr) {
			response.BadRequest(w, parseErr.Error())
			return
		}
		response.InternalError(w, "Failed to fetch changes")
		return
	}

	response.Success(w, resp)
}

// GetSubscriptions handles GET /api/v1/subscriptions.
func (h *SyncHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	set, err := h.subscriptionService.Get(r.Context(), userID)
	if err != nil {
		response.InternalError(w, "Failed to fetch subscriptions")
		return
	}

	response.Success(w, set)
}

// UpdateSubscriptions handles PUT /api/v1/subscriptions.
func (h *SyncHandler) UpdateSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	var req domain.UpdateSubscriptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	resp, err := h.subscriptionService.Update(r.Context(), userID, &req)
	if err != nil {
		var parseErr *rql.ParseError
		if errors.As(err, &parseErr) {
			response.BadRequest(w, parseErr.Error())
			return
		}
		response.InternalError(w, "Failed to update subscriptions")
		return
	}

	response.Success(w, resp)
}

// Health handles GET /health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "ok"})
}
