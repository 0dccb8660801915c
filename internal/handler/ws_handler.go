package handler

import (
	"context"
	"net/http"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/service"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"
	"github.com/mohit67890/realm-sync-server-sub000/pkg/jwt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	logger    zerolog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		logger:    logger,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket token validation failed")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.UserID, conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// MessageHandler dispatches inbound websocket frames to the sync and
// subscription services. Every request type answers on the same connection;
// errors never tear the connection down, they come back as error frames.
type MessageHandler struct {
	syncService         *service.SyncService
	subscriptionService *service.SubscriptionService
	validator           *validator.Validate
	logger              zerolog.Logger
}

func NewMessageHandler(syncService *service.SyncService, subscriptionService *service.SubscriptionService, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		syncService:         syncService,
		subscriptionService: subscriptionService,
		validator:           validator.New(),
		logger:              logger,
	}
}

func (h *MessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSubmitChange:
		return h.handleSubmitChange(client, msg)

	case websocket.TypeGetChanges:
		return h.handleGetChanges(client, msg)

	case websocket.TypeUpdateSubscriptions:
		return h.handleUpdateSubscriptions(client, msg)

	case websocket.TypeSubscribe:
		return h.handleSubscribe(client, msg)

	case websocket.TypeUnsubscribe:
		return h.handleUnsubscribe(client, msg)

	case websocket.TypePing:
		return h.reply(client, websocket.TypePong, nil)

	default:
		h.logger.Warn().Str("type", string(msg.Type)).Str("client", client.ID).Msg("unknown message type")
		return h.sendError(client, "unknown_type", "unknown message type: "+string(msg.Type))
	}
}

func (h *MessageHandler) handleSubmitChange(client *websocket.Client, msg *websocket.Message) error {
	var req domain.SubmitChangeRequest
	if err := msg.UnmarshalPayload(&req); err != nil {
		return h.sendError(client, "bad_payload", "invalid change payload")
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.sendError(client, "bad_payload", err.Error())
	}

	ack, err := h.syncService.SubmitChange(context.Background(), client.UserID, &req, client.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("client", client.ID).Msg("change submission failed")
		return h.sendError(client, "apply_failed", "failed to apply change")
	}

	return h.reply(client, websocket.TypeChangeAck, ack)
}

func (h *MessageHandler) handleGetChanges(client *websocket.Client, msg *websocket.Message) error {
	var req domain.GetChangesRequest
	if err := msg.UnmarshalPayload(&req); err != nil {
		return h.sendError(client, "bad_payload", "invalid get_changes payload")
	}

	resp, err := h.syncService.GetChangesSince(context.Background(), client.UserID, &req)
	if err != nil {
		h.logger.Error().Err(err).Str("client", client.ID).Msg("catch-up query failed")
		return h.sendError(client, "query_failed", err.Error())
	}

	return h.reply(client, websocket.TypeChanges, resp)
}

func (h *MessageHandler) handleUpdateSubscriptions(client *websocket.Client, msg *websocket.Message) error {
	var req domain.UpdateSubscriptionsRequest
	if err := msg.UnmarshalPayload(&req); err != nil {
		return h.sendError(client, "bad_payload", "invalid subscriptions payload")
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.sendError(client, "bad_payload", err.Error())
	}

	resp, err := h.subscriptionService.Update(context.Background(), client.UserID, &req)
	if err != nil {
		return h.sendError(client, "invalid_subscriptions", err.Error())
	}

	return h.reply(client, websocket.TypeSubscriptionsUpdated, resp)
}

// handleSubscribe registers transient filters scoped to this connection. The
// queries must compile before any of them take effect.
func (h *MessageHandler) handleSubscribe(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.SubscribePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.sendError(client, "bad_payload", "invalid subscribe payload")
	}
	if payload.Collection == "" {
		return h.sendError(client, "bad_payload", "subscribe requires a collection")
	}

	for _, q := range payload.Queries {
		if q.Query == "" {
			continue
		}
		if _, err := rql.Compile(rql.Substitute(q.Query, q.Args)); err != nil {
			return h.sendError(client, "invalid_query", err.Error())
		}
	}

	client.SetTransient(payload.Collection, payload.Queries)
	return h.reply(client, websocket.TypeSubscriptionsUpdated, &websocket.SubscribePayload{
		Collection: payload.Collection,
		Queries:    payload.Queries,
	})
}

func (h *MessageHandler) handleUnsubscribe(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.UnsubscribePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.sendError(client, "bad_payload", "invalid unsubscribe payload")
	}

	client.RemoveTransient(payload.Collection)
	return h.reply(client, websocket.TypeSubscriptionsUpdated, &payload)
}

func (h *MessageHandler) reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return h.managerSend(client, msg)
}

func (h *MessageHandler) sendError(client *websocket.Client, code, message string) error {
	msg, err := websocket.NewMessage(websocket.TypeError, &websocket.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	return h.managerSend(client, msg)
}

func (h *MessageHandler) managerSend(client *websocket.Client, msg *websocket.Message) error {
	return client.Manager.SendToClient(client, msg)
}
