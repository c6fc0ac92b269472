package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/middleware"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
)

// IdempotencyKeyHeader names the header carrying a message's client id.
const IdempotencyKeyHeader = "Idempotency-Key"

// MessageHandler implements the durable conversation write and history endpoints.
type MessageHandler struct {
	Messages      MessageStore
	Subscriptions SubscriptionStore
	Publisher     Publisher
	NowFunc       func() time.Time
}

// Handle serves /conversations/{id}/messages.
func (h MessageHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// create stores a message once per (sender, clientId). A replay answers 200 with the
// stored copy and does not echo again.
func (h MessageHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Messages == nil || h.Subscriptions == nil {
		respondError(ctx, w, http.StatusInternalServerError, "message service unavailable")
		return
	}

	conversationID := r.PathValue("id")
	senderID := middleware.UserIDFromContext(ctx)

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid message payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	req.ClientID = strings.TrimSpace(req.ClientID)
	switch {
	case req.ClientID == "" && key == "":
		respondError(ctx, w, http.StatusBadRequest, "clientId or Idempotency-Key is required")
		return
	case req.ClientID == "":
		req.ClientID = key
	case key != "" && key != req.ClientID:
		respondError(ctx, w, http.StatusBadRequest, "Idempotency-Key does not match clientId")
		return
	}

	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	if conversationID == "" || req.ReceiverID == "" || strings.TrimSpace(req.Body) == "" {
		respondError(ctx, w, http.StatusBadRequest, "conversation, receiverId and body are required")
		return
	}

	ent, err := h.Subscriptions.Status(ctx, senderID)
	if err != nil {
		logger.Error("subscription lookup failed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "unable to verify subscription")
		return
	}
	if !ent.ActiveAt(h.now()) {
		respondError(ctx, w, http.StatusForbidden, "subscription required")
		return
	}

	stored, created, err := h.Messages.Append(ctx, models.Message{
		ClientID:       req.ClientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     req.ReceiverID,
		Body:           req.Body,
	})
	if err != nil {
		logger.Error("append message failed", "error", err, "clientId", req.ClientID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to store message")
		return
	}

	if !created {
		logger.Info("message replayed", "clientId", stored.ClientID, "messageId", stored.ServerID)
		respondJSON(ctx, w, http.StatusOK, stored)
		return
	}

	if h.Publisher != nil {
		h.Publisher.BroadcastToUser(stored.ReceiverID, protocol.OpMessageCreate, stored)
		if stored.ReceiverID != stored.SenderID {
			h.Publisher.BroadcastToUser(stored.SenderID, protocol.OpMessageCreate, stored)
		}
	}
	respondJSON(ctx, w, http.StatusCreated, stored)
}

// list returns the conversation messages the caller sent or received.
func (h MessageHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Messages == nil {
		respondError(ctx, w, http.StatusInternalServerError, "message service unavailable")
		return
	}

	userID := middleware.UserIDFromContext(ctx)
	all, err := h.Messages.List(ctx, r.PathValue("id"))
	if err != nil {
		logging.FromContext(ctx).Error("list messages failed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	visible := make([]models.Message, 0, len(all))
	for _, msg := range all {
		if msg.SenderID == userID || msg.ReceiverID == userID {
			visible = append(visible, msg)
		}
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"messages": visible})
}

func (h MessageHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}

type sendMessageRequest struct {
	ClientID   string `json:"clientId"`
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
}
