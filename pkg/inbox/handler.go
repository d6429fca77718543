package inbox

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/dinerly/chatwire/internal/httpserver"
)

// Handler provides HTTP handlers for the unified inbox read side.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with inbox routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/conversations", h.handleListConversations)
	r.Get("/conversations/{conversationID}/messages", h.handleListMessages)
	r.Post("/conversations/{conversationID}/read", h.handleMarkRead)
	r.Get("/messages/{messageID}", h.handleGetMessage)
	return r
}

func tenantFromRequest(r *http.Request) string {
	return r.URL.Query().Get("tenant_id")
}

// handleListConversations returns a tenant's conversations newest-first.
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	items, total, err := h.store.ListConversations(ctx, tenantID, params)
	if err != nil {
		h.logger.Error("listing conversations", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list conversations")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

// handleListMessages returns one conversation's messages with keyset pagination.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	messages, err := h.store.ListMessages(ctx, tenantID, conversationID, params)
	if err != nil {
		h.logger.Error("listing messages", "error", err, "conversation_id", conversationID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list messages")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewCursorPage(messages, params.Limit, MessageCursor))
}

// handleMarkRead clears the unread counter for a conversation's contact.
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.store.MarkConversationRead(ctx, tenantID, conversationID); err != nil {
		h.logger.Error("marking conversation read", "error", err, "conversation_id", conversationID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to mark conversation read")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetMessage returns a single message by its external message id.
func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	messageID := chi.URLParam(r, "messageID")

	msg, err := h.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		h.logger.Error("getting message", "error", err, "message_id", messageID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get message")
		return
	}

	httpserver.Respond(w, http.StatusOK, msg)
}
