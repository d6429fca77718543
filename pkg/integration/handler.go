package integration

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dinerly/chatwire/internal/audit"
	"github.com/dinerly/chatwire/internal/httpserver"
	"github.com/dinerly/chatwire/pkg/meta"
	"github.com/dinerly/chatwire/pkg/statecodec"
)

// phoneManager is the slice of the phone registry the handler uses.
// Satisfied by *phone.Registry.
type phoneManager interface {
	Claim(ctx context.Context, tenantID, countryCode, number string, method meta.VerifyMethod) (string, error)
	Confirm(ctx context.Context, tenantID, phoneNumberID, code string) error
}

// auditReader lists a tenant's audit entries. Satisfied by *audit.Store.
type auditReader interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]audit.Record, error)
}

// Handler provides HTTP handlers for the WhatsApp connection lifecycle.
type Handler struct {
	service *Service
	phones  phoneManager
	audits  auditReader
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(service *Service, phones phoneManager, audits auditReader, logger *slog.Logger) *Handler {
	return &Handler{service: service, phones: phones, audits: audits, logger: logger}
}

// Routes returns a chi.Router with connection lifecycle routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/connect", h.handleConnect)
	r.Get("/callback", h.handleCallback)
	r.Get("/status", h.handleStatus)
	r.Delete("/", h.handleDisconnect)
	r.Post("/phone/claim", h.handleClaimPhone)
	r.Post("/phone/verify", h.handleVerifyPhone)
	r.Get("/audit", h.handleAudit)
	return r
}

func tenantFromRequest(r *http.Request) string {
	return r.URL.Query().Get("tenant_id")
}

// handleConnect returns the OAuth dialog URL for the tenant to open.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	display := r.URL.Query().Get("display")

	httpserver.Respond(w, http.StatusOK, map[string]string{
		"url": h.service.ConnectURL(tenantID, display),
	})
}

// handleCallback terminates the OAuth redirect. Responds with JSON, or with
// a small auto-closing HTML page when the connect flow ran in a popup.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	stateToken := q.Get("state")
	if code == "" || stateToken == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "code and state are required")
		return
	}

	res, err := h.service.HandleCallback(r.Context(), code, stateToken)
	if err != nil {
		switch {
		case errors.Is(err, statecodec.ErrInvalidState):
			httpserver.RespondError(w, http.StatusForbidden, "invalid_state", "state verification failed")
		case errors.Is(err, statecodec.ErrStateExpired):
			httpserver.RespondError(w, http.StatusForbidden, "state_expired", "state token expired, restart the connect flow")
		default:
			h.logger.Error("oauth callback failed", "error", err, "tenant_id", res.TenantID)
			if res.Display == "popup" {
				h.renderPopup(w, res.TenantID, string(StatusFailed))
				return
			}
			httpserver.RespondError(w, http.StatusBadGateway, "connect_failed", "connection attempt failed")
		}
		return
	}

	if res.Display == "popup" {
		h.renderPopup(w, res.TenantID, string(res.Status))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{
		"tenant_id": res.TenantID,
		"status":    string(res.Status),
	})
}

// renderPopup writes the auto-closing page the popup flow expects. The
// opener learns the outcome via postMessage before the window closes.
func (h *Handler) renderPopup(w http.ResponseWriter, tenantID, status string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><body>
<script>
if (window.opener) {
  window.opener.postMessage({source: "chatwire", tenantId: %q, status: %q}, "*");
}
window.close();
</script>
<p>Connection %s. You can close this window.</p>
</body></html>`, html.EscapeString(tenantID), html.EscapeString(status), html.EscapeString(status))
}

// handleStatus reports connection state, degrading to disconnected on
// read failures.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	httpserver.Respond(w, http.StatusOK, h.service.Status(r.Context(), tenantID))
}

// handleDisconnect tears the connection down. Message history stays.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}

	if err := h.service.Disconnect(r.Context(), tenantID); err != nil {
		if errors.Is(err, ErrNotConnected) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant is not connected")
			return
		}
		h.logger.Error("disconnecting integration", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to disconnect")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": string(StatusDisconnected)})
}

type claimPhoneRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	CountryCode string `json:"country_code" validate:"required,min=1,max=3"`
	Number      string `json:"number" validate:"required,min=4"`
	Method      string `json:"method" validate:"omitempty,oneof=SMS VOICE"`
}

// handleClaimPhone registers a new number and triggers code delivery.
func (h *Handler) handleClaimPhone(w http.ResponseWriter, r *http.Request) {
	var req claimPhoneRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	method := meta.VerifySMS
	if req.Method == "VOICE" {
		method = meta.VerifyVoice
	}

	phoneID, err := h.phones.Claim(r.Context(), req.TenantID, req.CountryCode, req.Number, method)
	if err != nil {
		h.logger.Error("claiming phone number", "error", err, "tenant_id", req.TenantID)
		httpserver.RespondError(w, http.StatusBadGateway, "claim_failed", "failed to register phone number")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{
		"phone_number_id": phoneID,
		"status":          string(StatusUnclaimed),
	})
}

type verifyPhoneRequest struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	Code          string `json:"code" validate:"required,min=4,max=8"`
}

// handleVerifyPhone submits the verification code; success activates the
// connection.
func (h *Handler) handleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	var req verifyPhoneRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.phones.Confirm(r.Context(), req.TenantID, req.PhoneNumberID, req.Code); err != nil {
		h.logger.Warn("phone verification rejected", "error", err, "tenant_id", req.TenantID)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "verification_failed", "verification code rejected")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": string(StatusActive)})
}

// handleAudit lists the tenant's pipeline audit entries, newest first.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}

	entries, err := h.audits.ListByTenant(r.Context(), tenantID, 100)
	if err != nil {
		h.logger.Error("listing audit entries", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []audit.Record{}
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
