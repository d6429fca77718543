package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dinerly/chatwire/internal/httpserver"
)

// Processor consumes decoded delivery payloads.
type Processor interface {
	Process(ctx context.Context, payload DeliveryPayload)
}

// Handler terminates the platform webhook endpoints: the GET subscription
// handshake and the POST event deliveries.
type Handler struct {
	verifyToken string
	appSecret   string
	processor   Processor
	logger      *slog.Logger
}

// NewHandler creates a Handler. appSecret enables payload signature checks;
// empty disables them.
func NewHandler(verifyToken, appSecret string, processor Processor, logger *slog.Logger) *Handler {
	return &Handler{verifyToken: verifyToken, appSecret: appSecret, processor: processor, logger: logger}
}

// Routes returns a chi.Router with the webhook endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleVerify)
	r.Post("/", h.handleDeliver)
	return r
}

// handleVerify answers the subscription handshake: echo hub.challenge when
// the mode and token match, 403 otherwise.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token != h.verifyToken {
		h.logger.Warn("webhook handshake rejected", "mode", mode)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// handleDeliver accepts an event batch. The platform retries on anything
// but a 2xx, so after the signature check this endpoint always acknowledges;
// processing failures are logged, never surfaced.
func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("reading webhook body", "error", err)
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" && h.appSecret != "" {
		if !h.validSignature(body, sig) {
			h.logger.Warn("webhook signature mismatch")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	var payload DeliveryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("decoding webhook payload", "error", err)
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic processing webhook batch", "panic", rec)
			}
		}()
		h.processor.Process(r.Context(), payload)
	}()

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "received"})
}

// validSignature checks the sha256= HMAC header against the raw body.
func (h *Handler) validSignature(body []byte, header string) bool {
	expected, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(expected))
}
