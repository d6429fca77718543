package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type recordingProcessor struct {
	payloads []DeliveryPayload
	panics   bool
}

func (p *recordingProcessor) Process(_ context.Context, payload DeliveryPayload) {
	if p.panics {
		panic("boom")
	}
	p.payloads = append(p.payloads, payload)
}

func newTestHandler(appSecret string, proc Processor) *Handler {
	return NewHandler("good-token", appSecret, proc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		token      string
		wantStatus int
		wantBody   string
	}{
		{"valid", "subscribe", "good-token", http.StatusOK, "challenge-123"},
		{"wrong token", "subscribe", "bad-token", http.StatusForbidden, ""},
		{"wrong mode", "unsubscribe", "good-token", http.StatusForbidden, ""},
		{"missing everything", "", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler("", &recordingProcessor{})
			q := url.Values{}
			q.Set("hub.mode", tt.mode)
			q.Set("hub.verify_token", tt.token)
			q.Set("hub.challenge", "challenge-123")

			req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want raw challenge %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestDeliverAcknowledgesValidBatch(t *testing.T) {
	proc := &recordingProcessor{}
	h := newTestHandler("", proc)

	body := `{"object": "whatsapp_business_account", "entry": [{"id": "waba-1", "changes": []}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"received"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(proc.payloads) != 1 || proc.payloads[0].Entry[0].ID != "waba-1" {
		t.Errorf("processor payloads = %+v", proc.payloads)
	}
}

func TestDeliverAcknowledgesMalformedBody(t *testing.T) {
	proc := &recordingProcessor{}
	h := newTestHandler("", proc)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("malformed body must still be acknowledged, got %d", rec.Code)
	}
	if len(proc.payloads) != 0 {
		t.Error("malformed body must not reach the processor")
	}
}

func TestDeliverAcknowledgesProcessorPanic(t *testing.T) {
	h := newTestHandler("", &recordingProcessor{panics: true})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"entry": []}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("a processing panic must not surface, got %d", rec.Code)
	}
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestDeliverSignatureCheck(t *testing.T) {
	const secret = "app-secret"
	body := `{"entry": []}`

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid signature", sign(secret, body), http.StatusOK},
		{"bad signature", "sha256=" + strings.Repeat("0", 64), http.StatusForbidden},
		{"malformed header", "md5=abc", http.StatusForbidden},
		{"no header, check skipped", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(secret, &recordingProcessor{})
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			if tt.header != "" {
				req.Header.Set("X-Hub-Signature-256", tt.header)
			}
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
