package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dinerly/chatwire/internal/audit"
	"github.com/dinerly/chatwire/pkg/meta"
	"github.com/dinerly/chatwire/pkg/resolve"
	"github.com/dinerly/chatwire/pkg/statecodec"
)

var errMock = errors.New("mock failure")

type fakePhones struct {
	claimID    string
	confirmErr error
}

func (f *fakePhones) Claim(context.Context, string, string, string, meta.VerifyMethod) (string, error) {
	return f.claimID, nil
}

func (f *fakePhones) Confirm(context.Context, string, string, string) error {
	return f.confirmErr
}

type fakeAudits struct {
	records []audit.Record
}

func (f *fakeAudits) ListByTenant(context.Context, string, int) ([]audit.Record, error) {
	return f.records, nil
}

func newHandlerFixture() (*fixture, *Handler) {
	f := newFixture()
	h := NewHandler(f.service, &fakePhones{claimID: "p-new"}, &fakeAudits{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f, h
}

func TestHandleConnectReturnsDialogURL(t *testing.T) {
	_, h := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/connect?tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !strings.Contains(body["url"], "state=") {
		t.Errorf("url = %q, want a state parameter", body["url"])
	}
}

func TestHandleConnectRequiresTenant(t *testing.T) {
	_, h := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/connect", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCallbackRejectsForgedState(t *testing.T) {
	_, h := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state=forged.token", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandleCallbackJSONResponse(t *testing.T) {
	f, h := newHandlerFixture()
	f.resolver.discover = resolve.Result{Found: true, WABAID: "waba-1"}
	f.graph.phoneNumbers = []meta.PhoneNumber{{ID: "p1", DisplayNumber: "+1555", VerifiedName: "V"}}

	state := f.signedState("t1")
	req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != string(StatusActive) || body["tenant_id"] != "t1" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleCallbackPopupRendersHTML(t *testing.T) {
	f, h := newHandlerFixture()
	f.resolver.discover = resolve.Result{Found: true, WABAID: "waba-1"}
	f.graph.phoneNumbers = []meta.PhoneNumber{{ID: "p1", DisplayNumber: "+1555", VerifiedName: "V"}}

	state := f.codec.Sign(statecodec.NewState("t1", "popup"))
	req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q, want html for popup flow", ct)
	}
	if !strings.Contains(rec.Body.String(), "window.close()") {
		t.Error("popup response must close itself")
	}
}

func TestHandleClaimPhoneValidation(t *testing.T) {
	_, h := newHandlerFixture()

	req := httptest.NewRequest(http.MethodPost, "/phone/claim", strings.NewReader(`{"tenant_id": "t1"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for missing fields", rec.Code)
	}
}

func TestHandleClaimPhone(t *testing.T) {
	_, h := newHandlerFixture()

	body := `{"tenant_id": "t1", "country_code": "1", "number": "5550001111", "method": "SMS"}`
	req := httptest.NewRequest(http.MethodPost, "/phone/claim", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "p-new") {
		t.Errorf("body = %s, want the new phone number id", rec.Body.String())
	}
}

func TestHandleVerifyPhoneRejected(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.service, &fakePhones{confirmErr: errMock}, &fakeAudits{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	body := `{"tenant_id": "t1", "phone_number_id": "p1", "code": "000000"}`
	req := httptest.NewRequest(http.MethodPost, "/phone/verify", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandleAuditEmptyList(t *testing.T) {
	_, h := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/audit?tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("body = %s, want an empty array", rec.Body.String())
	}
}
