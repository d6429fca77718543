// Package statecodec signs and verifies the CSRF-protection payload carried
// through the OAuth redirect. The token is base64url(JSON payload) + "." +
// base64url(HMAC-SHA256 signature).
package statecodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidState is returned for any token that fails verification:
// malformed encoding, bad signature, or unparseable payload. Callers never
// see the underlying parse error.
var ErrInvalidState = errors.New("invalid state token")

// ErrStateExpired is returned by VerifyWithin when the payload is older than
// the allowed age.
var ErrStateExpired = errors.New("state token expired")

// State is the transient payload carried through the OAuth redirect.
// It is never persisted; the nonce is recorded on the credential row to
// detect replayed callbacks.
type State struct {
	TenantID string    `json:"tenant_id"`
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
	Display  string    `json:"display,omitempty"` // "popup" selects the auto-closing HTML response
}

// Codec signs and verifies State payloads with a server-held secret.
type Codec struct {
	secret []byte
}

// New creates a Codec from the server secret.
func New(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// NewState builds a fresh State for a tenant with a random nonce.
func NewState(tenantID, display string) State {
	return State{
		TenantID: tenantID,
		Nonce:    uuid.New().String(),
		IssuedAt: time.Now().UTC(),
		Display:  display,
	}
}

// Sign encodes and signs a State payload.
func (c *Codec) Sign(s State) string {
	payload, _ := json.Marshal(s)
	sig := c.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks the token signature and decodes the payload. Any failure
// yields ErrInvalidState.
func (c *Codec) Verify(token string) (State, error) {
	payloadSeg, sigSeg, ok := strings.Cut(token, ".")
	if !ok {
		return State{}, ErrInvalidState
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadSeg)
	if err != nil {
		return State{}, ErrInvalidState
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return State{}, ErrInvalidState
	}

	if !hmac.Equal(sig, c.sign(payload)) {
		return State{}, ErrInvalidState
	}

	var s State
	if err := json.Unmarshal(payload, &s); err != nil {
		return State{}, ErrInvalidState
	}
	return s, nil
}

// VerifyWithin verifies the token and additionally rejects payloads issued
// more than maxAge ago.
func (c *Codec) VerifyWithin(token string, maxAge time.Duration) (State, error) {
	s, err := c.Verify(token)
	if err != nil {
		return State{}, err
	}
	if time.Since(s.IssuedAt) > maxAge {
		return State{}, ErrStateExpired
	}
	return s, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
