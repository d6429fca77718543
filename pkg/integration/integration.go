// Package integration owns the per-tenant WhatsApp connection record, the
// persisted OAuth credentials, and the connect/callback/disconnect flow.
package integration

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tenant's WhatsApp connection.
type Status string

const (
	StatusDisconnected     Status = "disconnected"
	StatusPending          Status = "pending"           // callback received, resolution in progress
	StatusProvisioning     Status = "provisioning"      // WABA created, waiting for it to become discoverable
	StatusAwaitingCreation Status = "awaiting_creation" // all creation strategies failed, manual follow-up
	StatusUnclaimed        Status = "unclaimed"         // WABA found but no verified phone number
	StatusActive           Status = "active"
	StatusFailed           Status = "failed"
)

// PhoneNumber is the cached classification of a WABA phone number.
type PhoneNumber struct {
	ID            string `json:"id"`
	DisplayNumber string `json:"display_number"`
	Verified      bool   `json:"verified"`
}

// State is the single per-tenant connection record.
type State struct {
	ID                 uuid.UUID     `json:"id"`
	TenantID           string        `json:"tenant_id"`
	WABAID             string        `json:"waba_id"`
	PhoneNumberID      string        `json:"phone_number_id"`
	DisplayPhoneNumber string        `json:"display_phone_number"`
	Status             Status        `json:"status"`
	AccessToken        string        `json:"-"`
	TokenExpiresAt     *time.Time    `json:"token_expires_at,omitempty"`
	PhoneNumbers       []PhoneNumber `json:"phone_numbers"` // cached list, refreshed on live reads
	Provenance         string        `json:"provenance,omitempty"` // resolution strategy that produced the WABA
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Credential is one persisted OAuth credential row. Multiple historical rows
// may exist per tenant; only the most recent active row is authoritative, and
// issuing a new one deactivates the others.
type Credential struct {
	ID          uuid.UUID
	Provider    string
	TenantID    string
	BusinessID  string
	AccessToken string
	TokenType   string
	ExpiresAt   *time.Time
	Scopes      []string
	Active      bool
	Nonce       string
	CreatedAt   time.Time
}
