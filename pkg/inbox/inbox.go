// Package inbox is the unified inbox read-model: the cross-channel
// contact/conversation/message projection shared with other messaging
// channels, as distinct from the raw WhatsApp ledger.
package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationID derives the deterministic conversation identifier from the
// tenant and counterpart phone number, so inbound and outbound flows always
// converge on the same record. Consumers key off this convention; do not
// change the derivation.
func ConversationID(tenantID, phone string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + phone))
	return hex.EncodeToString(sum[:16])
}

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Delivery status values for a message.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Contact is one counterpart per (tenant, phone number). Never hard-deleted
// by the ingestion pipeline.
type Contact struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Phone        string    `json:"phone"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastActiveAt time.Time `json:"last_active_at"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conversation groups messages with one contact.
type Conversation struct {
	ID            string    `json:"id"` // deterministic, see ConversationID
	TenantID      string    `json:"tenant_id"`
	ContactPhone  string    `json:"contact_phone"`
	Status        string    `json:"status"` // open or closed
	PhoneNumberID string    `json:"phone_number_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is one row per externally-assigned message id. The
// (tenant_id, message_id) uniqueness constraint is the deduplication guard
// for at-least-once webhook delivery.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Direction      Direction       `json:"direction"`
	PhoneNumberID  string          `json:"phone_number_id"`
	Content        string          `json:"content"`
	ContentType    string          `json:"content_type"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}
