// Package ledger is the raw WhatsApp read-model: conversations and messages
// as the platform delivered them, payloads kept verbatim for replay and
// debugging. The unified inbox projection lives in pkg/inbox.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dinerly/chatwire/internal/db"
)

// Conversation mirrors one WhatsApp conversation thread.
type Conversation struct {
	ID            string    `json:"id"` // shared derivation with the inbox projection
	TenantID      string    `json:"tenant_id"`
	ContactPhone  string    `json:"contact_phone"`
	PhoneNumberID string    `json:"phone_number_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is one delivered WhatsApp message with its raw payload.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Direction      string          `json:"direction"`
	MessageType    string          `json:"message_type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store persists the raw WhatsApp projection.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// UpsertConversation creates or touches the thread, advancing last_message_at.
// The id is computed by the caller so both projections agree on it.
func (s *Store) UpsertConversation(ctx context.Context, id, tenantID, contactPhone, phoneNumberID string, at time.Time) error {
	query := `INSERT INTO wa_conversations (id, tenant_id, contact_phone, phone_number_id, last_message_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_message_at = GREATEST(EXCLUDED.last_message_at, wa_conversations.last_message_at)`
	if _, err := s.dbtx.Exec(ctx, query, id, tenantID, contactPhone, phoneNumberID, at); err != nil {
		return fmt.Errorf("upserting ledger conversation: %w", err)
	}
	return nil
}

// InsertMessageParams describe one raw message to record.
type InsertMessageParams struct {
	TenantID       string
	MessageID      string
	ConversationID string
	Direction      string
	MessageType    string
	Status         string
	Payload        []byte
	SentAt         time.Time
}

// InsertMessage records one message. inserted=false means the message id was
// already in the ledger for this tenant and the write was skipped.
func (s *Store) InsertMessage(ctx context.Context, p InsertMessageParams) (inserted bool, err error) {
	query := `INSERT INTO wa_messages
			(tenant_id, message_id, conversation_id, direction, message_type, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, message_id) DO NOTHING`
	tag, err := s.dbtx.Exec(ctx, query,
		p.TenantID, p.MessageID, p.ConversationID, p.Direction, p.MessageType, p.Status, p.Payload, p.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting ledger message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateMessageStatus applies a delivery-status transition. Unknown message
// ids are tolerated; receipts can outrun the message they describe.
func (s *Store) UpdateMessageStatus(ctx context.Context, tenantID, messageID, status string) (bool, error) {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE wa_messages SET status = $3 WHERE tenant_id = $1 AND message_id = $2`,
		tenantID, messageID, status,
	)
	if err != nil {
		return false, fmt.Errorf("updating ledger message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMessages returns a conversation's raw messages newest-first.
func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT id, tenant_id, message_id, conversation_id, direction, message_type, status, payload, created_at
		FROM wa_messages
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		tenantID, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing ledger messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.TenantID, &m.MessageID, &m.ConversationID, &m.Direction,
			&m.MessageType, &m.Status, &m.Payload, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning ledger message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
