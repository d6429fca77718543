package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dinerly/chatwire/internal/db"
	"github.com/dinerly/chatwire/internal/httpserver"
)

// Store persists the unified inbox projection. All writes are designed to be
// idempotent so the ingestion pipeline can replay deliveries safely.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// UpsertContactParams are the fields the ingestion pipeline knows per message.
type UpsertContactParams struct {
	TenantID string
	Phone    string
	Name     string
	// IncrementUnread is set for inbound messages only.
	IncrementUnread bool
	ActiveAt        time.Time
}

// UpsertContact creates the contact on first sight and refreshes its profile
// name, activity timestamp and unread counter on every subsequent message.
// A missing name never clobbers a previously known one.
func (s *Store) UpsertContact(ctx context.Context, p UpsertContactParams) (Contact, error) {
	increment := 0
	if p.IncrementUnread {
		increment = 1
	}
	query := `INSERT INTO contacts (tenant_id, phone, name, status, last_active_at, unread_count)
		VALUES ($1, $2, $3, 'active', $4, $5)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			last_active_at = GREATEST(EXCLUDED.last_active_at, contacts.last_active_at),
			unread_count = contacts.unread_count + $5
		RETURNING id, tenant_id, phone, name, status, last_active_at, unread_count, created_at`
	var c Contact
	err := s.dbtx.QueryRow(ctx, query, p.TenantID, p.Phone, p.Name, p.ActiveAt, increment).Scan(
		&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.Status, &c.LastActiveAt, &c.UnreadCount, &c.CreatedAt,
	)
	if err != nil {
		return Contact{}, fmt.Errorf("upserting contact: %w", err)
	}
	return c, nil
}

// UpsertConversation creates or touches the conversation keyed by its
// deterministic id, advancing last_message_at monotonically.
func (s *Store) UpsertConversation(ctx context.Context, tenantID, contactPhone, phoneNumberID string, at time.Time) (string, error) {
	id := ConversationID(tenantID, contactPhone)
	query := `INSERT INTO conversations (id, tenant_id, contact_phone, status, phone_number_id, last_message_at)
		VALUES ($1, $2, $3, 'open', $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_message_at = GREATEST(EXCLUDED.last_message_at, conversations.last_message_at),
			phone_number_id = COALESCE(NULLIF(EXCLUDED.phone_number_id, ''), conversations.phone_number_id)`
	if _, err := s.dbtx.Exec(ctx, query, id, tenantID, contactPhone, phoneNumberID, at); err != nil {
		return "", fmt.Errorf("upserting conversation: %w", err)
	}
	return id, nil
}

// InsertMessageParams describe one message to project into the inbox.
type InsertMessageParams struct {
	TenantID       string
	MessageID      string
	ConversationID string
	Direction      Direction
	PhoneNumberID  string
	Content        string
	ContentType    string
	Status         string
	Metadata       []byte
	SentAt         time.Time
}

// InsertMessage writes one message row. inserted=false means the external
// message id was already recorded for this tenant and the row was skipped,
// which is how redelivered webhook events collapse to a no-op.
func (s *Store) InsertMessage(ctx context.Context, p InsertMessageParams) (inserted bool, err error) {
	query := `INSERT INTO inbox_messages
			(tenant_id, message_id, conversation_id, direction, phone_number_id, content, content_type, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, message_id) DO NOTHING`
	tag, err := s.dbtx.Exec(ctx, query,
		p.TenantID, p.MessageID, p.ConversationID, p.Direction, p.PhoneNumberID,
		p.Content, p.ContentType, p.Status, p.Metadata, p.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting inbox message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateMessageStatus applies a delivery-status transition to an existing
// message. A status for an unknown message id is not an error; receipts can
// arrive before the message itself was ever seen.
func (s *Store) UpdateMessageStatus(ctx context.Context, tenantID, messageID, status string) (bool, error) {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE inbox_messages SET status = $3 WHERE tenant_id = $1 AND message_id = $2`,
		tenantID, messageID, status,
	)
	if err != nil {
		return false, fmt.Errorf("updating message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkConversationRead zeroes the unread counter for the conversation's contact.
func (s *Store) MarkConversationRead(ctx context.Context, tenantID, conversationID string) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE contacts SET unread_count = 0
		WHERE tenant_id = $1
		  AND phone = (SELECT contact_phone FROM conversations WHERE id = $2 AND tenant_id = $1)`,
		tenantID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	return nil
}

// ConversationSummary is a conversation joined with its contact for list views.
type ConversationSummary struct {
	Conversation
	ContactName string `json:"contact_name"`
	UnreadCount int    `json:"unread_count"`
}

// ListConversations returns a tenant's conversations ordered by recency,
// with the total for offset pagination.
func (s *Store) ListConversations(ctx context.Context, tenantID string, params httpserver.OffsetParams) ([]ConversationSummary, int, error) {
	var total int
	if err := s.dbtx.QueryRow(ctx,
		`SELECT count(*) FROM conversations WHERE tenant_id = $1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	rows, err := s.dbtx.Query(ctx,
		`SELECT c.id, c.tenant_id, c.contact_phone, c.status, c.phone_number_id,
			c.last_message_at, c.created_at, ct.name, ct.unread_count
		FROM conversations c
		JOIN contacts ct ON ct.tenant_id = c.tenant_id AND ct.phone = c.contact_phone
		WHERE c.tenant_id = $1
		ORDER BY c.last_message_at DESC
		LIMIT $2 OFFSET $3`,
		tenantID, params.PageSize, params.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(
			&cs.ID, &cs.TenantID, &cs.ContactPhone, &cs.Status, &cs.PhoneNumberID,
			&cs.LastMessageAt, &cs.CreatedAt, &cs.ContactName, &cs.UnreadCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, cs)
	}
	return out, total, rows.Err()
}

const messageColumns = `id, tenant_id, message_id, conversation_id, direction,
	phone_number_id, content, content_type, status, metadata, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.TenantID, &m.MessageID, &m.ConversationID, &m.Direction,
		&m.PhoneNumberID, &m.Content, &m.ContentType, &m.Status, &m.Metadata, &m.CreatedAt,
	)
	return m, err
}

// ListMessages returns one conversation's messages newest-first using keyset
// pagination. Fetches limit+1 rows so the caller can build the next cursor.
func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, params httpserver.CursorParams) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM inbox_messages
		WHERE tenant_id = $1 AND conversation_id = $2`
	args := []any{tenantID, conversationID}

	if params.After != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, params.After.CreatedAt, params.After.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, params.Limit+1)

	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage fetches a single message by its external id.
func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (Message, error) {
	m, err := scanMessage(s.dbtx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM inbox_messages WHERE tenant_id = $1 AND message_id = $2`,
		tenantID, messageID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, fmt.Errorf("message %s: %w", messageID, pgx.ErrNoRows)
		}
		return Message{}, fmt.Errorf("getting message: %w", err)
	}
	return m, nil
}

// MessageCursor extracts the keyset cursor from a message, for page envelopes.
func MessageCursor(m Message) httpserver.Cursor {
	return httpserver.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}
