package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinerly/chatwire/internal/db"
)

// ErrNotConnected is returned when a tenant has no integration state row.
var ErrNotConnected = errors.New("tenant not connected")

const stateColumns = `id, tenant_id, waba_id, phone_number_id, display_phone_number,
	status, access_token, token_expires_at, phone_numbers, provenance, created_at, updated_at`

// StateStore persists the per-tenant IntegrationState row.
type StateStore struct {
	dbtx db.DBTX
}

// NewStateStore creates a StateStore backed by the given connection.
func NewStateStore(dbtx db.DBTX) *StateStore {
	return &StateStore{dbtx: dbtx}
}

func scanState(row pgx.Row) (State, error) {
	var s State
	var phones []byte
	err := row.Scan(
		&s.ID, &s.TenantID, &s.WABAID, &s.PhoneNumberID, &s.DisplayPhoneNumber,
		&s.Status, &s.AccessToken, &s.TokenExpiresAt, &phones, &s.Provenance,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return State{}, err
	}
	if len(phones) > 0 {
		if err := json.Unmarshal(phones, &s.PhoneNumbers); err != nil {
			return State{}, fmt.Errorf("decoding cached phone numbers: %w", err)
		}
	}
	return s, nil
}

// Get returns a tenant's integration state, or ErrNotConnected.
func (s *StateStore) Get(ctx context.Context, tenantID string) (State, error) {
	query := `SELECT ` + stateColumns + ` FROM integration_states WHERE tenant_id = $1`
	st, err := scanState(s.dbtx.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotConnected
		}
		return State{}, fmt.Errorf("getting integration state: %w", err)
	}
	return st, nil
}

// GetByPhoneNumberID resolves the tenant that owns a phone-number identity.
// Used by the webhook pipeline to route inbound events.
func (s *StateStore) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (State, error) {
	query := `SELECT ` + stateColumns + ` FROM integration_states WHERE phone_number_id = $1`
	st, err := scanState(s.dbtx.QueryRow(ctx, query, phoneNumberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotConnected
		}
		return State{}, fmt.Errorf("getting integration state by phone number: %w", err)
	}
	return st, nil
}

// GetByWABAID resolves the tenant that owns a WABA. Used for WABA-scoped
// webhook events like account updates and template reviews.
func (s *StateStore) GetByWABAID(ctx context.Context, wabaID string) (State, error) {
	query := `SELECT ` + stateColumns + ` FROM integration_states WHERE waba_id = $1`
	st, err := scanState(s.dbtx.QueryRow(ctx, query, wabaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotConnected
		}
		return State{}, fmt.Errorf("getting integration state by waba: %w", err)
	}
	return st, nil
}

// UpsertParams holds the fields written by Upsert. Zero-valued string fields
// are preserved on conflict via COALESCE/NULLIF so pipeline stages can write
// only what they know.
type UpsertParams struct {
	TenantID           string
	Status             Status
	WABAID             string
	PhoneNumberID      string
	DisplayPhoneNumber string
	AccessToken        string
	Provenance         string
}

// Upsert creates or updates the single row for a tenant. At most one
// IntegrationState exists per tenant; the unique constraint on tenant_id
// makes repeated pipeline runs idempotent.
func (s *StateStore) Upsert(ctx context.Context, p UpsertParams) (State, error) {
	query := `INSERT INTO integration_states
		(tenant_id, status, waba_id, phone_number_id, display_phone_number, access_token, provenance)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (tenant_id) DO UPDATE SET
		status = EXCLUDED.status,
		waba_id = COALESCE(NULLIF(EXCLUDED.waba_id, ''), integration_states.waba_id),
		phone_number_id = COALESCE(NULLIF(EXCLUDED.phone_number_id, ''), integration_states.phone_number_id),
		display_phone_number = COALESCE(NULLIF(EXCLUDED.display_phone_number, ''), integration_states.display_phone_number),
		access_token = COALESCE(NULLIF(EXCLUDED.access_token, ''), integration_states.access_token),
		provenance = COALESCE(NULLIF(EXCLUDED.provenance, ''), integration_states.provenance),
		updated_at = now()
	RETURNING ` + stateColumns
	st, err := scanState(s.dbtx.QueryRow(ctx, query,
		p.TenantID, p.Status, p.WABAID, p.PhoneNumberID, p.DisplayPhoneNumber, p.AccessToken, p.Provenance,
	))
	if err != nil {
		return State{}, fmt.Errorf("upserting integration state: %w", err)
	}
	return st, nil
}

// SetStatus updates only the connection status.
func (s *StateStore) SetStatus(ctx context.Context, tenantID string, status Status) error {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE integration_states SET status = $2, updated_at = now() WHERE tenant_id = $1`,
		tenantID, status,
	)
	if err != nil {
		return fmt.Errorf("setting integration status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConnected
	}
	return nil
}

// SetPrimaryPhone records the selected primary number and new status.
func (s *StateStore) SetPrimaryPhone(ctx context.Context, tenantID, phoneNumberID, displayNumber string, status Status) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE integration_states
		SET phone_number_id = $2, display_phone_number = $3, status = $4, updated_at = now()
		WHERE tenant_id = $1`,
		tenantID, phoneNumberID, displayNumber, status,
	)
	if err != nil {
		return fmt.Errorf("setting primary phone: %w", err)
	}
	return nil
}

// CachePhoneNumbers stores the latest classified phone-number list.
// Failures here must not fail the read that triggered the refresh.
func (s *StateStore) CachePhoneNumbers(ctx context.Context, tenantID string, numbers []PhoneNumber) error {
	raw, err := json.Marshal(numbers)
	if err != nil {
		return fmt.Errorf("encoding phone numbers: %w", err)
	}
	_, err = s.dbtx.Exec(ctx,
		`UPDATE integration_states SET phone_numbers = $2, updated_at = now() WHERE tenant_id = $1`,
		tenantID, raw,
	)
	if err != nil {
		return fmt.Errorf("caching phone numbers: %w", err)
	}
	return nil
}

// Disconnect removes the tenant's credentials and state row, in that order.
// Contact/conversation/message history is deliberately left in place.
func Disconnect(ctx context.Context, pool *pgxpool.Pool, tenantID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning disconnect tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM oauth_credentials WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM integration_states WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("deleting integration state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConnected
	}

	return tx.Commit(ctx)
}
