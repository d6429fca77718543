package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialStore persists OAuth credential rows.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// NonceSeen reports whether a callback nonce has already been recorded for
// the tenant. A seen nonce marks the callback as a duplicate delivery.
func (c *CredentialStore) NonceSeen(ctx context.Context, tenantID, nonce string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_credentials WHERE tenant_id = $1 AND nonce = $2)`,
		tenantID, nonce,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking nonce: %w", err)
	}
	return exists, nil
}

// InsertParams holds the fields for a new credential row.
type InsertParams struct {
	Provider    string
	TenantID    string
	BusinessID  string
	AccessToken string
	TokenType   string
	ExpiresAt   *time.Time
	Scopes      []string
	Nonce       string
}

// Insert stores a new active credential and deactivates any previously
// active rows for the tenant in the same transaction, so "most recent
// active wins" holds as an invariant rather than a convention.
func (c *CredentialStore) Insert(ctx context.Context, p InsertParams) (Credential, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("beginning credential tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE oauth_credentials SET active = false WHERE tenant_id = $1 AND active`,
		p.TenantID,
	); err != nil {
		return Credential{}, fmt.Errorf("deactivating prior credentials: %w", err)
	}

	var cred Credential
	err = tx.QueryRow(ctx,
		`INSERT INTO oauth_credentials
			(provider, tenant_id, business_id, access_token, token_type, expires_at, scopes, active, nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)
		RETURNING id, provider, tenant_id, business_id, access_token, token_type, expires_at, scopes, active, nonce, created_at`,
		p.Provider, p.TenantID, p.BusinessID, p.AccessToken, p.TokenType, p.ExpiresAt, p.Scopes, p.Nonce,
	).Scan(
		&cred.ID, &cred.Provider, &cred.TenantID, &cred.BusinessID, &cred.AccessToken,
		&cred.TokenType, &cred.ExpiresAt, &cred.Scopes, &cred.Active, &cred.Nonce, &cred.CreatedAt,
	)
	if err != nil {
		return Credential{}, fmt.Errorf("inserting credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Credential{}, fmt.Errorf("committing credential tx: %w", err)
	}
	return cred, nil
}

// ActiveForTenant returns the most recent active credential for a tenant.
func (c *CredentialStore) ActiveForTenant(ctx context.Context, tenantID string) (Credential, error) {
	var cred Credential
	err := c.pool.QueryRow(ctx,
		`SELECT id, provider, tenant_id, business_id, access_token, token_type, expires_at, scopes, active, nonce, created_at
		FROM oauth_credentials
		WHERE tenant_id = $1 AND active
		ORDER BY created_at DESC LIMIT 1`,
		tenantID,
	).Scan(
		&cred.ID, &cred.Provider, &cred.TenantID, &cred.BusinessID, &cred.AccessToken,
		&cred.TokenType, &cred.ExpiresAt, &cred.Scopes, &cred.Active, &cred.Nonce, &cred.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotConnected
		}
		return Credential{}, fmt.Errorf("getting active credential: %w", err)
	}
	return cred, nil
}
