package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dinerly/chatwire/internal/db"
)

// Record is a persisted audit log row.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Step      string          `json:"step"`
	Strategy  string          `json:"strategy,omitempty"`
	Success   bool            `json:"success"`
	Error     *string         `json:"error,omitempty"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store provides read access to the audit log.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an audit Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// ListByTenant returns a tenant's audit entries, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	const query = `SELECT id, tenant_id, step, strategy, success, error, detail, created_at
	FROM audit_log WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := s.dbtx.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Step, &r.Strategy, &r.Success, &r.Error, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return items, nil
}
