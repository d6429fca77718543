// Package seed populates a development database with a demo tenant whose
// WhatsApp connection is already active, plus a small conversation in both
// read-models.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinerly/chatwire/pkg/inbox"
	"github.com/dinerly/chatwire/pkg/integration"
	"github.com/dinerly/chatwire/pkg/ledger"
)

const (
	// DemoTenantID is the tenant provisioned by the seed command.
	DemoTenantID = "demo-trattoria"

	demoPhoneNumberID = "seed-phone-1"
	demoDisplayPhone  = "+15550009000"
	demoContactPhone  = "+15550001234"
)

// Run inserts the demo data. It is idempotent: the integration row upserts
// and the message inserts collapse to no-ops on re-run.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	states := integration.NewStateStore(pool)
	if _, err := states.Upsert(ctx, integration.UpsertParams{
		TenantID:           DemoTenantID,
		Status:             integration.StatusActive,
		WABAID:             "seed-waba-1",
		PhoneNumberID:      demoPhoneNumberID,
		DisplayPhoneNumber: demoDisplayPhone,
		AccessToken:        "seed-token-not-valid",
		Provenance:         "owned_wabas",
	}); err != nil {
		return fmt.Errorf("seeding integration state: %w", err)
	}
	if err := states.CachePhoneNumbers(ctx, DemoTenantID, []integration.PhoneNumber{
		{ID: demoPhoneNumberID, DisplayNumber: demoDisplayPhone, Verified: true},
	}); err != nil {
		return fmt.Errorf("seeding phone cache: %w", err)
	}

	conversationID := inbox.ConversationID(DemoTenantID, demoContactPhone)
	now := time.Now().UTC()

	messages := []struct {
		id        string
		direction inbox.Direction
		content   string
		at        time.Time
	}{
		{"seed-msg-1", inbox.DirectionInbound, "Hi, do you have a table for four tonight?", now.Add(-30 * time.Minute)},
		{"seed-msg-2", inbox.DirectionOutbound, "We do! 7pm or 9pm?", now.Add(-28 * time.Minute)},
		{"seed-msg-3", inbox.DirectionInbound, "7pm works, thanks!", now.Add(-25 * time.Minute)},
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning seed tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inboxStore := inbox.NewStore(tx)
	ledgerStore := ledger.NewStore(tx)

	for _, m := range messages {
		if _, err := inboxStore.UpsertContact(ctx, inbox.UpsertContactParams{
			TenantID:        DemoTenantID,
			Phone:           demoContactPhone,
			Name:            "Sofia",
			IncrementUnread: m.direction == inbox.DirectionInbound,
			ActiveAt:        m.at,
		}); err != nil {
			return fmt.Errorf("seeding contact: %w", err)
		}
		if _, err := inboxStore.UpsertConversation(ctx, DemoTenantID, demoContactPhone, demoPhoneNumberID, m.at); err != nil {
			return fmt.Errorf("seeding conversation: %w", err)
		}

		payload, _ := json.Marshal(map[string]string{"type": "text", "body": m.content})

		if _, err := inboxStore.InsertMessage(ctx, inbox.InsertMessageParams{
			TenantID:       DemoTenantID,
			MessageID:      m.id,
			ConversationID: conversationID,
			Direction:      m.direction,
			PhoneNumberID:  demoPhoneNumberID,
			Content:        m.content,
			ContentType:    "text",
			Status:         inbox.StatusDelivered,
			Metadata:       payload,
			SentAt:         m.at,
		}); err != nil {
			return fmt.Errorf("seeding inbox message %s: %w", m.id, err)
		}

		if err := ledgerStore.UpsertConversation(ctx, conversationID, DemoTenantID, demoContactPhone, demoPhoneNumberID, m.at); err != nil {
			return fmt.Errorf("seeding ledger conversation: %w", err)
		}
		if _, err := ledgerStore.InsertMessage(ctx, ledger.InsertMessageParams{
			TenantID:       DemoTenantID,
			MessageID:      m.id,
			ConversationID: conversationID,
			Direction:      string(m.direction),
			MessageType:    "text",
			Status:         inbox.StatusDelivered,
			Payload:        payload,
			SentAt:         m.at,
		}); err != nil {
			return fmt.Errorf("seeding ledger message %s: %w", m.id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing seed tx: %w", err)
	}

	logger.Info("seed complete",
		"tenant_id", DemoTenantID,
		"conversation_id", conversationID,
		"messages", len(messages),
	)
	return nil
}
