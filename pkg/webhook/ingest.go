package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinerly/chatwire/internal/telemetry"
	"github.com/dinerly/chatwire/pkg/inbox"
	"github.com/dinerly/chatwire/pkg/integration"
	"github.com/dinerly/chatwire/pkg/ledger"
)

// stateDirectory is the slice of the integration state store used to route
// events to tenants.
type stateDirectory interface {
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (integration.State, error)
	GetByWABAID(ctx context.Context, wabaID string) (integration.State, error)
	SetStatus(ctx context.Context, tenantID string, status integration.Status) error
}

// Ingestor turns decoded webhook events into writes against both read-models.
// Each message is one transactional unit of work; a failure in one message
// never stops the rest of the batch.
type Ingestor struct {
	pool   *pgxpool.Pool
	states stateDirectory
	seen   *SeenCache
	logger *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(pool *pgxpool.Pool, states stateDirectory, seen *SeenCache, logger *slog.Logger) *Ingestor {
	return &Ingestor{pool: pool, states: states, seen: seen, logger: logger}
}

// Process walks a delivery payload and applies every change it can route.
// Unknown fields and unknown tenants are logged and skipped; Process never
// returns an error because the delivery has already been acknowledged.
func (i *Ingestor) Process(ctx context.Context, payload DeliveryPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			telemetry.WebhookEventsTotal.WithLabelValues(change.Field).Inc()

			events, err := ParseChange(change)
			if err != nil {
				if errors.Is(err, ErrUnknownField) {
					i.logger.Info("skipping unhandled webhook field", "field", change.Field)
				} else {
					i.logger.Error("parsing webhook change", "error", err, "field", change.Field)
				}
				continue
			}

			for _, ev := range events {
				switch e := ev.(type) {
				case MessagesEvent:
					i.ingestMessages(ctx, e)
				case StatusesEvent:
					i.applyStatuses(ctx, e)
				case TemplateStatusEvent:
					i.applyTemplateStatus(ctx, entry.ID, e)
				case AccountUpdateEvent:
					i.applyAccountUpdate(ctx, entry.ID, e)
				}
			}
		}
	}
}

// ingestMessages routes inbound messages by the receiving phone number and
// writes each one to both projections.
func (i *Ingestor) ingestMessages(ctx context.Context, ev MessagesEvent) {
	state, err := i.states.GetByPhoneNumberID(ctx, ev.Metadata.PhoneNumberID)
	if err != nil {
		if errors.Is(err, integration.ErrNotConnected) {
			i.logger.Warn("webhook for unknown phone number, skipping",
				"phone_number_id", ev.Metadata.PhoneNumberID)
			return
		}
		i.logger.Error("resolving tenant for webhook", "error", err,
			"phone_number_id", ev.Metadata.PhoneNumberID)
		return
	}

	for _, msg := range ev.Messages {
		if i.seen != nil && i.seen.Seen(ctx, state.TenantID, msg.ID) {
			telemetry.DuplicateMessagesTotal.Inc()
			continue
		}

		inserted, err := i.ingestMessage(ctx, state.TenantID, ev, msg)
		if err != nil {
			i.logger.Error("ingesting message", "error", err,
				"tenant_id", state.TenantID, "message_id", msg.ID)
			continue
		}
		if !inserted {
			telemetry.DuplicateMessagesTotal.Inc()
			continue
		}
		telemetry.MessagesIngestedTotal.WithLabelValues(string(inbox.DirectionInbound)).Inc()
		if i.seen != nil {
			i.seen.Record(ctx, state.TenantID, msg.ID)
		}
	}
}

// ingestMessage writes one message to both projections in a single
// transaction: either both read-models see it or neither does. Returns
// inserted=false when the message id was already stored.
func (i *Ingestor) ingestMessage(ctx context.Context, tenantID string, ev MessagesEvent, msg InboundMessage) (bool, error) {
	sentAt := eventTime(msg.Timestamp)
	phone := normalizePhone(msg.From)
	conversationID := inbox.ConversationID(tenantID, phone)

	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning ingest tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inboxStore := inbox.NewStore(tx)
	ledgerStore := ledger.NewStore(tx)

	if _, err := inboxStore.UpsertContact(ctx, inbox.UpsertContactParams{
		TenantID:        tenantID,
		Phone:           phone,
		Name:            senderName(ev.Contacts, msg.From),
		IncrementUnread: true,
		ActiveAt:        sentAt,
	}); err != nil {
		return false, err
	}

	if _, err := inboxStore.UpsertConversation(ctx, tenantID, phone, ev.Metadata.PhoneNumberID, sentAt); err != nil {
		return false, err
	}

	content := ""
	if msg.Text != nil {
		content = msg.Text.Body
	}
	inserted, err := inboxStore.InsertMessage(ctx, inbox.InsertMessageParams{
		TenantID:       tenantID,
		MessageID:      msg.ID,
		ConversationID: conversationID,
		Direction:      inbox.DirectionInbound,
		PhoneNumberID:  ev.Metadata.PhoneNumberID,
		Content:        content,
		ContentType:    msg.Type,
		Status:         inbox.StatusDelivered,
		Metadata:       msg.Raw,
		SentAt:         sentAt,
	})
	if err != nil {
		return false, err
	}

	if err := ledgerStore.UpsertConversation(ctx, conversationID, tenantID, phone, ev.Metadata.PhoneNumberID, sentAt); err != nil {
		return false, err
	}
	if _, err := ledgerStore.InsertMessage(ctx, ledger.InsertMessageParams{
		TenantID:       tenantID,
		MessageID:      msg.ID,
		ConversationID: conversationID,
		Direction:      string(inbox.DirectionInbound),
		MessageType:    msg.Type,
		Status:         inbox.StatusDelivered,
		Payload:        msg.Raw,
		SentAt:         sentAt,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing ingest tx: %w", err)
	}
	return inserted, nil
}

// applyStatuses updates delivery status in both projections. A receipt for a
// message id we never stored is a no-op.
func (i *Ingestor) applyStatuses(ctx context.Context, ev StatusesEvent) {
	state, err := i.states.GetByPhoneNumberID(ctx, ev.Metadata.PhoneNumberID)
	if err != nil {
		if errors.Is(err, integration.ErrNotConnected) {
			i.logger.Warn("status update for unknown phone number, skipping",
				"phone_number_id", ev.Metadata.PhoneNumberID)
			return
		}
		i.logger.Error("resolving tenant for status update", "error", err,
			"phone_number_id", ev.Metadata.PhoneNumberID)
		return
	}

	for _, st := range ev.Statuses {
		tx, err := i.pool.Begin(ctx)
		if err != nil {
			i.logger.Error("beginning status tx", "error", err)
			return
		}
		matchedInbox, err := inbox.NewStore(tx).UpdateMessageStatus(ctx, state.TenantID, st.ID, st.Status)
		if err == nil {
			_, err = ledger.NewStore(tx).UpdateMessageStatus(ctx, state.TenantID, st.ID, st.Status)
		}
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			tx.Rollback(ctx)
			i.logger.Error("applying status update", "error", err,
				"tenant_id", state.TenantID, "message_id", st.ID)
			continue
		}
		if !matchedInbox {
			i.logger.Info("status for unknown message id", "message_id", st.ID, "status", st.Status)
		}
	}
}

// applyTemplateStatus logs template review outcomes for the owning tenant.
// There is no template store; the event is observability only.
func (i *Ingestor) applyTemplateStatus(ctx context.Context, wabaID string, ev TemplateStatusEvent) {
	state, err := i.states.GetByWABAID(ctx, wabaID)
	if err != nil {
		i.logger.Warn("template status for unknown waba", "waba_id", wabaID, "event", ev.Event)
		return
	}
	i.logger.Info("template status update",
		"tenant_id", state.TenantID, "template", ev.TemplateName, "event", ev.Event, "reason", ev.Reason)
}

// applyAccountUpdate marks the integration failed when the platform disables
// or bans the account. Other account events are logged only.
func (i *Ingestor) applyAccountUpdate(ctx context.Context, wabaID string, ev AccountUpdateEvent) {
	state, err := i.states.GetByWABAID(ctx, wabaID)
	if err != nil {
		i.logger.Warn("account update for unknown waba", "waba_id", wabaID, "event", ev.Event)
		return
	}

	i.logger.Info("account update", "tenant_id", state.TenantID, "event", ev.Event)

	switch strings.ToUpper(ev.Event) {
	case "DISABLED_UPDATE", "ACCOUNT_BANNED", "ACCOUNT_RESTRICTION":
		if err := i.states.SetStatus(ctx, state.TenantID, integration.StatusFailed); err != nil {
			i.logger.Error("marking integration failed after account update",
				"error", err, "tenant_id", state.TenantID)
		}
	}
}

// normalizePhone prefixes the plus sign the platform strips from wa ids.
func normalizePhone(waID string) string {
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}
