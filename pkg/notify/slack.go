// Package notify posts integration lifecycle events to the ops Slack channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends lifecycle messages to Slack. Without a bot token it is a
// noop that only logs, so connection flows never depend on Slack being up.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty botToken disables posting.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true when the notifier can actually post.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// IntegrationConnected announces a completed connection.
func (n *Notifier) IntegrationConnected(ctx context.Context, tenantID, wabaID, displayNumber string) {
	text := fmt.Sprintf(":white_check_mark: WhatsApp connected for tenant *%s* (WABA %s, number %s)",
		tenantID, wabaID, displayNumber)
	n.post(ctx, tenantID, text)
}

// IntegrationDisconnected announces a teardown.
func (n *Notifier) IntegrationDisconnected(ctx context.Context, tenantID string) {
	n.post(ctx, tenantID, fmt.Sprintf(":no_entry: WhatsApp disconnected for tenant *%s*", tenantID))
}

// ProvisioningFailed announces that polling gave up before the WABA appeared.
func (n *Notifier) ProvisioningFailed(ctx context.Context, tenantID string, attempts int) {
	text := fmt.Sprintf(":warning: WhatsApp provisioning for tenant *%s* still pending after %d checks, needs a manual look",
		tenantID, attempts)
	n.post(ctx, tenantID, text)
}

func (n *Notifier) post(ctx context.Context, tenantID, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping", "tenant_id", tenantID)
		return
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		// Notification failures never propagate into the connection flow.
		n.logger.Warn("posting to slack", "error", err, "tenant_id", tenantID)
		return
	}
	n.logger.Info("posted lifecycle notification", "tenant_id", tenantID, "channel", n.channel)
}
