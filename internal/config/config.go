package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all Chatwire configuration, read from environment variables.
type Config struct {
	Mode string `env:"APP_MODE" envDefault:"api"`

	// Server
	Host string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"APP_PORT" envDefault:"8080"`

	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/chatwire?sslmode=disable"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Migrations
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Metrics
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// Meta Graph API
	MetaAppID        string   `env:"META_APP_ID"`
	MetaAppSecret    string   `env:"META_APP_SECRET"`
	MetaRedirectURL  string   `env:"META_REDIRECT_URL" envDefault:"http://localhost:8080/api/v1/integrations/whatsapp/callback"`
	MetaGraphBaseURL string   `env:"META_GRAPH_BASE_URL" envDefault:"https://graph.facebook.com"`
	MetaAPIVersion   string   `env:"META_API_VERSION" envDefault:"v19.0"`
	MetaOAuthScopes  []string `env:"META_OAUTH_SCOPES" envDefault:"whatsapp_business_management,whatsapp_business_messaging,business_management" envSeparator:","`

	// BSP business (intermediary provider) used to create WABAs on behalf of tenants.
	BSPBusinessID string `env:"BSP_BUSINESS_ID"`

	// Webhook
	WebhookVerifyToken string `env:"WEBHOOK_VERIFY_TOKEN"`

	// OAuth state signing
	StateSecret string        `env:"STATE_SECRET"`
	StateMaxAge time.Duration `env:"STATE_MAX_AGE" envDefault:"30m"`

	// Provisioning poller
	ProvisionMaxAttempts int           `env:"PROVISION_MAX_ATTEMPTS" envDefault:"10"`
	ProvisionInterval    time.Duration `env:"PROVISION_POLL_INTERVAL" envDefault:"3s"`

	// Slack ops notifications
	SlackBotToken   string `env:"SLACK_BOT_TOKEN"`
	SlackOpsChannel string `env:"SLACK_OPS_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ValidateIntegration checks the fields the OAuth/provisioning pipeline cannot
// run without, so misconfiguration fails loudly at startup instead of at the
// first callback.
func (c *Config) ValidateIntegration() error {
	switch {
	case c.MetaAppID == "":
		return fmt.Errorf("missing configuration: META_APP_ID")
	case c.MetaAppSecret == "":
		return fmt.Errorf("missing configuration: META_APP_SECRET")
	case c.StateSecret == "":
		return fmt.Errorf("missing configuration: STATE_SECRET")
	case c.WebhookVerifyToken == "":
		return fmt.Errorf("missing configuration: WEBHOOK_VERIFY_TOKEN")
	}
	return nil
}
