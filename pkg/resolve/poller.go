package resolve

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dinerly/chatwire/internal/telemetry"
)

// PollResult is the outcome of a bounded provisioning poll.
type PollResult struct {
	Found        bool
	WABAID       string
	AttemptsUsed int
}

// discoverer is the slice of Engine the poller depends on.
type discoverer interface {
	Discover(ctx context.Context, in Input) (Result, string, error)
}

// Poller waits for an asynchronously-created WABA to become discoverable.
// It is context-cancellable; callers that want the HTTP request back quickly
// run it in a background goroutine and expose progress via the status row.
type Poller struct {
	engine   discoverer
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a Poller with a fixed retry interval.
func NewPoller(engine discoverer, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{engine: engine, interval: interval, logger: logger}
}

var errNotDiscoverable = errors.New("waba not yet discoverable")

// PollUntilFound performs up to maxAttempts discovery calls, sleeping the
// configured interval between them, and terminates early on the first hit.
// Exhaustion returns Found=false with a nil error: the caller must treat it
// as "retry later", not as a permanent failure. Context cancellation aborts
// the loop mid-flight and returns the context error.
func (p *Poller) PollUntilFound(ctx context.Context, in Input, maxAttempts int) (PollResult, error) {
	attempts := 0

	op := func() (Result, error) {
		attempts++
		telemetry.ProvisionPollAttemptsTotal.Inc()
		res, _, err := p.engine.Discover(ctx, in)
		if err != nil {
			return Result{}, err
		}
		if !res.Found {
			return Result{}, errNotDiscoverable
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.interval)),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return PollResult{AttemptsUsed: attempts}, ctx.Err()
		}
		p.logger.Info("provisioning poll exhausted",
			"tenant_id", in.TenantID, "attempts", attempts)
		return PollResult{Found: false, AttemptsUsed: attempts}, nil
	}

	return PollResult{Found: true, WABAID: res.WABAID, AttemptsUsed: attempts}, nil
}
