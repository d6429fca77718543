// Package phone manages the tenant's WhatsApp phone numbers: classification,
// primary selection, claim/verify, and a layered live → cached → persisted
// fallback for reads.
package phone

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dinerly/chatwire/pkg/integration"
	"github.com/dinerly/chatwire/pkg/meta"
)

const cacheRefreshTimeout = 5 * time.Second

// API is the slice of the Graph client the registry uses.
type API interface {
	PhoneNumbers(ctx context.Context, wabaID, token string) ([]meta.PhoneNumber, error)
	RegisterPhone(ctx context.Context, wabaID, countryCode, number string, method meta.VerifyMethod, token string) (string, error)
	ConfirmCode(ctx context.Context, phoneNumberID, code, token string) error
}

// stateAccess is the slice of the integration state store the registry uses.
type stateAccess interface {
	Get(ctx context.Context, tenantID string) (integration.State, error)
	CachePhoneNumbers(ctx context.Context, tenantID string, numbers []integration.PhoneNumber) error
	SetPrimaryPhone(ctx context.Context, tenantID, phoneNumberID, displayNumber string, status integration.Status) error
}

// Auditor records claim/verify attempts.
type Auditor interface {
	Step(tenantID, step, strategy string, err error, detail map[string]any)
}

// Registry provides phone-number operations for connected tenants.
type Registry struct {
	api    API
	states stateAccess
	audit  Auditor
	logger *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(api API, states stateAccess, auditor Auditor, logger *slog.Logger) *Registry {
	return &Registry{api: api, states: states, audit: auditor, logger: logger}
}

// Classify converts upstream phone numbers into the cached representation.
// Verification state comes from the verified-name heuristic (meta.PhoneNumber).
func Classify(numbers []meta.PhoneNumber) []integration.PhoneNumber {
	out := make([]integration.PhoneNumber, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, integration.PhoneNumber{
			ID:            n.ID,
			DisplayNumber: n.DisplayNumber,
			Verified:      n.Verified(),
		})
	}
	return out
}

// SelectPrimary picks the first verified number as the tenant's operating
// number. ok=false means no number is verified and the connection stays
// unclaimed.
func SelectPrimary(numbers []integration.PhoneNumber) (integration.PhoneNumber, bool) {
	for _, n := range numbers {
		if n.Verified {
			return n, true
		}
	}
	return integration.PhoneNumber{}, false
}

// List returns the tenant's phone numbers using the layered fallback:
// a live platform call first; if that fails or yields nothing, the cached
// list from the state row; if that too is empty, a singleton built from the
// persisted primary number. A live read that produces numbers refreshes the
// cache fire-and-forget; an empty live read leaves the cache alone.
func (r *Registry) List(ctx context.Context, tenantID string) ([]integration.PhoneNumber, error) {
	state, err := r.states.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if state.WABAID != "" {
		live, err := r.api.PhoneNumbers(ctx, state.WABAID, state.AccessToken)
		switch {
		case err != nil:
			r.logger.Warn("live phone number read failed, falling back to cache",
				"tenant_id", tenantID, "error", err)
		case len(live) > 0:
			classified := Classify(live)
			go r.refreshCache(tenantID, classified)
			return classified, nil
		}
	}

	if len(state.PhoneNumbers) > 0 {
		return state.PhoneNumbers, nil
	}

	if state.PhoneNumberID != "" {
		return []integration.PhoneNumber{{
			ID:            state.PhoneNumberID,
			DisplayNumber: state.DisplayPhoneNumber,
			Verified:      state.Status == integration.StatusActive,
		}}, nil
	}

	return nil, nil
}

// refreshCache writes the freshly classified list back to the state row.
// Runs detached from the request; a write failure never fails the read.
func (r *Registry) refreshCache(tenantID string, numbers []integration.PhoneNumber) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheRefreshTimeout)
	defer cancel()
	if err := r.states.CachePhoneNumbers(ctx, tenantID, numbers); err != nil {
		r.logger.Warn("refreshing phone number cache", "tenant_id", tenantID, "error", err)
	}
}

// Claim registers a new number under the tenant's WABA and triggers
// verification code delivery via SMS or voice.
func (r *Registry) Claim(ctx context.Context, tenantID, countryCode, number string, method meta.VerifyMethod) (string, error) {
	state, err := r.states.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if state.WABAID == "" {
		return "", fmt.Errorf("tenant %s has no WABA to claim a number under", tenantID)
	}

	phoneID, err := r.api.RegisterPhone(ctx, state.WABAID, countryCode, number, method, state.AccessToken)
	r.audit.Step(tenantID, "phone_claim", "", err, map[string]any{
		"phone_number_id": phoneID,
		"method":          string(method),
	})
	if err != nil {
		return "", err
	}

	if err := r.states.SetPrimaryPhone(ctx, tenantID, phoneID, "+"+countryCode+number, integration.StatusUnclaimed); err != nil {
		return phoneID, err
	}
	return phoneID, nil
}

// Confirm submits the verification code; success transitions the connection
// to active.
func (r *Registry) Confirm(ctx context.Context, tenantID, phoneNumberID, code string) error {
	state, err := r.states.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	err = r.api.ConfirmCode(ctx, phoneNumberID, code, state.AccessToken)
	r.audit.Step(tenantID, "phone_verify", "", err, map[string]any{"phone_number_id": phoneNumberID})
	if err != nil {
		return err
	}

	display := r.displayNumberFor(ctx, state, phoneNumberID)
	return r.states.SetPrimaryPhone(ctx, tenantID, phoneNumberID, display, integration.StatusActive)
}

// displayNumberFor resolves the display number that belongs to phoneNumberID:
// the cached list first, then the persisted primary, then a live lookup.
// The claimed number is not necessarily the one being verified.
func (r *Registry) displayNumberFor(ctx context.Context, state integration.State, phoneNumberID string) string {
	for _, n := range state.PhoneNumbers {
		if n.ID == phoneNumberID {
			return n.DisplayNumber
		}
	}
	if phoneNumberID == state.PhoneNumberID {
		return state.DisplayPhoneNumber
	}
	if state.WABAID != "" {
		if live, err := r.api.PhoneNumbers(ctx, state.WABAID, state.AccessToken); err == nil {
			for _, n := range live {
				if n.ID == phoneNumberID {
					return n.DisplayNumber
				}
			}
		}
	}
	return ""
}
