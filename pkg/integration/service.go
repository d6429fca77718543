package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/dinerly/chatwire/internal/telemetry"
	"github.com/dinerly/chatwire/pkg/meta"
	"github.com/dinerly/chatwire/pkg/resolve"
	"github.com/dinerly/chatwire/pkg/statecodec"
)

// graphClient is the slice of the Graph client the service uses.
type graphClient interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
	UpgradeToLongLived(ctx context.Context, shortToken string) (*oauth2.Token, error)
	Businesses(ctx context.Context, token string) ([]meta.Business, error)
	PhoneNumbers(ctx context.Context, wabaID, token string) ([]meta.PhoneNumber, error)
}

// wabaResolver is the slice of the resolve engine the service uses.
type wabaResolver interface {
	Discover(ctx context.Context, in resolve.Input) (resolve.Result, string, error)
	CreateViaIntermediary(ctx context.Context, in resolve.Input) (resolve.Result, string, error)
}

// provisionPoller waits for an asynchronously-created WABA.
type provisionPoller interface {
	PollUntilFound(ctx context.Context, in resolve.Input, maxAttempts int) (resolve.PollResult, error)
}

// credentials is the slice of the credential store the service uses.
type credentials interface {
	NonceSeen(ctx context.Context, tenantID, nonce string) (bool, error)
	Insert(ctx context.Context, p InsertParams) (Credential, error)
}

// states is the slice of the state store the service uses.
type states interface {
	Get(ctx context.Context, tenantID string) (State, error)
	Upsert(ctx context.Context, p UpsertParams) (State, error)
	SetStatus(ctx context.Context, tenantID string, status Status) error
	SetPrimaryPhone(ctx context.Context, tenantID, phoneNumberID, displayNumber string, status Status) error
	CachePhoneNumbers(ctx context.Context, tenantID string, numbers []PhoneNumber) error
}

// Auditor records pipeline steps. Satisfied by *audit.Writer.
type Auditor interface {
	Step(tenantID, step, strategy string, err error, detail map[string]any)
}

// Notifier announces lifecycle events. Satisfied by *notify.Notifier.
type Notifier interface {
	IntegrationConnected(ctx context.Context, tenantID, wabaID, displayNumber string)
	IntegrationDisconnected(ctx context.Context, tenantID string)
	ProvisioningFailed(ctx context.Context, tenantID string, attempts int)
}

// phoneLister returns the tenant's numbers through the layered fallback.
// Satisfied by *phone.Registry.
type phoneLister interface {
	List(ctx context.Context, tenantID string) ([]PhoneNumber, error)
}

// ServiceConfig carries the connection-pipeline settings.
type ServiceConfig struct {
	BSPBusinessID string
	Scopes        []string
	StateMaxAge   time.Duration
	MaxAttempts   int
}

// Service drives the OAuth connect pipeline from callback to final status.
type Service struct {
	cfg    ServiceConfig
	codec  *statecodec.Codec
	graph  graphClient
	engine wabaResolver
	poller provisionPoller
	creds  credentials
	states states
	phones phoneLister
	audit  Auditor
	notify Notifier
	pool   *pgxpool.Pool
	logger *slog.Logger

	// bg is the lifetime for detached provisioning polls; cancelled on
	// shutdown so polls do not outlive the process.
	bg context.Context
	wg sync.WaitGroup
}

// NewService creates a Service. bg bounds background polling goroutines.
func NewService(
	bg context.Context,
	cfg ServiceConfig,
	codec *statecodec.Codec,
	graph graphClient,
	engine wabaResolver,
	poller provisionPoller,
	creds credentials,
	states states,
	phones phoneLister,
	auditor Auditor,
	notifier Notifier,
	pool *pgxpool.Pool,
	logger *slog.Logger,
) *Service {
	return &Service{
		bg:     bg,
		cfg:    cfg,
		codec:  codec,
		graph:  graph,
		engine: engine,
		poller: poller,
		creds:  creds,
		states: states,
		phones: phones,
		audit:  auditor,
		notify: notifier,
		pool:   pool,
		logger: logger,
	}
}

// Wait blocks until background polls finish. Called during shutdown after
// the bg context is cancelled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ConnectURL builds the OAuth dialog URL with a freshly signed state.
func (s *Service) ConnectURL(tenantID, display string) string {
	return s.graph.AuthCodeURL(s.codec.Sign(statecodec.NewState(tenantID, display)))
}

// CallbackResult is what the callback handler renders.
type CallbackResult struct {
	TenantID string
	Status   Status
	Display  string // "popup" selects the auto-closing HTML response
}

// HandleCallback runs the connect pipeline: state verification, replay
// check, token exchange and upgrade, credential persistence, WABA
// resolution, and phone classification. Fatal failures mark the tenant
// failed; recoverable outcomes land in provisioning or awaiting_creation.
func (s *Service) HandleCallback(ctx context.Context, code, stateToken string) (CallbackResult, error) {
	st, err := s.codec.VerifyWithin(stateToken, s.cfg.StateMaxAge)
	if err != nil {
		// No trustworthy tenant id without a valid signature.
		s.logger.Warn("rejecting oauth callback state", "error", err)
		return CallbackResult{}, err
	}
	res := CallbackResult{TenantID: st.TenantID, Display: st.Display}

	seen, err := s.creds.NonceSeen(ctx, st.TenantID, st.Nonce)
	if err != nil {
		return res, fmt.Errorf("checking callback nonce: %w", err)
	}
	if seen {
		// Duplicate delivery of a callback already processed. Report the
		// current status without re-running any side effects.
		s.audit.Step(st.TenantID, "callback_replay", "", nil, map[string]any{"nonce": st.Nonce})
		res.Status = s.currentStatus(ctx, st.TenantID)
		return res, nil
	}

	if _, err := s.states.Upsert(ctx, UpsertParams{TenantID: st.TenantID, Status: StatusPending}); err != nil {
		return res, fmt.Errorf("recording pending state: %w", err)
	}

	tok, err := s.graph.ExchangeCode(ctx, code)
	s.audit.Step(st.TenantID, "token_exchange", "", err, nil)
	if err != nil {
		s.fail(ctx, st.TenantID)
		res.Status = StatusFailed
		return res, fmt.Errorf("exchanging code: %w", err)
	}

	// Long-lived upgrade is best effort; the short token still works for
	// the rest of the pipeline.
	token := tok
	upgraded, err := s.graph.UpgradeToLongLived(ctx, tok.AccessToken)
	s.audit.Step(st.TenantID, "token_upgrade", "", err, nil)
	if err != nil {
		s.logger.Warn("long-lived token upgrade failed, keeping short-lived token",
			"tenant_id", st.TenantID, "error", err)
	} else {
		token = upgraded
	}

	businessID := ""
	businesses, err := s.graph.Businesses(ctx, token.AccessToken)
	s.audit.Step(st.TenantID, "business_lookup", "", err, map[string]any{"count": len(businesses)})
	if err != nil {
		s.logger.Warn("business lookup failed, continuing without a business id",
			"tenant_id", st.TenantID, "error", err)
	} else if len(businesses) > 0 {
		businessID = businesses[0].ID
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry.UTC()
		expiresAt = &t
	}
	_, err = s.creds.Insert(ctx, InsertParams{
		Provider:    "meta",
		TenantID:    st.TenantID,
		BusinessID:  businessID,
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   expiresAt,
		Scopes:      s.cfg.Scopes,
		Nonce:       st.Nonce,
	})
	s.audit.Step(st.TenantID, "credential_persist", "", err, nil)
	if err != nil {
		s.fail(ctx, st.TenantID)
		res.Status = StatusFailed
		return res, fmt.Errorf("persisting credential: %w", err)
	}

	if _, err := s.states.Upsert(ctx, UpsertParams{
		TenantID:    st.TenantID,
		Status:      StatusPending,
		AccessToken: token.AccessToken,
	}); err != nil {
		return res, fmt.Errorf("storing access token: %w", err)
	}

	in := resolve.Input{
		TenantID:      st.TenantID,
		BusinessID:    businessID,
		BSPBusinessID: s.cfg.BSPBusinessID,
		AccessToken:   token.AccessToken,
	}

	found, provenance, err := s.engine.Discover(ctx, in)
	if err != nil {
		return res, fmt.Errorf("discovering waba: %w", err)
	}
	if found.Found {
		res.Status = s.finalize(ctx, st.TenantID, found.WABAID, provenance, token.AccessToken)
		return res, nil
	}

	created, provenance, err := s.engine.CreateViaIntermediary(ctx, in)
	if errors.Is(err, resolve.ErrAwaitingProvisioning) {
		s.setStatus(ctx, st.TenantID, StatusAwaitingCreation)
		telemetry.ConnectOutcomesTotal.WithLabelValues(string(StatusAwaitingCreation)).Inc()
		res.Status = StatusAwaitingCreation
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("creating waba: %w", err)
	}

	// Created but possibly not yet discoverable. Record what we know, return
	// provisioning, and let a detached poll finish the job while the client
	// watches the status endpoint.
	if _, err := s.states.Upsert(ctx, UpsertParams{
		TenantID:   st.TenantID,
		Status:     StatusProvisioning,
		WABAID:     created.WABAID,
		Provenance: provenance,
	}); err != nil {
		return res, fmt.Errorf("recording provisioning state: %w", err)
	}
	telemetry.ConnectOutcomesTotal.WithLabelValues(string(StatusProvisioning)).Inc()
	res.Status = StatusProvisioning

	s.wg.Add(1)
	go s.pollProvisioning(in, provenance)

	return res, nil
}

// pollProvisioning waits for the created WABA to become discoverable and then
// finalizes the connection. Runs detached from the callback request.
func (s *Service) pollProvisioning(in resolve.Input, provenance string) {
	defer s.wg.Done()

	result, err := s.poller.PollUntilFound(s.bg, in, s.cfg.MaxAttempts)
	s.audit.Step(in.TenantID, "provision_poll", provenance, err, map[string]any{
		"found":    result.Found,
		"attempts": result.AttemptsUsed,
	})
	if err != nil {
		// Shutdown or cancellation; the tenant stays in provisioning and a
		// later connect attempt picks the WABA up via discovery.
		s.logger.Warn("provisioning poll aborted", "tenant_id", in.TenantID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.bg), 30*time.Second)
	defer cancel()

	if !result.Found {
		s.setStatus(ctx, in.TenantID, StatusAwaitingCreation)
		telemetry.ConnectOutcomesTotal.WithLabelValues(string(StatusAwaitingCreation)).Inc()
		s.notify.ProvisioningFailed(ctx, in.TenantID, result.AttemptsUsed)
		return
	}

	s.finalize(ctx, in.TenantID, result.WABAID, provenance, in.AccessToken)
}

// finalize records the resolved WABA, classifies its numbers, and lands the
// tenant on active or unclaimed.
func (s *Service) finalize(ctx context.Context, tenantID, wabaID, provenance, token string) Status {
	if _, err := s.states.Upsert(ctx, UpsertParams{
		TenantID:   tenantID,
		Status:     StatusPending,
		WABAID:     wabaID,
		Provenance: provenance,
	}); err != nil {
		s.logger.Error("recording resolved waba", "error", err, "tenant_id", tenantID)
		return s.failOutcome(ctx, tenantID)
	}

	numbers, err := s.graph.PhoneNumbers(ctx, wabaID, token)
	s.audit.Step(tenantID, "phone_classify", "", err, map[string]any{"count": len(numbers)})
	if err != nil {
		// The WABA is resolved; number classification can be retried from
		// the phone endpoints. Unclaimed is the honest state here.
		s.logger.Warn("listing phone numbers after resolution", "error", err, "tenant_id", tenantID)
		s.setStatus(ctx, tenantID, StatusUnclaimed)
		telemetry.ConnectOutcomesTotal.WithLabelValues(string(StatusUnclaimed)).Inc()
		return StatusUnclaimed
	}

	classified := make([]PhoneNumber, 0, len(numbers))
	for _, n := range numbers {
		classified = append(classified, PhoneNumber{
			ID:            n.ID,
			DisplayNumber: n.DisplayNumber,
			Verified:      n.Verified(),
		})
	}
	if err := s.states.CachePhoneNumbers(ctx, tenantID, classified); err != nil {
		s.logger.Warn("caching classified numbers", "error", err, "tenant_id", tenantID)
	}

	status := StatusUnclaimed
	for _, n := range classified {
		if n.Verified {
			status = StatusActive
			if err := s.states.SetPrimaryPhone(ctx, tenantID, n.ID, n.DisplayNumber, StatusActive); err != nil {
				s.logger.Error("setting primary phone", "error", err, "tenant_id", tenantID)
				return s.failOutcome(ctx, tenantID)
			}
			s.audit.Step(tenantID, "primary_selected", "", nil, map[string]any{
				"phone_number_id": n.ID,
			})
			s.notify.IntegrationConnected(ctx, tenantID, wabaID, n.DisplayNumber)
			break
		}
	}
	if status == StatusUnclaimed {
		s.setStatus(ctx, tenantID, StatusUnclaimed)
	}

	telemetry.ConnectOutcomesTotal.WithLabelValues(string(status)).Inc()
	return status
}

// Disconnect tears down the tenant's connection, keeping message history.
func (s *Service) Disconnect(ctx context.Context, tenantID string) error {
	err := Disconnect(ctx, s.pool, tenantID)
	s.audit.Step(tenantID, "disconnect", "", err, nil)
	if err != nil {
		return err
	}
	s.notify.IntegrationDisconnected(ctx, tenantID)
	return nil
}

// StatusView is the status endpoint response.
type StatusView struct {
	Connected          bool          `json:"connected"`
	Status             Status        `json:"status"`
	WABAID             string        `json:"waba_id,omitempty"`
	PhoneNumberID      string        `json:"phone_number_id,omitempty"`
	DisplayPhoneNumber string        `json:"display_phone_number,omitempty"`
	PhoneNumbers       []PhoneNumber `json:"phone_numbers"`
	Provenance         string        `json:"provenance,omitempty"`
	UpdatedAt          *time.Time    `json:"updated_at,omitempty"`
}

// Status reports the connection state. Read failures degrade to a
// disconnected view instead of an error so the caller's UI stays usable.
func (s *Service) Status(ctx context.Context, tenantID string) StatusView {
	state, err := s.states.Get(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			s.logger.Warn("reading integration state, degrading to disconnected",
				"tenant_id", tenantID, "error", err)
		}
		return StatusView{Connected: false, Status: StatusDisconnected, PhoneNumbers: []PhoneNumber{}}
	}

	numbers := state.PhoneNumbers
	if s.phones != nil {
		live, err := s.phones.List(ctx, tenantID)
		if err != nil {
			s.logger.Warn("listing phone numbers for status", "tenant_id", tenantID, "error", err)
		} else {
			numbers = live
		}
	}
	if numbers == nil {
		numbers = []PhoneNumber{}
	}

	updatedAt := state.UpdatedAt
	return StatusView{
		Connected:          state.Status == StatusActive,
		Status:             state.Status,
		WABAID:             state.WABAID,
		PhoneNumberID:      state.PhoneNumberID,
		DisplayPhoneNumber: state.DisplayPhoneNumber,
		PhoneNumbers:       numbers,
		Provenance:         state.Provenance,
		UpdatedAt:          &updatedAt,
	}
}

func (s *Service) currentStatus(ctx context.Context, tenantID string) Status {
	state, err := s.states.Get(ctx, tenantID)
	if err != nil {
		return StatusPending
	}
	return state.Status
}

func (s *Service) fail(ctx context.Context, tenantID string) {
	s.setStatus(ctx, tenantID, StatusFailed)
	telemetry.ConnectOutcomesTotal.WithLabelValues(string(StatusFailed)).Inc()
}

func (s *Service) failOutcome(ctx context.Context, tenantID string) Status {
	s.fail(ctx, tenantID)
	return StatusFailed
}

func (s *Service) setStatus(ctx context.Context, tenantID string, status Status) {
	if err := s.states.SetStatus(ctx, tenantID, status); err != nil {
		s.logger.Error("setting integration status", "error", err,
			"tenant_id", tenantID, "status", status)
	}
}
