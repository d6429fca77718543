// Package resolve discovers or creates the tenant's WhatsApp Business
// Account identity, trying strategies in a fixed order so audit logs stay
// comparable across runs.
package resolve

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dinerly/chatwire/pkg/meta"
)

// ErrAwaitingProvisioning is returned when every creation strategy failed.
// Callers treat this as "retry later", not as a fatal error.
var ErrAwaitingProvisioning = errors.New("waba creation pending, retry later")

// Input carries the context a strategy needs for one attempt.
type Input struct {
	TenantID      string
	BusinessID    string // tenant's business grouping, may be empty
	BSPBusinessID string // intermediary provider business
	AccessToken   string
}

// Result is the outcome of a strategy attempt. Found=false is a first-class
// outcome, not an error.
type Result struct {
	Found  bool
	WABAID string
}

// Strategy is one way of finding or creating a WABA identity.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, in Input) (Result, error)
}

// Auditor records each strategy attempt. Satisfied by *audit.Writer.
type Auditor interface {
	Step(tenantID, step, strategy string, err error, detail map[string]any)
}

// GraphAPI is the slice of the Graph client the engine uses.
type GraphAPI interface {
	OwnedWABAs(ctx context.Context, businessID, token string) ([]meta.WABA, error)
	ClientWABAs(ctx context.Context, businessID, token string) ([]meta.WABA, error)
	PagesWABA(ctx context.Context, token string) ([]meta.WABA, error)
	CreateClientWABA(ctx context.Context, bspBusinessID, tenantBusinessID, token string) (meta.WABA, error)
	CreateSharedWABA(ctx context.Context, bspBusinessID, name, token string) (meta.WABA, error)
}

// Engine runs discovery and creation strategy lists in order.
type Engine struct {
	discovery []Strategy
	creation  []Strategy
	audit     Auditor
	logger    *slog.Logger
}

// NewEngine creates an Engine with the standard strategy ordering:
// discovery owned → client → page-linked, creation bsp_client → bsp_shared.
func NewEngine(api GraphAPI, auditor Auditor, logger *slog.Logger) *Engine {
	return &Engine{
		discovery: []Strategy{
			ownedWABAs{api},
			clientWABAs{api},
			pageLinkedWABA{api},
		},
		creation: []Strategy{
			bspClientWABA{api},
			bspSharedWABA{api},
		},
		audit:  auditor,
		logger: logger,
	}
}

// Discover queries the platform for an existing WABA, first non-empty result
// wins; later strategies are not attempted once one succeeds. A strategy
// error is audited and routes to the next strategy.
func (e *Engine) Discover(ctx context.Context, in Input) (Result, string, error) {
	for _, s := range e.discovery {
		res, err := s.Attempt(ctx, in)
		if err != nil {
			e.audit.Step(in.TenantID, "discover", s.Name(), err, nil)
			e.logger.Warn("discovery strategy failed",
				"tenant_id", in.TenantID, "strategy", s.Name(), "error", err)
			continue
		}
		if res.Found {
			e.audit.Step(in.TenantID, "discover", s.Name(), nil, map[string]any{"waba_id": res.WABAID})
			return res, s.Name(), nil
		}
		e.audit.Step(in.TenantID, "discover", s.Name(), errNotFound, nil)
	}
	return Result{}, "", nil
}

// errNotFound is only used to mark a miss in the audit trail.
var errNotFound = errors.New("no waba found")

// CreateViaIntermediary drives WABA creation through the BSP business,
// stopping at the first strategy that reports success. Every attempt is
// audited regardless of overall outcome. If all strategies fail the tenant
// is left awaiting manual creation and ErrAwaitingProvisioning is returned.
func (e *Engine) CreateViaIntermediary(ctx context.Context, in Input) (Result, string, error) {
	for _, s := range e.creation {
		res, err := s.Attempt(ctx, in)
		if err != nil {
			e.audit.Step(in.TenantID, "create_waba", s.Name(), err, nil)
			e.logger.Warn("creation strategy failed",
				"tenant_id", in.TenantID, "strategy", s.Name(), "error", err)
			continue
		}
		e.audit.Step(in.TenantID, "create_waba", s.Name(), nil, map[string]any{"waba_id": res.WABAID})
		return res, s.Name(), nil
	}
	return Result{}, "", ErrAwaitingProvisioning
}

// --- discovery strategies ---

type ownedWABAs struct{ api GraphAPI }

func (ownedWABAs) Name() string { return "owned_wabas" }

func (s ownedWABAs) Attempt(ctx context.Context, in Input) (Result, error) {
	if in.BusinessID == "" {
		return Result{}, nil
	}
	wabas, err := s.api.OwnedWABAs(ctx, in.BusinessID, in.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return firstWABA(wabas), nil
}

type clientWABAs struct{ api GraphAPI }

func (clientWABAs) Name() string { return "client_wabas" }

func (s clientWABAs) Attempt(ctx context.Context, in Input) (Result, error) {
	if in.BusinessID == "" {
		return Result{}, nil
	}
	wabas, err := s.api.ClientWABAs(ctx, in.BusinessID, in.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return firstWABA(wabas), nil
}

type pageLinkedWABA struct{ api GraphAPI }

func (pageLinkedWABA) Name() string { return "page_linked_waba" }

func (s pageLinkedWABA) Attempt(ctx context.Context, in Input) (Result, error) {
	wabas, err := s.api.PagesWABA(ctx, in.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return firstWABA(wabas), nil
}

// --- creation strategies ---

type bspClientWABA struct{ api GraphAPI }

func (bspClientWABA) Name() string { return "bsp_client_waba" }

func (s bspClientWABA) Attempt(ctx context.Context, in Input) (Result, error) {
	waba, err := s.api.CreateClientWABA(ctx, in.BSPBusinessID, in.BusinessID, in.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return Result{Found: true, WABAID: waba.ID}, nil
}

type bspSharedWABA struct{ api GraphAPI }

func (bspSharedWABA) Name() string { return "bsp_shared_waba" }

func (s bspSharedWABA) Attempt(ctx context.Context, in Input) (Result, error) {
	waba, err := s.api.CreateSharedWABA(ctx, in.BSPBusinessID, "tenant-"+in.TenantID, in.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return Result{Found: true, WABAID: waba.ID}, nil
}

func firstWABA(wabas []meta.WABA) Result {
	if len(wabas) == 0 {
		return Result{}
	}
	return Result{Found: true, WABAID: wabas[0].ID}
}
