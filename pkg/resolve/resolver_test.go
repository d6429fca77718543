package resolve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dinerly/chatwire/pkg/meta"
)

// fakeGraph lets each call be scripted per test.
type fakeGraph struct {
	owned        func() ([]meta.WABA, error)
	client       func() ([]meta.WABA, error)
	pages        func() ([]meta.WABA, error)
	createClient func() (meta.WABA, error)
	createShared func() (meta.WABA, error)
}

func (f *fakeGraph) OwnedWABAs(context.Context, string, string) ([]meta.WABA, error) {
	if f.owned == nil {
		return nil, nil
	}
	return f.owned()
}

func (f *fakeGraph) ClientWABAs(context.Context, string, string) ([]meta.WABA, error) {
	if f.client == nil {
		return nil, nil
	}
	return f.client()
}

func (f *fakeGraph) PagesWABA(context.Context, string) ([]meta.WABA, error) {
	if f.pages == nil {
		return nil, nil
	}
	return f.pages()
}

func (f *fakeGraph) CreateClientWABA(context.Context, string, string, string) (meta.WABA, error) {
	if f.createClient == nil {
		return meta.WABA{}, errors.New("unavailable")
	}
	return f.createClient()
}

func (f *fakeGraph) CreateSharedWABA(context.Context, string, string, string) (meta.WABA, error) {
	if f.createShared == nil {
		return meta.WABA{}, errors.New("unavailable")
	}
	return f.createShared()
}

// recordingAuditor captures Step calls in order.
type recordingAuditor struct {
	steps []auditStep
}

type auditStep struct {
	step     string
	strategy string
	success  bool
}

func (a *recordingAuditor) Step(tenantID, step, strategy string, err error, detail map[string]any) {
	a.steps = append(a.steps, auditStep{step: step, strategy: strategy, success: err == nil})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInput() Input {
	return Input{TenantID: "t1", BusinessID: "biz-1", BSPBusinessID: "bsp-1", AccessToken: "tok"}
}

func TestDiscoverFirstMatchWins(t *testing.T) {
	clientCalled := false
	api := &fakeGraph{
		owned:  func() ([]meta.WABA, error) { return []meta.WABA{{ID: "W1"}}, nil },
		client: func() ([]meta.WABA, error) { clientCalled = true; return []meta.WABA{{ID: "W2"}}, nil },
	}
	auditor := &recordingAuditor{}
	e := NewEngine(api, auditor, testLogger())

	res, provenance, err := e.Discover(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if !res.Found || res.WABAID != "W1" {
		t.Errorf("res = %+v, want W1 found", res)
	}
	if provenance != "owned_wabas" {
		t.Errorf("provenance = %q, want owned_wabas", provenance)
	}
	if clientCalled {
		t.Error("later strategies must not run once one succeeds")
	}
}

func TestDiscoverErrorRoutesToNextStrategy(t *testing.T) {
	api := &fakeGraph{
		owned: func() ([]meta.WABA, error) { return nil, errors.New("rate limited") },
		pages: func() ([]meta.WABA, error) { return []meta.WABA{{ID: "W3"}}, nil },
	}
	auditor := &recordingAuditor{}
	e := NewEngine(api, auditor, testLogger())

	res, provenance, err := e.Discover(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if !res.Found || res.WABAID != "W3" {
		t.Errorf("res = %+v, want W3", res)
	}
	if provenance != "page_linked_waba" {
		t.Errorf("provenance = %q", provenance)
	}
}

func TestDiscoverAllMiss(t *testing.T) {
	e := NewEngine(&fakeGraph{}, &recordingAuditor{}, testLogger())

	res, _, err := e.Discover(context.Background(), testInput())
	if err != nil {
		t.Fatalf("a full miss is not an error: %v", err)
	}
	if res.Found {
		t.Error("res.Found should be false")
	}
}

func TestCreateViaIntermediaryAuditOrder(t *testing.T) {
	// Strategy 1 fails, strategy 2 succeeds: the audit log must contain one
	// failed entry then one success entry, in that order.
	api := &fakeGraph{
		createClient: func() (meta.WABA, error) { return meta.WABA{}, errors.New("permission denied") },
		createShared: func() (meta.WABA, error) { return meta.WABA{ID: "W9"}, nil },
	}
	auditor := &recordingAuditor{}
	e := NewEngine(api, auditor, testLogger())

	res, provenance, err := e.CreateViaIntermediary(context.Background(), testInput())
	if err != nil {
		t.Fatalf("CreateViaIntermediary error: %v", err)
	}
	if !res.Found || res.WABAID != "W9" {
		t.Errorf("res = %+v", res)
	}
	if provenance != "bsp_shared_waba" {
		t.Errorf("provenance = %q", provenance)
	}

	want := []auditStep{
		{step: "create_waba", strategy: "bsp_client_waba", success: false},
		{step: "create_waba", strategy: "bsp_shared_waba", success: true},
	}
	if len(auditor.steps) != len(want) {
		t.Fatalf("audit steps = %+v, want %+v", auditor.steps, want)
	}
	for i := range want {
		if auditor.steps[i] != want[i] {
			t.Errorf("step[%d] = %+v, want %+v", i, auditor.steps[i], want[i])
		}
	}
}

func TestCreateViaIntermediaryAllFail(t *testing.T) {
	api := &fakeGraph{
		createClient: func() (meta.WABA, error) { return meta.WABA{}, errors.New("denied") },
		createShared: func() (meta.WABA, error) { return meta.WABA{}, errors.New("denied") },
	}
	auditor := &recordingAuditor{}
	e := NewEngine(api, auditor, testLogger())

	_, _, err := e.CreateViaIntermediary(context.Background(), testInput())
	if !errors.Is(err, ErrAwaitingProvisioning) {
		t.Errorf("error = %v, want ErrAwaitingProvisioning", err)
	}
	if len(auditor.steps) != 2 {
		t.Errorf("every attempt must be audited, got %d entries", len(auditor.steps))
	}
	for _, s := range auditor.steps {
		if s.success {
			t.Errorf("step %+v should be a failure", s)
		}
	}
}
