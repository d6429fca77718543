package resolve

import (
	"context"
	"testing"
	"time"
)

// scriptedDiscoverer returns the scripted results in sequence, repeating the
// last one.
type scriptedDiscoverer struct {
	results []Result
	calls   int
}

func (d *scriptedDiscoverer) Discover(ctx context.Context, in Input) (Result, string, error) {
	i := d.calls
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	d.calls++
	return d.results[i], "owned_wabas", nil
}

func TestPollUntilFoundExhaustion(t *testing.T) {
	d := &scriptedDiscoverer{results: []Result{{}}}
	p := NewPoller(d, time.Millisecond, testLogger())

	res, err := p.PollUntilFound(context.Background(), testInput(), 3)
	if err != nil {
		t.Fatalf("exhaustion is not an error: %v", err)
	}
	if res.Found {
		t.Error("Found should be false")
	}
	if res.AttemptsUsed != 3 {
		t.Errorf("AttemptsUsed = %d, want 3", res.AttemptsUsed)
	}
}

func TestPollUntilFoundEarlySuccess(t *testing.T) {
	d := &scriptedDiscoverer{results: []Result{{}, {Found: true, WABAID: "W1"}}}
	p := NewPoller(d, time.Millisecond, testLogger())

	res, err := p.PollUntilFound(context.Background(), testInput(), 10)
	if err != nil {
		t.Fatalf("PollUntilFound error: %v", err)
	}
	if !res.Found || res.WABAID != "W1" {
		t.Errorf("res = %+v", res)
	}
	if res.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2 (terminate on first success)", res.AttemptsUsed)
	}
}

func TestPollUntilFoundCancellable(t *testing.T) {
	d := &scriptedDiscoverer{results: []Result{{}}}
	p := NewPoller(d, 50*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.PollUntilFound(ctx, testInput(), 1000)
	if err == nil {
		t.Fatal("cancelled poll should return the context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("poll did not abort promptly, took %v", elapsed)
	}
}
