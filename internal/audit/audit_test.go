package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func newTestWriter() *Writer {
	return NewWriter(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recordingDB captures Exec calls so tests can observe flushes.
type recordingDB struct {
	mu    sync.Mutex
	execs [][]any
}

func (d *recordingDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }

func (d *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (d *recordingDB) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.execs)
}

func TestLogNeverBlocks(t *testing.T) {
	w := newTestWriter()
	// Writer not started: fill the buffer past capacity. Log must drop
	// instead of blocking.
	for i := 0; i < bufferSize+10; i++ {
		w.Log(Entry{TenantID: "t1", Step: "discover"})
	}
	if got := len(w.entries); got != bufferSize {
		t.Errorf("buffered entries = %d, want %d", got, bufferSize)
	}
}

func TestStepBuildsEntry(t *testing.T) {
	w := newTestWriter()

	w.Step("t1", "create_waba", "bsp_client_waba", errors.New("boom"), map[string]any{"waba_id": "w1"})
	w.Step("t1", "create_waba", "bsp_shared_waba", nil, nil)

	first := <-w.entries
	if first.Success {
		t.Error("entry with error should not be marked success")
	}
	if first.Error != "boom" {
		t.Errorf("Error = %q, want boom", first.Error)
	}
	if first.Strategy != "bsp_client_waba" {
		t.Errorf("Strategy = %q", first.Strategy)
	}
	if len(first.Detail) == 0 {
		t.Error("detail should be marshalled")
	}

	second := <-w.entries
	if !second.Success {
		t.Error("entry without error should be marked success")
	}
	if second.Error != "" {
		t.Errorf("Error = %q, want empty", second.Error)
	}
}

func TestCloseFlushesPendingEntries(t *testing.T) {
	rec := &recordingDB{}
	w := NewWriter(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Start()

	// Entries logged late in shutdown, e.g. by a provisioning poll finishing
	// after the server stopped accepting requests, must still land.
	w.Step("t1", "poll_provisioning", "", nil, nil)
	w.Step("t1", "finalize", "", errors.New("waba vanished"), nil)
	w.Close()

	if got := rec.count(); got != 2 {
		t.Fatalf("flushed entries = %d, want 2", got)
	}
}
