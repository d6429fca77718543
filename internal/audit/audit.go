// Package audit provides an append-only log of every integration pipeline
// step attempted, used only for diagnosis. Writes are async and must never
// block or fail the primary operation.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dinerly/chatwire/internal/db"
)

// Entry represents a single pipeline step attempt.
type Entry struct {
	TenantID string
	Step     string // e.g. "token_exchange", "discover", "create_waba", "ingest"
	Strategy string // resolution/creation strategy name, empty when not applicable
	Success  bool
	Error    string
	Detail   json.RawMessage
}

// Writer is an async, buffered audit log writer.
// Entries are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    db.DBTX
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool db.DBTX, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database. Shutdown is driven by Close, not by a context: detached work may
// keep logging steps after the server context is cancelled, and those entries
// must still reach the log.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"tenant_id", entry.TenantID, "step", entry.Step)
	}
}

// Step is a convenience method that builds and enqueues an entry from a step
// outcome. err may be nil.
func (w *Writer) Step(tenantID, step, strategy string, err error, detail map[string]any) {
	entry := Entry{
		TenantID: tenantID,
		Step:     step,
		Strategy: strategy,
		Success:  err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if detail != nil {
		entry.Detail, _ = json.Marshal(detail)
	}
	w.Log(entry)
}

// run is the background loop that drains the entries channel. It exits only
// when Close closes the channel, after flushing everything still buffered.
func (w *Writer) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush writes a batch of entries to the database. Individual write failures
// are logged and skipped; the audit log never propagates errors upstream.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const query = `INSERT INTO audit_log (tenant_id, step, strategy, success, error, detail)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`

	for _, e := range entries {
		detail := e.Detail
		if len(detail) == 0 {
			detail = json.RawMessage(`{}`)
		}
		if _, err := w.pool.Exec(ctx, query,
			e.TenantID, e.Step, e.Strategy, e.Success, e.Error, detail,
		); err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"tenant_id", e.TenantID, "step", e.Step)
		}
	}
}
