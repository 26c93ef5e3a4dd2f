// Package audit implements the Audit Log Writer: a batching sink in
// front of the hash-chained audit_log table. Structurally mirrors
// pkg/history's batcher, but never reorders entries or drops them under
// backpressure — the hash chain requires strict arrival order, so a full
// backlog blocks the caller rather than discarding a record. A batch is
// dropped, with an error log, only after its write has failed
// flushRetries times.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// Config controls batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// QueueDepth bounds the in-memory backlog. Submit blocks once the
	// backlog is full, applying backpressure to the proxy's finish() path
	// rather than breaking the chain's ordering guarantee.
	QueueDepth int
}

// DefaultConfig returns the built-in batching defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 100, FlushInterval: 500 * time.Millisecond, QueueDepth: 2000}
}

// Writer batches AuditLogEntry submissions in strict arrival order and
// flushes them to the store on a size/time trigger.
type Writer struct {
	st  *store.Store
	cfg Config

	mu      sync.Mutex
	notFull *sync.Cond
	pending []*models.AuditLogEntry

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New constructs a Writer. Call Start to begin the flush loop.
func New(st *store.Store, cfg Config) *Writer {
	w := &Writer{st: st, cfg: cfg, stopCh: make(chan struct{}), flushCh: make(chan struct{}, 1)}
	w.notFull = sync.NewCond(&w.mu)
	return w
}

// Submit enqueues e, blocking only if the backlog has reached QueueDepth.
func (w *Writer) Submit(e *models.AuditLogEntry) {
	w.mu.Lock()
	for len(w.pending) >= w.cfg.QueueDepth {
		w.notFull.Wait()
	}
	w.pending = append(w.pending, e)
	full := len(w.pending) >= w.batchSize()
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) batchSize() int {
	if w.cfg.BatchSize <= 0 {
		return 100
	}
	return w.cfg.BatchSize
}

// Start launches the flush loop. Safe to call once; subsequent calls are
// no-ops.
func (w *Writer) Start(ctx context.Context) {
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runFlushLoop(ctx)
	}()
}

// Stop signals the flush loop to exit and flushes whatever remains
// buffered before returning.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.flush(context.Background())
}

func (w *Writer) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

// flushRetries bounds the backoff sequence for a failed batch write. With
// flushBackoffBase doubling after each failed attempt, the waits between
// the 5 attempts are 100ms, 200ms, 400ms and 800ms.
const (
	flushRetries     = 5
	flushBackoffBase = 100 * time.Millisecond
)

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.notFull.Broadcast()
	w.mu.Unlock()

	backoff := flushBackoffBase
	for attempt := 1; ; attempt++ {
		err := w.st.AppendAuditBatch(ctx, batch)
		if err == nil {
			return
		}
		if attempt >= flushRetries {
			// Fail open: audit writes must never wedge request completion.
			slog.Error("audit: flush failed after retries, dropping batch",
				"count", len(batch), "attempts", attempt, "error", err)
			return
		}
		slog.Warn("audit: flush failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			slog.Error("audit: flush abandoned at shutdown", "count", len(batch), "error", err)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
