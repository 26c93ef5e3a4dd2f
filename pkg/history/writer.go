// Package history implements the Request-History Writer: a bounded,
// batching sink sitting between the proxy's hot path and the request_history
// table. Batches flush on size or on a timer, whichever fires first.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// Config controls batching and retention.
type Config struct {
	// BatchSize is the number of records buffered before a flush, beyond
	// the periodic FlushInterval tick.
	BatchSize int
	// FlushInterval is the maximum time a record waits before being
	// written even if BatchSize hasn't been reached.
	FlushInterval time.Duration
	// QueueDepth bounds the in-memory backlog. When full, Submit drops
	// the oldest buffered non-error record to make room; error records
	// are never dropped.
	QueueDepth int
	// RetentionDays is how long a record is kept before PruneRequestHistory
	// removes it. Zero disables pruning.
	RetentionDays int
	// PruneInterval is how often the retention sweep runs.
	PruneInterval time.Duration
}

// DefaultConfig returns the built-in batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		QueueDepth:    2000,
		RetentionDays: 30,
		PruneInterval: 1 * time.Hour,
	}
}

// Writer batches RequestHistoryRecord submissions and flushes them to the
// store on a size/time trigger. Submit never blocks the proxy's hot path.
type Writer struct {
	st  *store.Store
	cfg Config

	mu      sync.Mutex
	pending []*models.RequestHistoryRecord

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New constructs a Writer. Call Start to begin the flush/prune loops.
func New(st *store.Store, cfg Config) *Writer {
	return &Writer{st: st, cfg: cfg, stopCh: make(chan struct{}), flushCh: make(chan struct{}, 1)}
}

// Submit enqueues r for the next flush. If the queue is at capacity, the
// oldest buffered record whose Status is not error is dropped to make room;
// if every buffered record is an error, an incoming non-error record is
// dropped instead, while an incoming error record is still accepted (the
// backlog then exceeds QueueDepth), so error records are never dropped.
func (w *Writer) Submit(r *models.RequestHistoryRecord) {
	w.mu.Lock()
	if len(w.pending) >= w.cfg.QueueDepth {
		if idx := firstNonError(w.pending); idx >= 0 {
			w.pending = append(w.pending[:idx], w.pending[idx+1:]...)
		} else if r.Status != models.RequestStatusError {
			w.mu.Unlock()
			slog.Warn("history: queue full of errors, dropping incoming record", "id", r.ID)
			return
		}
	}
	w.pending = append(w.pending, r)
	full := len(w.pending) >= w.batchSize()
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func firstNonError(records []*models.RequestHistoryRecord) int {
	for i, r := range records {
		if r.Status != models.RequestStatusError {
			return i
		}
	}
	return -1
}

// Start launches the flush and retention-prune loops. Safe to call once;
// subsequent calls are no-ops.
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

	if w.cfg.RetentionDays > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runPruneLoop(ctx)
		}()
	}
}

// Stop signals both loops to exit, flushes whatever remains buffered, and
// waits for shutdown to complete.
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

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	for start := 0; start < len(batch); start += w.batchSize() {
		end := start + w.batchSize()
		if end > len(batch) {
			end = len(batch)
		}
		if err := w.st.AppendRequestHistoryBatch(ctx, batch[start:end]); err != nil {
			slog.Error("history: flush failed", "count", end-start, "error", err)
		}
	}
}

func (w *Writer) batchSize() int {
	if w.cfg.BatchSize <= 0 {
		return 100
	}
	return w.cfg.BatchSize
}

func (w *Writer) runPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.st.PruneRequestHistory(ctx, w.cfg.RetentionDays)
			if err != nil {
				slog.Error("history: prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("history: pruned expired records", "count", n, "retention_days", w.cfg.RetentionDays)
			}
		}
	}
}
