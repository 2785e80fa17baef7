package store

import (
	"log/slog"
	"sync"
	"time"
)

// DebouncedWriter coalesces rapid snapshot updates for the same session into
// a single write. Streaming turns mutate session state on every delta;
// writing each mutation through would thrash the database.
type DebouncedWriter struct {
	store    *Store
	interval time.Duration

	mu      sync.Mutex
	pending map[string]pendingWrite
	timer   *time.Timer
	closed  bool
}

type pendingWrite struct {
	save func() error
	why  string
}

// NewDebouncedWriter wraps store with a coalescing write queue. interval is
// how long writes sit in the queue before flushing.
func NewDebouncedWriter(store *Store, interval time.Duration) *DebouncedWriter {
	return &DebouncedWriter{
		store:    store,
		interval: interval,
		pending:  make(map[string]pendingWrite),
	}
}

// Enqueue schedules a save. Later enqueues for the same session id replace
// earlier ones, so only the newest snapshot hits disk.
func (w *DebouncedWriter) Enqueue(id string, save func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[id] = pendingWrite{save: save}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flushTimer)
	}
}

func (w *DebouncedWriter) flushTimer() {
	w.mu.Lock()
	w.timer = nil
	batch := w.pending
	w.pending = make(map[string]pendingWrite)
	w.mu.Unlock()

	runBatch(batch)
}

// Flush writes everything in the queue immediately.
func (w *DebouncedWriter) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = make(map[string]pendingWrite)
	w.mu.Unlock()

	runBatch(batch)
}

// Close flushes pending writes and rejects further enqueues.
func (w *DebouncedWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = make(map[string]pendingWrite)
	w.mu.Unlock()

	runBatch(batch)
}

func runBatch(batch map[string]pendingWrite) {
	for id, pw := range batch {
		if err := pw.save(); err != nil {
			slog.Error("debounced save failed", "session", id, "error", err)
		}
	}
}
