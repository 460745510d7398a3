package store

import (
	"sync"
	"time"
)

// debouncedWriter coalesces physical writes: every Touch restarts the quiet
// period, and the write runs once the period elapses with no further
// mutations. Flush runs a pending write immediately (shutdown path).
type debouncedWriter struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	write func()
}

func newDebouncedWriter(delay time.Duration, write func()) *debouncedWriter {
	return &debouncedWriter{delay: delay, write: write}
}

func (w *debouncedWriter) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.write()
	})
}

func (w *debouncedWriter) Flush() {
	w.mu.Lock()
	pending := w.timer != nil
	if pending {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	if pending {
		w.write()
	}
}
