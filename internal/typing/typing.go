// Package typing manages the "typing..." presence indicator around one
// operation. Each operation owns its own Indicator: overlapping replies in
// the same chat never touch each other's timers.
package typing

import (
	"sync"
	"time"
)

const (
	repeatPeriod = 4 * time.Second
	// Telegram drops the indicator after ~5s of silence; the safety stop
	// bounds the worst case if a downstream call never returns.
	safetyPeriod = 20 * time.Second
)

// Indicator brackets one operation with a repeating presence signal.
// Start is idempotent; Stop must run on every exit path and cancels both
// the repeat ticker and the safety stop.
type Indicator struct {
	send   func()
	repeat time.Duration
	safety time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	timer  *time.Timer
	done   chan struct{}
}

// New creates an indicator that calls send for each signal. send runs on
// the indicator's own goroutine and should swallow transport errors.
func New(send func()) *Indicator {
	return newWithPeriods(send, repeatPeriod, safetyPeriod)
}

func newWithPeriods(send func(), repeat, safety time.Duration) *Indicator {
	return &Indicator{send: send, repeat: repeat, safety: safety}
}

// Start sends an immediate signal and repeats it until Stop or the safety
// timeout. Calling Start while active is a no-op.
func (i *Indicator) Start() {
	i.mu.Lock()
	if i.ticker != nil {
		i.mu.Unlock()
		return
	}
	i.ticker = time.NewTicker(i.repeat)
	i.timer = time.AfterFunc(i.safety, i.Stop)
	i.done = make(chan struct{})
	ticker, done := i.ticker, i.done
	i.mu.Unlock()

	i.send()
	go func() {
		for {
			select {
			case <-ticker.C:
				i.send()
			case <-done:
				return
			}
		}
	}()
}

// Stop cancels the repeating signal and the safety stop. Stopping an
// inactive indicator is a no-op.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ticker == nil {
		return
	}
	i.ticker.Stop()
	i.ticker = nil
	i.timer.Stop()
	i.timer = nil
	close(i.done)
	i.done = nil
}

// Active reports whether the indicator is currently signalling.
func (i *Indicator) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ticker != nil
}
