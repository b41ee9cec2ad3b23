package concurrency

import (
	"context"
	"math"
	"sync"
	"time"
)

// MaxTimerStep is the longest delay handed to a single underlying timer
// (2^31-1 milliseconds, about 24.8 days).
const MaxTimerStep = time.Duration(math.MaxInt32) * time.Millisecond

// LongTimer calls a function once after an arbitrarily long delay by chaining
// timers of at most MaxTimerStep each.
type LongTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	step     time.Duration
	fn       func()
	links    int
	done     bool
}

// AfterFunc waits for d and then calls fn in its own goroutine.
func AfterFunc(d time.Duration, fn func()) *LongTimer {
	return newLongTimer(d, MaxTimerStep, fn)
}

func newLongTimer(d, step time.Duration, fn func()) *LongTimer {
	if d < 0 {
		d = 0
	}
	t := &LongTimer{
		deadline: time.Now().Add(d),
		step:     step,
		fn:       fn,
	}
	t.mu.Lock()
	t.arm()
	t.mu.Unlock()
	return t
}

// arm schedules the next link. Caller holds t.mu.
func (t *LongTimer) arm() {
	t.links++
	remaining := time.Until(t.deadline)
	if remaining > t.step {
		t.timer = time.AfterFunc(t.step, t.next)
		return
	}
	t.timer = time.AfterFunc(remaining, t.fire)
}

func (t *LongTimer) next() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.arm()
}

func (t *LongTimer) fire() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	t.fn()
}

// Stop prevents the timer from firing. It returns false if the timer already
// fired or was stopped.
func (t *LongTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Links reports how many underlying timers have been armed so far.
func (t *LongTimer) Links() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := AfterFunc(d, func() { close(fired) })
	defer t.Stop()

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
