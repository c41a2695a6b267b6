package reminder

import (
	"sync"
	"time"
)

// WakeLock serializes reminder deliveries: one holder at a time, with a hard
// cap on how long a holder can sit on the lock. A delivery that wedges past
// the cap loses the lock so the next reminder isn't starved.
type WakeLock struct {
	mu      sync.Mutex
	holdMax time.Duration
	gen     uint64
	held    bool
	waiters []chan struct{}
	timer   *time.Timer
}

func NewWakeLock(holdMax time.Duration) *WakeLock {
	if holdMax <= 0 {
		holdMax = 10 * time.Minute
	}
	return &WakeLock{holdMax: holdMax}
}

// Acquire blocks until the lock is free or done is closed. It returns a
// release func and true on success. Release is idempotent and a no-op once
// the hold cap has already expired the acquisition.
func (w *WakeLock) Acquire(done <-chan struct{}) (release func(), ok bool) {
	for {
		w.mu.Lock()
		if !w.held {
			w.held = true
			w.gen++
			gen := w.gen
			w.timer = time.AfterFunc(w.holdMax, func() { w.expire(gen) })
			w.mu.Unlock()
			return func() { w.release(gen) }, true
		}
		wait := make(chan struct{})
		w.waiters = append(w.waiters, wait)
		w.mu.Unlock()

		select {
		case <-wait:
		case <-done:
			w.abandon(wait)
			return nil, false
		}
	}
}

// Held reports whether some delivery currently holds the lock.
func (w *WakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

func (w *WakeLock) release(gen uint64) {
	w.mu.Lock()
	if !w.held || w.gen != gen {
		// Stale release: the hold cap already let go.
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.freeLocked()
	w.mu.Unlock()
}

func (w *WakeLock) expire(gen uint64) {
	w.mu.Lock()
	if w.held && w.gen == gen {
		w.timer = nil
		w.freeLocked()
	}
	w.mu.Unlock()
}

func (w *WakeLock) freeLocked() {
	w.held = false
	if len(w.waiters) > 0 {
		next := w.waiters[0]
		w.waiters = w.waiters[1:]
		close(next)
	}
}

func (w *WakeLock) abandon(wait chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.waiters {
		if c == wait {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
	// Our wakeup already fired; pass it on so the signal isn't lost.
	if !w.held && len(w.waiters) > 0 {
		next := w.waiters[0]
		w.waiters = w.waiters[1:]
		close(next)
	}
}
