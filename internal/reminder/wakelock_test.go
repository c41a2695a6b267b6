package reminder

import (
	"sync"
	"testing"
	"time"
)

func TestWakeLockSingleHolder(t *testing.T) {
	t.Parallel()
	w := NewWakeLock(time.Minute)

	release, ok := w.Acquire(nil)
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if !w.Held() {
		t.Fatal("lock should be held")
	}

	acquired := make(chan struct{})
	go func() {
		r2, ok := w.Acquire(nil)
		if ok {
			r2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never got the lock after release")
	}
}

func TestWakeLockReleaseIdempotent(t *testing.T) {
	t.Parallel()
	w := NewWakeLock(time.Minute)
	release, _ := w.Acquire(nil)
	release()
	release() // must not free someone else's hold

	r2, ok := w.Acquire(nil)
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
	release() // stale again
	if !w.Held() {
		t.Fatal("stale release must not drop the current hold")
	}
	r2()
}

func TestWakeLockHoldCapExpires(t *testing.T) {
	t.Parallel()
	w := NewWakeLock(20 * time.Millisecond)
	release, _ := w.Acquire(nil)

	r2ch := make(chan func(), 1)
	go func() {
		r2, ok := w.Acquire(nil)
		if ok {
			r2ch <- r2
		}
	}()

	select {
	case r2 := <-r2ch:
		// The cap freed the wedged hold; the late release must be a no-op.
		release()
		if !w.Held() {
			t.Fatal("expired holder's release stole the new hold")
		}
		r2()
	case <-time.After(2 * time.Second):
		t.Fatal("hold cap never freed the lock")
	}
}

func TestWakeLockAcquireAborts(t *testing.T) {
	t.Parallel()
	w := NewWakeLock(time.Minute)
	release, _ := w.Acquire(nil)
	defer release()

	done := make(chan struct{})
	close(done)
	if _, ok := w.Acquire(done); ok {
		t.Fatal("acquire should fail when done is already closed")
	}
}

func TestWakeLockSerializesWaiters(t *testing.T) {
	t.Parallel()
	w := NewWakeLock(time.Minute)

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok := w.Acquire(nil)
			if !ok {
				t.Error("acquire failed")
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("wake lock admitted %d holders at once", maxInside)
	}
}
