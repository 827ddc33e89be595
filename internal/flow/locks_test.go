package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockRegistryAcquireRelease(t *testing.T) {
	r := newLockRegistry()
	ctx := context.Background()

	release, err := r.acquire(ctx, "c1", time.Second)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	// A second waiter times out while the lock is held.
	if _, err := r.acquire(ctx, "c1", 30*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("second acquire error = %v, want ErrLockTimeout", err)
	}

	// A different contact is unaffected.
	release2, err := r.acquire(ctx, "c2", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire(c2) error = %v", err)
	}
	release2()

	release()
	release3, err := r.acquire(ctx, "c1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
	release3()

	// All locks released: the registry should not leak entries.
	r.mu.Lock()
	n := len(r.locks)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("registry holds %d entries after release, want 0", n)
	}
}

func TestLockRegistryContextCancel(t *testing.T) {
	r := newLockRegistry()
	release, err := r.acquire(context.Background(), "c1", time.Second)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.acquire(ctx, "c1", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("acquire with cancelled ctx error = %v, want context.Canceled", err)
	}
}

func TestLockRegistryMutualExclusion(t *testing.T) {
	r := newLockRegistry()
	ctx := context.Background()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.acquire(ctx, "c1", 5*time.Second)
			if err != nil {
				t.Errorf("acquire() error = %v", err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInCritical)
	}
}
