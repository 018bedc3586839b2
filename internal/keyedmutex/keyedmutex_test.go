package keyedmutex

import (
	"sync"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	km := New()
	km.Lock("a")
	km.Unlock("a")

	// Entry should be cleaned up once released.
	km.mu.Lock()
	n := len(km.entries)
	km.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 entries after unlock, got %d", n)
	}
}

func TestSameKeySerializes(t *testing.T) {
	km := New()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("job-1")
			defer km.Unlock("job-1")
			// Unsynchronized increment; the keyed mutex is the only guard.
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("expected counter 100, got %d", counter)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	km.Lock("a")
	defer km.Unlock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockUnknownKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unlock of unknown key")
		}
	}()
	New().Unlock("nope")
}
