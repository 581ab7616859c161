package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policygate/policygate/internal/models"
)

func TestTryAcquire_AllOrNothing(t *testing.T) {
	m := NewManager()

	release, err := m.TryAcquire("p-1", "file:a.tf", "file:b.tf")
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	_, err = m.TryAcquire("p-2", "file:c.tf", "file:b.tf")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Holder != "p-1" || conflict.Key != "file:b.tf" {
		t.Errorf("unexpected conflict: %+v", conflict)
	}
	if !errors.Is(err, models.ErrConcurrencyConflict) {
		t.Error("conflict should unwrap to ErrConcurrencyConflict")
	}
	if _, held := m.Holder("file:c.tf"); held {
		t.Error("failed acquire must not keep partial locks")
	}

	release()
	release() // idempotent
	if m.Held() != 0 {
		t.Errorf("Held = %d after release, want 0", m.Held())
	}

	if _, err := m.TryAcquire("p-2", "file:c.tf", "file:b.tf"); err != nil {
		t.Errorf("TryAcquire after release failed: %v", err)
	}
}

func TestTryAcquire_Reentrant(t *testing.T) {
	m := NewManager()
	outer, err := m.TryAcquire("p-1", "k")
	if err != nil {
		t.Fatal(err)
	}
	inner, err := m.TryAcquire("p-1", "k")
	if err != nil {
		t.Fatalf("owner should be able to re-acquire its own key: %v", err)
	}
	inner()
	if owner, _ := m.Holder("k"); owner != "p-1" {
		t.Error("inner release must not drop the outer lock")
	}
	outer()
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	m := NewManager()
	release, _ := m.TryAcquire("first", "target")

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(context.Background(), "second", "target")
		if err != nil {
			t.Errorf("Acquire failed: %v", err)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second owner acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second owner never acquired the lock")
	}
}

func TestAcquire_ContextCancel(t *testing.T) {
	m := NewManager()
	_, _ = m.TryAcquire("first", "target")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "second", "target"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquire_MutualExclusionStress(t *testing.T) {
	m := NewManager()
	var inside atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := string(rune('a' + i%26)) + string(rune('0'+i/26))
			r, err := m.Acquire(context.Background(), owner, "shared", "other")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			if inside.Add(1) > 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			r()
		}(i)
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Errorf("%d overlapping holders observed", violations.Load())
	}
}
