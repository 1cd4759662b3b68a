package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"matchflow/internal/store/storetest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 2, 15, 0, 0, 0, time.UTC)}
	return NewManager(storetest.New(t)).WithClock(clock.Now), clock
}

func TestAcquire_ContendedUntilLeaseExpires(t *testing.T) {
	m, clock := setup(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "sch_1", "holder-a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("holder A acquire: ok=%v err=%v", ok, err)
	}

	clock.Advance(time.Second)
	ok, err = m.Acquire(ctx, "sch_1", "holder-b", 30*time.Second)
	if err != nil {
		t.Fatalf("holder B acquire: %v", err)
	}
	if ok {
		t.Fatal("holder B acquired a lock still leased to A")
	}

	clock.Advance(30 * time.Second)
	ok, err = m.Acquire(ctx, "sch_1", "holder-b", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("holder B acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestAcquire_SameHolderIsRefused(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "sch_1", "holder-a", time.Minute); !ok {
		t.Fatal("first acquire refused")
	}
	if ok, _ := m.Acquire(ctx, "sch_1", "holder-a", time.Minute); ok {
		t.Error("re-acquire of a held lock must be refused")
	}
}

func TestAcquire_IndependentSchedules(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "sch_1", "holder-a", time.Minute); !ok {
		t.Fatal("sch_1 refused")
	}
	if ok, _ := m.Acquire(ctx, "sch_2", "holder-b", time.Minute); !ok {
		t.Error("sch_2 refused while only sch_1 is held")
	}
}

func TestRelease_OnlyByHolder(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "sch_1", "holder-a", time.Minute); !ok {
		t.Fatal("acquire refused")
	}
	if err := m.Release(ctx, "sch_1", "holder-b"); err != nil {
		t.Fatalf("release by non-holder returned error: %v", err)
	}
	if ok, _ := m.Acquire(ctx, "sch_1", "holder-b", time.Minute); ok {
		t.Fatal("non-holder release cleared the lock")
	}

	if err := m.Release(ctx, "sch_1", "holder-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := m.Acquire(ctx, "sch_1", "holder-b", time.Minute); !ok {
		t.Error("lock not free after holder released it")
	}
}

func TestExtend(t *testing.T) {
	m, clock := setup(t)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "sch_1", "holder-a", 10*time.Second); !ok {
		t.Fatal("acquire refused")
	}
	clock.Advance(8 * time.Second)
	if err := m.Extend(ctx, "sch_1", "holder-a", 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	clock.Advance(8 * time.Second)
	if ok, _ := m.Acquire(ctx, "sch_1", "holder-b", 10*time.Second); ok {
		t.Error("extended lease was taken over")
	}

	if err := m.Extend(ctx, "sch_1", "holder-b", time.Second); !errors.Is(err, ErrNotHolder) {
		t.Errorf("expected ErrNotHolder, got %v", err)
	}
}

func TestAcquire_AtMostOneWinner(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, holder := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			ok, err := m.Acquire(ctx, "sch_1", h, time.Minute)
			if err != nil {
				t.Errorf("acquire %s: %v", h, err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(holder)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("got %d holders, want exactly 1", wins)
	}
}

func TestAcquire_RejectsNonPositiveLease(t *testing.T) {
	m, _ := setup(t)
	if _, err := m.Acquire(context.Background(), "sch_1", "a", 0); err == nil {
		t.Error("expected error for zero lease")
	}
}
