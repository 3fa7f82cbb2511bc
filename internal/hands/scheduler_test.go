package hands

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hands-platform/hands-core/internal/handstore"
)

// fakeClock is a test clock driven by explicit Advance calls, adapted from
// internal/gitai/gateway/cron_test.go's fakeClock so the scheduler loop can
// be exercised deterministically without wall-clock sleeps.
type fakeClock struct {
	mu           sync.Mutex
	current      time.Time
	waiters      []fakeWaiter
	totalWaiters int
}

type fakeWaiter struct {
	fireAt time.Time
	ch     chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{current: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{fireAt: c.current.Add(d), ch: ch})
	c.totalWaiters++
	return ch
}

// Advance moves the clock forward by d and fires any waiters whose deadline
// has passed.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	var remaining []fakeWaiter
	for _, w := range c.waiters {
		if !now.Before(w.fireAt) {
			w.ch <- w.fireAt
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

// WaitForWaiter blocks until at least n total After() calls have been made.
func (c *fakeClock) WaitForWaiter(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		have := c.totalWaiters
		c.mu.Unlock()
		if have >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func newTestManager(t *testing.T, clk clock, mf *Manifest) (*Manager, *handstore.Store) {
	t.Helper()
	store, err := handstore.New(filepath.Join(t.TempDir(), "hands.db"))
	if err != nil {
		t.Fatalf("handstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	agents := map[string]Agent{"echo": &stubAgent{output: "ok"}}
	mgr := newManagerWithClock(t.TempDir(), store, nil, agents, nil, clk)
	mgr.Reconcile([]*Manifest{mf})
	return mgr, store
}

// waitForExecutionCount polls the store until handID has at least n
// recorded executions or the real-time timeout elapses.
func waitForExecutionCount(t *testing.T, store *handstore.Store, handID string, n int, timeout time.Duration) []*handstore.HandExecution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		execs, err := store.GetExecutions(context.Background(), handID, 10)
		if err != nil {
			t.Fatalf("GetExecutions: %v", err)
		}
		if len(execs) >= n {
			return execs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d executions of %q, have %d", n, handID, len(execs))
		}
		time.Sleep(time.Millisecond)
	}
}

// TestManager_FiresEveryMinuteExactlyOnce is spec §8 scenario S6: a Hand
// scheduled every minute, run for two (schedule) minutes, fires exactly
// twice. The cold-start bootstrap window (spec §4.5 point 2) means the
// first due instant fires on an early tick rather than only after a full
// minute has elapsed, so ticking forward a few minutes of simulated time
// is enough to observe both firings.
func TestManager_FiresEveryMinuteExactlyOnce(t *testing.T) {
	start := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	clk := newFakeClock(start)
	mf := &Manifest{ID: "every-min", Schedule: "0 * * * * *", Agents: []string{"echo"}, Enabled: true}

	mgr, store := newTestManager(t, clk, mf)
	defer mgr.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	waitForExecutionCount(t, store, mf.ID, 1, 2*time.Second)

	for i := 0; i < 30 && len(mustGetExecutions(t, store, mf.ID)) < 2; i++ {
		clk.Advance(tickInterval)
		time.Sleep(time.Millisecond)
	}

	execs := waitForExecutionCount(t, store, mf.ID, 2, 2*time.Second)
	if len(execs) != 2 {
		t.Fatalf("expected exactly 2 executions, got %d", len(execs))
	}
	if execs[0].PreviousExecutionID == nil || *execs[0].PreviousExecutionID != execs[1].ID {
		t.Errorf("expected the newer execution to chain previous_execution_id to the older one")
	}
}

func mustGetExecutions(t *testing.T, store *handstore.Store, handID string) []*handstore.HandExecution {
	t.Helper()
	execs, err := store.GetExecutions(context.Background(), handID, 10)
	if err != nil {
		t.Fatalf("GetExecutions: %v", err)
	}
	return execs
}

func TestManager_PauseStopsFiringUntilResumed(t *testing.T) {
	start := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	clk := newFakeClock(start)
	mf := &Manifest{ID: "pausable", Schedule: "0 * * * * *", Agents: []string{"echo"}, Enabled: true}

	mgr, store := newTestManager(t, clk, mf)
	defer mgr.Stop()
	mgr.Pause(mf.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("scheduler did not register its timer in time")
	}
	clk.Advance(time.Minute + tickInterval)
	time.Sleep(50 * time.Millisecond)

	execs, err := store.GetExecutions(context.Background(), mf.ID, 10)
	if err != nil {
		t.Fatalf("GetExecutions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("expected no executions while paused, got %d", len(execs))
	}

	mgr.Resume(mf.ID)
	clk.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		execs, err = store.GetExecutions(context.Background(), mf.ID, 10)
		if err != nil {
			t.Fatalf("GetExecutions: %v", err)
		}
		if len(execs) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for execution after resume")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_TriggerBypassesScheduleGating(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC))
	mf := &Manifest{ID: "triggerable", Schedule: "0 0 0 1 1 *", Agents: []string{"echo"}, Enabled: true}

	mgr, store := newTestManager(t, clk, mf)
	defer mgr.Stop()

	if err := mgr.Trigger(context.Background(), mf.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	execs, err := store.GetExecutions(context.Background(), mf.ID, 10)
	if err != nil {
		t.Fatalf("GetExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution from Trigger, got %d", len(execs))
	}
}

func TestManager_TriggerRejectsDisabledHand(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC))
	mf := &Manifest{ID: "disabled", Schedule: "0 * * * * *", Agents: []string{"echo"}, Enabled: false}

	mgr, _ := newTestManager(t, clk, mf)
	defer mgr.Stop()

	if err := mgr.Trigger(context.Background(), mf.ID); err == nil {
		t.Fatal("expected Trigger to reject a disabled hand")
	}
}
