package hands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hands-platform/hands-core/common/retry"
	"github.com/hands-platform/hands-core/internal/handstore"
)

// clock abstracts time so the scheduler can be driven in tests without
// wall-clock sleeps, adapted from
// internal/gitai/gateway/cron.go's clock/realClock pair.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                        { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// tickInterval is the scheduler's polling granularity (spec §4.5: "ticks a
// loop at a fine granularity (≤10s)").
const tickInterval = 5 * time.Second

// recencyWindow bounds how late a due instant may still fire before the
// scheduler gives up on it (spec §4.5 point 2: "within 60s recency").
const recencyWindow = 60 * time.Second

const (
	defaultMaxRetries     = 3
	defaultAlertThreshold = 5
)

// PlatformTask is a named, cron-scheduled, retried task outside the Hand
// manifest set (spec §4.5 point 3): session_start, session_pause,
// session_resume, session_stop, daily_review. Unlike Hand executions,
// platform tasks get their own retry budget (spec §4.5 "Retry and
// failure").
type PlatformTask struct {
	Name           string
	Schedule       string
	MaxRetries     int // default 3
	AlertThreshold int // default 5
	Run            func(ctx context.Context) error
}

// Notifier delivers a Hand execution's terminal-status message to its
// configured notification channel (spec §4.5 "Notification bridge").
// Notification failures must never fail the execution (spec §7).
type Notifier interface {
	Notify(ctx context.Context, m *Manifest, exec *handstore.HandExecution) error
}

// Manager runs the Hands Scheduler: manifest discovery, cron ticking,
// pipeline dispatch, resource guards, and platform-task retries. Structured
// after internal/gitai/gateway/cron.go's Manager (mutex-guarded state,
// injectable clock, Reconcile/Stop) but implemented as the single ticking
// loop spec §4.5 calls for, rather than one sleep-until-due goroutine per
// job.
type Manager struct {
	mu             sync.Mutex
	manifests      map[string]*Manifest
	paused         map[string]bool
	lastExecutions map[string]time.Time
	platformFails  map[string]int

	platformTasks []PlatformTask

	store    *handstore.Store
	gate     *ToolGate
	agents   map[string]Agent
	notifier Notifier
	handsDir string

	globallyPaused bool

	ctx    context.Context
	cancel context.CancelFunc
	clk    clock
	wg     sync.WaitGroup
}

// NewManager constructs a Manager that discovers manifests from handsDir,
// runs their pipelines against agents, authorizes tool calls through gate,
// persists executions in store, and notifies terminal transitions through
// notifier (nil disables notifications).
func NewManager(handsDir string, store *handstore.Store, gate *ToolGate, agents map[string]Agent, notifier Notifier) *Manager {
	return newManagerWithClock(handsDir, store, gate, agents, notifier, realClock{})
}

func newManagerWithClock(handsDir string, store *handstore.Store, gate *ToolGate, agents map[string]Agent, notifier Notifier, clk clock) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		manifests:      map[string]*Manifest{},
		paused:         map[string]bool{},
		lastExecutions: map[string]time.Time{},
		platformFails:  map[string]int{},
		store:          store,
		gate:           gate,
		agents:         agents,
		notifier:       notifier,
		handsDir:       handsDir,
		ctx:            ctx,
		cancel:         cancel,
		clk:            clk,
	}
}

// SetPlatformTasks registers the platform-level tasks (spec §4.5 point 3)
// the scheduler also ticks.
func (m *Manager) SetPlatformTasks(tasks []PlatformTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platformTasks = tasks
}

// Discover scans handsDir and loads its current set of Hand manifests.
// Parse errors for individual files are logged and skipped; manifests that
// did parse are still loaded (spec §4.5 "Discovery").
func (m *Manager) Discover() error {
	manifests, err := DiscoverManifests(m.handsDir)
	if err != nil {
		slog.Error("hands: manifest discovery had parse errors", "error", err)
	}
	m.Reconcile(manifests)
	return nil
}

// Reconcile replaces the active manifest set, preserving last-fired and
// pause state for Hands whose id is unchanged.
func (m *Manager) Reconcile(manifests []*Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Manifest, len(manifests))
	for _, mf := range manifests {
		next[mf.ID] = mf
	}
	for id := range m.manifests {
		if _, ok := next[id]; !ok {
			delete(m.lastExecutions, id)
			delete(m.paused, id)
		}
	}
	m.manifests = next
}

// Run ticks the scheduler loop until ctx is cancelled or Stop is called
// (spec §4.5 "run() — never returns in normal operation").
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			m.wg.Wait()
			return runCtx.Err()
		case <-m.clk.After(tickInterval):
			m.tick(runCtx)
		}
	}
}

// Stop halts the scheduler and waits for in-flight executions to return.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Pause disables firing for a specific Hand id, or every Hand when id is
// empty (spec §4.5 "pause()").
func (m *Manager) Pause(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.globallyPaused = true
		return
	}
	m.paused[id] = true
}

// Resume reverses Pause.
func (m *Manager) Resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.globallyPaused = false
		return
	}
	delete(m.paused, id)
}

// Trigger runs handID immediately, bypassing cron gating (but not the
// enabled flag or market-hours execution gate), per spec §4.5 "trigger()".
func (m *Manager) Trigger(ctx context.Context, handID string) error {
	m.mu.Lock()
	mf, ok := m.manifests[handID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("hands: no such hand %q", handID)
	}
	if !mf.Enabled {
		return fmt.Errorf("hands: hand %q is disabled", handID)
	}
	return m.runHand(ctx, mf)
}

// RunPreparation runs handID's preparation path unconditionally, ignoring
// any market_hours gate (spec §4.5 point 4: "preparation tasks — always-on,
// 24/7, refresh state").
func (m *Manager) RunPreparation(ctx context.Context, handID string) error {
	return m.Trigger(ctx, handID)
}

// RunExecution runs handID only if it is currently within its configured
// market hours (spec §4.5 point 4: "execution tasks — gated to trading
// hours"). A manifest without market_hours is always in session.
func (m *Manager) RunExecution(ctx context.Context, handID string) error {
	m.mu.Lock()
	mf, ok := m.manifests[handID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("hands: no such hand %q", handID)
	}
	inSession, err := mf.MarketHours.InSession(m.clk.Now())
	if err != nil {
		return fmt.Errorf("hands: evaluate market hours for %q: %w", handID, err)
	}
	if !inSession {
		slog.Debug("hands: skipping execution outside market hours", "hand_id", handID)
		return nil
	}
	return m.Trigger(ctx, handID)
}

// tick evaluates every enabled Hand and platform task once, firing any that
// are due (spec §4.5 "Scheduling algorithm").
func (m *Manager) tick(ctx context.Context) {
	now := m.clk.Now()

	m.mu.Lock()
	if m.globallyPaused {
		m.mu.Unlock()
		return
	}
	due := make([]*Manifest, 0, len(m.manifests))
	for id, mf := range m.manifests {
		if !mf.Enabled || m.paused[id] {
			continue
		}
		if m.isDueLocked(mf, now) {
			due = append(due, mf)
			m.lastExecutions[id] = now
		}
	}
	tasks := append([]PlatformTask(nil), m.platformTasks...)
	m.mu.Unlock()

	for _, mf := range due {
		mf := mf
		inSession, err := mf.MarketHours.InSession(now)
		if err != nil {
			slog.Error("hands: market hours check failed, skipping tick fire", "hand_id", mf.ID, "error", err)
			continue
		}
		if !inSession {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.runHand(ctx, mf); err != nil {
				slog.Error("hands: scheduled execution failed", "hand_id", mf.ID, "error", err)
			}
		}()
	}

	for _, task := range tasks {
		task := task
		if !m.isTaskDue(task.Name, task.Schedule, now) {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runPlatformTask(ctx, task)
		}()
	}
}

// isDueLocked reports whether mf's next scheduled instant after its
// last-fired timestamp has arrived and is still within recencyWindow.
// Caller must hold m.mu.
func (m *Manager) isDueLocked(mf *Manifest, now time.Time) bool {
	sched, err := ParseSchedule(mf.Schedule)
	if err != nil {
		slog.Error("hands: invalid schedule, skipping", "hand_id", mf.ID, "error", err)
		return false
	}
	last, ok := m.lastExecutions[mf.ID]
	if !ok {
		last = now.Add(-time.Hour) // bootstrap window (spec §4.5 point 2)
	}
	next := sched.Next(last)
	// A cold-start bootstrap (or a long pause) can leave next many periods
	// behind now; skip past every instant that already fell outside the
	// recency window instead of replaying one stale tick per call.
	for !next.IsZero() && next.Before(now.Add(-recencyWindow)) {
		next = sched.Next(next)
	}
	if next.IsZero() || next.After(now) {
		return false
	}
	return now.Sub(next) <= recencyWindow
}

func (m *Manager) isTaskDue(name, expr string, now time.Time) bool {
	sched, err := ParseSchedule(expr)
	if err != nil {
		slog.Error("hands: invalid platform task schedule, skipping", "task", name, "error", err)
		return false
	}
	m.mu.Lock()
	last, ok := m.lastExecutions[name]
	m.mu.Unlock()
	if !ok {
		last = now.Add(-time.Hour)
	}
	next := sched.Next(last)
	if next.IsZero() || next.After(now) {
		return false
	}
	if now.Sub(next) > recencyWindow {
		return false
	}
	m.mu.Lock()
	m.lastExecutions[name] = now
	m.mu.Unlock()
	return true
}

// runPlatformTask executes task with its own retry budget and alert
// threshold (spec §4.5 "Retry and failure": "Retries apply to platform
// tasks... After a task's consecutive failure count exceeds
// alert_threshold, emit an alert log and reset the counter").
func (m *Manager) runPlatformTask(ctx context.Context, task PlatformTask) {
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	alertThreshold := task.AlertThreshold
	if alertThreshold <= 0 {
		alertThreshold = defaultAlertThreshold
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  maxRetries,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}, func() error { return task.Run(ctx) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.platformFails[task.Name]++
		slog.Error("hands: platform task failed", "task", task.Name, "error", err, "consecutive_failures", m.platformFails[task.Name])
		if m.platformFails[task.Name] > alertThreshold {
			slog.Error("hands: platform task alert threshold exceeded", "task", task.Name, "consecutive_failures", m.platformFails[task.Name])
			m.platformFails[task.Name] = 0
		}
		return
	}
	m.platformFails[task.Name] = 0
}

// runHand creates an execution row, runs the pipeline, enforces resource
// guards, persists the result, and fires the notification bridge.
func (m *Manager) runHand(ctx context.Context, mf *Manifest) error {
	state, err := m.store.GetState(ctx, mf.ID)
	if err != nil {
		return fmt.Errorf("hands: load hand state for %q: %w", mf.ID, err)
	}

	exec, err := m.store.CreateExecution(ctx, mf.ID, state.LastExecutionID)
	if err != nil {
		return fmt.Errorf("hands: create execution for %q: %w", mf.ID, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if mf.Resources.MaxDurationSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(mf.Resources.MaxDurationSec)*time.Second)
		defer cancel()
	}

	exec.Status = handstore.ExecutionRunning
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		slog.Error("hands: failed to mark execution running", "execution_id", exec.ID, "error", err)
	}

	input := map[string]any{"params": mf.Params}
	result, runErr := RunPipeline(runCtx, mf, m.agents, mf.ID, exec.ID, input, m.gate)

	now := time.Now().UTC()
	exec.EndedAt = &now

	switch {
	case runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exec.Status = handstore.ExecutionFailed
		msg := "resource exceeded"
		exec.Error = &msg
	case runErr != nil:
		exec.Status = handstore.ExecutionFailed
		msg := runErr.Error()
		exec.Error = &msg
	default:
		if tokens, cost, exceeded := resourcesExceeded(mf.Resources, result); exceeded {
			exec.Status = handstore.ExecutionFailed
			msg := "resource exceeded"
			exec.Error = &msg
			exec.Metadata["tokens_used"] = tokens
			exec.Metadata["cost_usd"] = cost
		} else {
			exec.Status = handstore.ExecutionSuccess
			out := result.Output
			exec.Output = &out
			exec.Metadata["tokens_used"] = tokens
			exec.Metadata["cost_usd"] = cost
		}
	}

	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		slog.Error("hands: failed to persist execution result", "execution_id", exec.ID, "error", err)
	}
	if err := m.store.UpdateState(ctx, mf.ID, exec); err != nil {
		slog.Error("hands: failed to update hand state", "hand_id", mf.ID, "error", err)
	}

	m.notify(ctx, mf, exec)

	if runErr != nil {
		return runErr
	}
	return nil
}

// notify fires the notification bridge; its own errors are logged and
// never returned (spec §7 "Notification failures never propagate back into
// execution status").
func (m *Manager) notify(ctx context.Context, mf *Manifest, exec *handstore.HandExecution) {
	if m.notifier == nil || mf.Notification.ChannelType == "" {
		return
	}
	send := false
	switch mf.Notification.SendWhen {
	case SendOnSuccess:
		send = exec.Status == handstore.ExecutionSuccess
	case SendOnFailure:
		send = exec.Status == handstore.ExecutionFailed || exec.Status == handstore.ExecutionCancelled
	case SendAlways, "":
		send = true
	}
	if !send {
		return
	}
	if err := m.notifier.Notify(ctx, mf, exec); err != nil {
		slog.Warn("hands: notification delivery failed", "hand_id", mf.ID, "execution_id", exec.ID, "error", err)
	}
}

// resourcesExceeded sums token/cost counters across a pipeline result's
// per-agent metadata and reports whether any of Resources' guards were
// breached (spec §4.5 "Resource guards").
func resourcesExceeded(r Resources, result *PipelineResult) (tokens int64, costUSD float64, exceeded bool) {
	if result == nil {
		return 0, 0, false
	}
	for _, step := range result.PerAgent {
		if step.Metadata == nil {
			continue
		}
		if v, ok := step.Metadata["tokens_used"]; ok {
			tokens += toInt64(v)
		}
		if v, ok := step.Metadata["cost_usd"]; ok {
			costUSD += toFloat64(v)
		}
	}
	if r.MaxTokens > 0 && tokens > r.MaxTokens {
		exceeded = true
	}
	if r.MaxCostUSD > 0 && costUSD > r.MaxCostUSD {
		exceeded = true
	}
	return tokens, costUSD, exceeded
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
