package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hands-platform/hands-core/internal/handstore"
)

// Config configures an Engine.
type Config struct {
	// DefaultTTL applies to approvals created without an explicit
	// CreateRequest.TTLSeconds.
	DefaultTTL time.Duration
	// BypassApprovers may decide any approval regardless of its
	// Approvers set (spec §4.4 "or bypass-listed").
	BypassApprovers []string
	// SweepInterval is how often the TTL sweeper scans for expired
	// pending approvals. Spec §5 requires a single periodic task with
	// resolution >= 1s.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// Engine is the HitL Approval Engine (spec §4.4).
type Engine struct {
	store     *handstore.Store
	config    Config
	renderers map[string]Renderer

	mu       sync.Mutex
	sweepCh  chan struct{}
	stopOnce sync.Once
}

// New builds an Engine over store. Renderers must be registered with
// RegisterRenderer before Create is called for their channel.
func New(store *handstore.Store, config Config) *Engine {
	return &Engine{
		store:     store,
		config:    config.withDefaults(),
		renderers: map[string]Renderer{},
		sweepCh:   make(chan struct{}),
	}
}

// RegisterRenderer attaches a channel-specific card renderer. Not safe to
// call concurrently with Create.
func (e *Engine) RegisterRenderer(r Renderer) {
	e.renderers[r.ChannelType()] = r
}

// RunSweeper starts the TTL sweeper goroutine. It returns immediately;
// the sweeper runs until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.sweepCh:
				return
			case <-ticker.C:
				e.sweepExpired(ctx)
			}
		}
	}()
}

// Stop terminates a running sweeper started by RunSweeper.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.sweepCh) })
}

func (e *Engine) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := e.store.ListPendingExpired(ctx, now)
	if err != nil {
		slog.Error("hitl: list expired approvals", "error", err)
		return
	}
	for _, req := range expired {
		reason := "expired"
		if err := e.store.Decide(ctx, req.ID, handstore.ApprovalCancelled, "system", &reason, nil); err != nil {
			slog.Error("hitl: expire approval", "id", req.ID, "error", err)
		}
	}
}

// Create generates an id, persists a pending approval, renders its card
// on the target channel, and records the returned message id. Rendering
// failure is all-or-nothing: the request is NOT persisted (spec §4.4
// Failure semantics).
func (e *Engine) Create(ctx context.Context, in CreateRequest) (*handstore.ApprovalRequest, error) {
	renderer, ok := e.renderers[in.Channel]
	if !ok {
		return nil, fmt.Errorf("hitl: no renderer registered for channel %q", in.Channel)
	}

	ttl := e.config.DefaultTTL
	if in.TTLSeconds != nil {
		ttl = time.Duration(*in.TTLSeconds) * time.Second
	}
	expiresAt := time.Now().UTC().Add(ttl)

	req := &handstore.ApprovalRequest{
		Type:        string(in.Type),
		Requester:   in.Requester,
		Approvers:   in.Approvers,
		Title:       in.Title,
		Description: in.Description,
		Channel:     in.Channel,
		ChannelID:   in.ChannelID,
		Metadata:    in.Metadata,
		ExpiresAt:   &expiresAt,
	}

	// Render before persisting: a card that can't be sent must not leave
	// a dangling pending approval behind.
	messageID, err := renderer.SendApprovalCard(ctx, req, in.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("hitl: render approval card: %w", err)
	}
	req.MessageID = &messageID

	if err := e.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("hitl: persist approval: %w", err)
	}
	return req, nil
}

// Get returns the approval with the given id.
func (e *Engine) Get(ctx context.Context, id string) (*handstore.ApprovalRequest, error) {
	return e.store.GetApproval(ctx, id)
}

// Status returns the current status of the approval with the given id.
func (e *Engine) Status(ctx context.Context, id string) (handstore.ApprovalStatus, error) {
	req, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

func authorized(decidedBy string, req *handstore.ApprovalRequest, bypass []string) bool {
	for _, b := range bypass {
		if b == decidedBy {
			return true
		}
	}
	for _, a := range req.Approvers {
		if a == decidedBy {
			return true
		}
	}
	return false
}

// Decide applies a terminal transition to a pending approval (spec §4.4
// decide). Idempotent on terminal states: a second call returns
// handstore.ErrAlreadyDecided. The card is updated on the channel
// best-effort; a rendering failure here is logged, not returned, since
// the decision has already been durably recorded.
func (e *Engine) Decide(ctx context.Context, id, decidedBy string, approved bool, reason *string) error {
	req, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	if !authorized(decidedBy, req, e.config.BypassApprovers) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, decidedBy)
	}

	status := handstore.ApprovalRejected
	if approved {
		status = handstore.ApprovalApproved
	}
	if err := e.store.Decide(ctx, id, status, decidedBy, reason, nil); err != nil {
		return err
	}

	e.updateCardBestEffort(ctx, id)
	return nil
}

// Cancel is a convenience wrapper over Decide's Cancelled transition
// (spec §4.4 cancel).
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	if err := e.store.Decide(ctx, id, handstore.ApprovalCancelled, "system", &reason, nil); err != nil {
		return err
	}
	e.updateCardBestEffort(ctx, id)
	return nil
}

func (e *Engine) updateCardBestEffort(ctx context.Context, id string) {
	req, err := e.store.GetApproval(ctx, id)
	if err != nil || req.MessageID == nil {
		return
	}
	renderer, ok := e.renderers[req.Channel]
	if !ok {
		return
	}
	if err := renderer.UpdateCard(ctx, req, *req.MessageID); err != nil {
		slog.Warn("hitl: update card after decision", "id", id, "error", err)
	}
}

// WaitForDecision blocks until the approval reaches a terminal status,
// polling the store at pollInterval (spec §4.4 wait_for_decision).
func (e *Engine) WaitForDecision(ctx context.Context, id string, pollInterval time.Duration) (handstore.ApprovalStatus, error) {
	return e.WaitForDecisionWithTimeout(ctx, id, pollInterval, 0)
}

// WaitForDecisionWithTimeout is WaitForDecision bounded by timeout. A
// zero timeout means no bound beyond ctx's own deadline.
func (e *Engine) WaitForDecisionWithTimeout(ctx context.Context, id string, pollInterval, timeout time.Duration) (handstore.ApprovalStatus, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		req, err := e.store.GetApproval(ctx, id)
		if err != nil {
			return "", err
		}
		if req.Status.Terminal() {
			return req.Status, nil
		}
		select {
		case <-waitCtx.Done():
			return handstore.ApprovalPending, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

// HandleCallback parses a raw webhook payload for channel, validates
// approver membership, and applies the resulting decision (spec §4.4
// handle_callback). The platform callback id is recorded in metadata for
// audit; correlation to the approval is via the request id embedded in
// the payload, not the platform callback id.
func (e *Engine) HandleCallback(ctx context.Context, channel string, raw []byte) error {
	renderer, ok := e.renderers[channel]
	if !ok {
		return fmt.Errorf("hitl: no renderer registered for channel %q", channel)
	}

	data, err := renderer.ParseCallback(raw)
	if err != nil {
		return fmt.Errorf("hitl: parse callback: %w", err)
	}

	req, err := e.store.GetApproval(ctx, data.RequestID)
	if err != nil {
		return fmt.Errorf("%w: %s", handstore.ErrNotFound, data.RequestID)
	}
	if !authorized(data.UserID, req, e.config.BypassApprovers) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, data.UserID)
	}

	status := handstore.ApprovalRejected
	if data.Action == ActionApprove {
		status = handstore.ApprovalApproved
	}
	if err := e.store.Decide(ctx, data.RequestID, status, data.UserID, data.Reason, &data.PlatformCallbackID); err != nil {
		return err
	}

	e.updateCardBestEffort(ctx, data.RequestID)
	return nil
}
