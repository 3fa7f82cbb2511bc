// Package callback implements the HTTP ingress for inbound HitL channel
// callbacks: POST /hitl/callback/{channel} (spec §6). It authenticates and
// rate-limits deliveries before handing the raw body to
// hitl.Engine.HandleCallback, mirroring the house style of
// internal/ruriko/webhook/proxy.go's reverse-proxy handler.
package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

// maxBodyBytes caps inbound callback bodies, matching the webhook proxy's
// own 1 MiB ceiling.
const maxBodyBytes = 1 * 1024 * 1024

// DefaultRateLimit is the default sustained rate of callback deliveries
// allowed per channel, in events per second.
const DefaultRateLimit = 10

// DefaultBurst is the default token bucket burst size per channel.
const DefaultBurst = 20

// decider is the subset of *hitl.Engine the ingress handler needs, so
// tests can substitute a fake.
type decider interface {
	HandleCallback(ctx context.Context, channel string, raw []byte) error
}

// Handler serves POST /hitl/callback/{channel}.
type Handler struct {
	engine decider

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateLim  rate.Limit
	burst    int
}

// Config configures a Handler's rate limiting.
type Config struct {
	// RatePerSecond is the sustained rate of callback deliveries allowed
	// per channel. Defaults to DefaultRateLimit when zero or negative.
	RatePerSecond float64
	// Burst is the token bucket burst size per channel. Defaults to
	// DefaultBurst when zero or negative.
	Burst int
}

// New builds a Handler over engine. Swapped from the teacher's hand-rolled
// fixed-window rate.limiter to golang.org/x/time/rate's token bucket,
// already present as an indirect dependency via maunium.net/go/mautrix.
func New(engine decider, cfg Config) *Handler {
	r := cfg.RatePerSecond
	if r <= 0 {
		r = DefaultRateLimit
	}
	b := cfg.Burst
	if b <= 0 {
		b = DefaultBurst
	}
	return &Handler{
		engine:   engine,
		limiters: map[string]*rate.Limiter{},
		rateLim:  rate.Limit(r),
		burst:    b,
	}
}

func (h *Handler) limiterFor(channel string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[channel]
	if !ok {
		l = rate.NewLimiter(h.rateLim, h.burst)
		h.limiters[channel] = l
	}
	return l
}

// RouteRegistrar is satisfied by *http.ServeMux, matching the registrar
// interface the teacher's webhook Proxy exposes.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the callback ingress handler under the channel
// callback prefix.
func (h *Handler) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/hitl/callback/", http.HandlerFunc(h.handle))
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channel := strings.TrimPrefix(r.URL.Path, "/hitl/callback/")
	channel = strings.Trim(channel, "/")
	if channel == "" {
		http.Error(w, "invalid path: expected /hitl/callback/{channel}", http.StatusNotFound)
		return
	}

	if !h.limiterFor(channel).Allow() {
		slog.Info("hitl: callback rate limit exceeded", "channel", channel)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.HandleCallback(r.Context(), channel, body); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, handstore.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, hitl.ErrNotAuthorized):
			status = http.StatusForbidden
		case errors.Is(err, handstore.ErrAlreadyDecided):
			status = http.StatusConflict
		}
		slog.Info("hitl: callback rejected", "channel", channel, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusOK)
}
