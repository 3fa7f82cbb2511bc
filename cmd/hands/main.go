// Command hands is the Hands Core process entrypoint: it wires the
// Credential Vault, Routing Policy, Risk Evaluator, HitL Approval Engine
// and Hands Scheduler into one binary and serves the HitL HTTP API plus
// the per-channel callback ingress, the way cmd/ruriko/main.go wires
// Ruriko's app.New (spec §1 "multi-channel agentic platform").
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/hands-platform/hands-core/common/crypto"
	"github.com/hands-platform/hands-core/common/environment"
	"github.com/hands-platform/hands-core/common/trace"
	"github.com/hands-platform/hands-core/common/version"
	"github.com/hands-platform/hands-core/internal/hands"
	"github.com/hands-platform/hands-core/internal/hands/runtime"
	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
	"github.com/hands-platform/hands-core/internal/hitl/callback"
	"github.com/hands-platform/hands-core/internal/hitl/render"
	"github.com/hands-platform/hands-core/internal/httpapi"
	"github.com/hands-platform/hands-core/internal/risk"
	"github.com/hands-platform/hands-core/internal/routing"
	"github.com/hands-platform/hands-core/internal/vault"
)

// config is the process-wide configuration, composed from the environment
// the way cmd/ruriko/main.go's loadConfig builds app.Config (spec §A
// "Configuration").
type config struct {
	VaultDir      string
	StateDir      string
	HandsDir      string
	HTTPAddr      string
	BypassUsers   []string
	AgentImage    string
	DockerEnabled bool

	TelegramToken string
	SlackToken    string
	MatrixHS      string
	MatrixUserID  string
	MatrixToken   string
	DingTalkHook  string
	DingTalkCB    string
	FeishuHook    string
	EmailFrom     string
	EmailSMTPAddr string
}

func loadConfig() config {
	return config{
		VaultDir:      environment.StringOr("HANDS_VAULT_DIR", "./data/vault"),
		StateDir:      environment.StringOr("HANDS_STATE_DIR", "./data"),
		HandsDir:      environment.StringOr("HANDS_DIR", "./hands"),
		HTTPAddr:      environment.StringOr("HANDS_HTTP_ADDR", ":8080"),
		BypassUsers:   environment.StringSliceOr("HANDS_BYPASS_APPROVERS", nil),
		AgentImage:    environment.StringOr("HANDS_AGENT_IMAGE", "hands-core/agent:latest"),
		DockerEnabled: environment.BoolOr("HANDS_DOCKER_ENABLE", false),

		TelegramToken: environment.StringOr("TELEGRAM_BOT_TOKEN", ""),
		SlackToken:    environment.StringOr("SLACK_BOT_TOKEN", ""),
		MatrixHS:      environment.StringOr("MATRIX_HOMESERVER", ""),
		MatrixUserID:  environment.StringOr("MATRIX_USER_ID", ""),
		MatrixToken:   environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		DingTalkHook:  environment.StringOr("DINGTALK_WEBHOOK_URL", ""),
		DingTalkCB:    environment.StringOr("DINGTALK_CALLBACK_BASE_URL", ""),
		FeishuHook:    environment.StringOr("FEISHU_WEBHOOK_URL", ""),
		EmailFrom:     environment.StringOr("HANDS_EMAIL_FROM", ""),
		EmailSMTPAddr: environment.StringOr("HANDS_EMAIL_SMTP_ADDR", ""),
	}
}

func main() {
	slog.Info("hands-core starting", "version", version.Version, "commit", version.GitCommit)

	cfg := loadConfig()

	if err := os.MkdirAll(cfg.VaultDir, 0o700); err != nil {
		slog.Error("create vault directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		slog.Error("create state directory", "error", err)
		os.Exit(1)
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}

	// Credential Vault and Routing Policy are constructed here so a
	// misconfigured vault directory or pattern set fails fast at startup;
	// both are consumed per-call by agent tooling that invokes this core
	// over its Docker runtime, not by the scheduler itself.
	if _, err := vault.Load(cfg.VaultDir, masterKey); err != nil {
		slog.Error("hands-core: load credential vault", "error", err)
		os.Exit(1)
	}
	routing.New(routing.DefaultConfig())

	riskEvaluator := risk.New(nil)

	store, err := handstore.New(cfg.StateDir + "/hands.db")
	if err != nil {
		slog.Error("hands-core: open execution state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hitlEngine := hitl.New(store, hitl.Config{BypassApprovers: cfg.BypassUsers})
	registerRenderers(hitlEngine, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hitlEngine.RunSweeper(ctx)
	defer hitlEngine.Stop()

	gate := &hands.ToolGate{Risk: riskEvaluator, HitL: hitlEngine, PollInterval: time.Second}

	if err := os.MkdirAll(cfg.HandsDir, 0o755); err != nil {
		slog.Error("hands-core: create hands directory", "error", err)
		os.Exit(1)
	}

	agents, err := buildAgents(cfg)
	if err != nil {
		slog.Error("hands-core: build agent runtime", "error", err)
		os.Exit(1)
	}

	notifier := &hands.NotificationBridge{Senders: buildPlainSenders(cfg)}

	manager := hands.NewManager(cfg.HandsDir, store, gate, agents, notifier)
	if err := manager.Discover(); err != nil {
		slog.Error("hands-core: discover hand manifests", "error", err)
	}

	mux := http.NewServeMux()
	apiServer := httpapi.New(hitlEngine)
	mux.Handle("/api/v1/hitl/", withTraceID(apiServer))
	mux.Handle("/healthz", withTraceID(apiServer))

	callbackHandler := callback.New(hitlEngine, callback.Config{})
	callbackHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("hands-core: serving http api", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("hands-core: http server error", "error", err)
		}
	}()

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("hands-core: scheduler stopped unexpectedly", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("hands-core: shutting down")
	manager.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("hands-core: http shutdown", "error", err)
	}
}

// withTraceID stamps every inbound HTTP request with a trace id
// propagated through the request context, matching the
// commands/secrets_handlers.go convention (spec §A "Trace correlation").
func withTraceID(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := trace.GenerateID()
		ctx := trace.WithTraceID(r.Context(), id)
		w.Header().Set("X-Trace-Id", id)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// buildAgents constructs one DockerAgent per distinct agent name
// referenced by a discovered manifest, all sharing cfg.AgentImage since
// manifests carry no per-agent image field (spec §4.5 "invoke one or
// more agents"). Manifest parse errors are ignored here; Manager.Discover
// logs them properly once the scheduler starts. When Docker is disabled
// (local/dev mode) the agents map is left empty and pipeline steps fail
// fast with a clear "no agent" error instead of silently no-op'ing.
func buildAgents(cfg config) (map[string]hands.Agent, error) {
	agents := map[string]hands.Agent{}
	if !cfg.DockerEnabled {
		return agents, nil
	}

	invoker, err := runtime.NewDockerInvoker()
	if err != nil {
		return nil, fmt.Errorf("hands-core: docker invoker: %w", err)
	}
	if err := invoker.EnsureNetwork(context.Background()); err != nil {
		return nil, fmt.Errorf("hands-core: ensure docker network: %w", err)
	}

	manifests, _ := hands.DiscoverManifests(cfg.HandsDir)
	for _, mf := range manifests {
		for _, name := range mf.Agents {
			if _, ok := agents[name]; !ok {
				agents[name] = &hands.DockerAgent{Invoker: invoker, Image: cfg.AgentImage}
			}
		}
	}
	return agents, nil
}

// buildPlainSenders registers a PlainSender for every channel the
// operator configured credentials for, keyed by channel_type so
// NotificationBridge can dispatch a Hand's configured notification
// channel (spec §4.5 "Notification bridge").
func buildPlainSenders(cfg config) map[string]hands.PlainSender {
	senders := map[string]hands.PlainSender{}
	if cfg.TelegramToken != "" {
		if bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken); err == nil {
			senders["telegram"] = &render.Telegram{Bot: bot}
		} else {
			slog.Warn("hands-core: telegram bot init failed, notifications disabled", "error", err)
		}
	}
	if cfg.SlackToken != "" {
		senders["slack"] = &render.Slack{Client: slack.New(cfg.SlackToken)}
	}
	if cfg.MatrixHS != "" && cfg.MatrixToken != "" {
		if client, err := mautrix.NewClient(cfg.MatrixHS, id.UserID(cfg.MatrixUserID), cfg.MatrixToken); err == nil {
			senders["matrix"] = &render.Matrix{Client: client}
		} else {
			slog.Warn("hands-core: matrix client init failed, notifications disabled", "error", err)
		}
	}
	if cfg.DingTalkHook != "" {
		senders["dingtalk"] = &render.DingTalk{WebhookURL: cfg.DingTalkHook, CallbackBaseURL: cfg.DingTalkCB, HTTPClient: http.DefaultClient}
	}
	if cfg.FeishuHook != "" {
		senders["feishu"] = &render.Feishu{WebhookURL: cfg.FeishuHook, HTTPClient: http.DefaultClient}
	}
	if cfg.EmailFrom != "" && cfg.EmailSMTPAddr != "" {
		senders["email"] = &render.Email{From: cfg.EmailFrom, SMTPAddr: cfg.EmailSMTPAddr}
	}
	return senders
}

// registerRenderers wires the same per-channel implementations into the
// HitL engine's approval-card registry (spec §4.4 "a registry keyed by
// channel name").
func registerRenderers(engine *hitl.Engine, cfg config) {
	if cfg.TelegramToken != "" {
		if bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken); err == nil {
			engine.RegisterRenderer(&render.Telegram{Bot: bot})
		}
	}
	if cfg.SlackToken != "" {
		engine.RegisterRenderer(&render.Slack{Client: slack.New(cfg.SlackToken)})
	}
	if cfg.MatrixHS != "" && cfg.MatrixToken != "" {
		if client, err := mautrix.NewClient(cfg.MatrixHS, id.UserID(cfg.MatrixUserID), cfg.MatrixToken); err == nil {
			engine.RegisterRenderer(&render.Matrix{Client: client})
		}
	}
	if cfg.DingTalkHook != "" {
		engine.RegisterRenderer(&render.DingTalk{WebhookURL: cfg.DingTalkHook, CallbackBaseURL: cfg.DingTalkCB, HTTPClient: http.DefaultClient})
	}
	if cfg.FeishuHook != "" {
		engine.RegisterRenderer(&render.Feishu{WebhookURL: cfg.FeishuHook, HTTPClient: http.DefaultClient})
	}
	if cfg.EmailFrom != "" && cfg.EmailSMTPAddr != "" {
		engine.RegisterRenderer(&render.Email{From: cfg.EmailFrom, SMTPAddr: cfg.EmailSMTPAddr})
	}
}
