// Package main implements guardd, the AgentGuard control-plane daemon.
// Agents ask it "may I perform action A on resource R?"; it answers from
// stored policies, parks risky actions on human approval, and keeps a
// tamper-evident audit chain per agent. Admin users manage agents,
// policies, approvals, and tokens over the same HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentguard/internal/approval"
	"agentguard/internal/audit"
	"agentguard/internal/auth"
	"agentguard/internal/logging"
	"agentguard/internal/playground"
	"agentguard/internal/policy"
	"agentguard/internal/registry"
	"agentguard/internal/report"
	"agentguard/internal/storage"
	"agentguard/internal/token"
	"agentguard/internal/webhook"
)

const serviceVersion = "0.1.0"

type config struct {
	listenAddr     string
	dbDSN          string
	signingKeyPath string
	adminKey       string
	policyFile     string

	webhookURL    string
	webhookSecret string

	anthropicKey   string
	anthropicModel string

	agentTokenTTL time.Duration
	adminTokenTTL time.Duration
}

func main() {
	var cfg config
	flag.StringVar(&cfg.listenAddr, "listen", envOrDefault("AGENTGUARD_ADDR", ":8000"), "HTTP listen address")
	flag.StringVar(&cfg.dbDSN, "db", envOrDefault("AGENTGUARD_DB", "agentguard.db"), "Database DSN (postgres:// URL or SQLite path)")
	flag.StringVar(&cfg.signingKeyPath, "signing-key", envOrDefault("AGENTGUARD_SIGNING_KEY", ""), "RSA private key PEM for token signing (ephemeral key if unset)")
	flag.StringVar(&cfg.adminKey, "admin-key", "", "Bootstrap super-admin key (or use AGENTGUARD_ADMIN_KEY env)")
	flag.StringVar(&cfg.policyFile, "policy-file", envOrDefault("AGENTGUARD_POLICY_FILE", ""), "YAML policy bootstrap file applied at startup")
	flag.StringVar(&cfg.webhookURL, "webhook", envOrDefault("AGENTGUARD_WEBHOOK_URL", ""), "Webhook URL for approval notifications (Slack or generic JSON)")
	flag.StringVar(&cfg.webhookSecret, "webhook-secret", "", "HMAC secret for webhook signatures (or use AGENTGUARD_WEBHOOK_SECRET env)")
	flag.StringVar(&cfg.anthropicKey, "anthropic-key", "", "Anthropic API key for the prompt playground (or use ANTHROPIC_API_KEY env)")
	flag.StringVar(&cfg.anthropicModel, "anthropic-model", envOrDefault("AGENTGUARD_ANTHROPIC_MODEL", "claude-haiku-4-5-20251001"), "Claude model used by the playground")
	flag.DurationVar(&cfg.agentTokenTTL, "agent-token-ttl", envDurationOrDefault("AGENTGUARD_AGENT_TOKEN_TTL", token.DefaultAgentTTL), "Agent token lifetime")
	flag.DurationVar(&cfg.adminTokenTTL, "admin-token-ttl", envDurationOrDefault("AGENTGUARD_ADMIN_TOKEN_TTL", token.DefaultAdminTTL), "Admin token lifetime")

	// InitLogging must run before flag.Parse so it can strip --log-level
	// before the flag package sees it.
	remaining := logging.InitLogging(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	// Secrets may come from the environment instead of the command line.
	if cfg.adminKey == "" {
		cfg.adminKey = os.Getenv("AGENTGUARD_ADMIN_KEY")
	}
	if cfg.webhookSecret == "" {
		cfg.webhookSecret = os.Getenv("AGENTGUARD_WEBHOOK_SECRET")
	}
	if cfg.anthropicKey == "" {
		cfg.anthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	db, err := storage.Open(cfg.dbDSN)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		slog.Error("failed to apply migrations", "err", err)
		os.Exit(1)
	}

	key, err := token.LoadOrGenerateKey(cfg.signingKeyPath)
	if err != nil {
		slog.Error("failed to load signing key", "err", err)
		os.Exit(1)
	}

	revocations := token.NewRevocationStore(db)
	signer := token.NewSigner(key, revocations, cfg.agentTokenTTL, cfg.adminTokenTTL)

	agents := registry.NewStore(db)
	policies := policy.NewStore(db)
	approvals := approval.NewStore(db)
	logs := audit.NewStore(db)
	reports := report.NewStore(db)

	notifier := webhook.NewNotifier(cfg.webhookURL, cfg.webhookSecret)
	engine := policy.NewEngine(policies, approvals, notifier)
	analyzer := playground.NewAnalyzer(cfg.anthropicKey, cfg.anthropicModel)
	resolver := auth.NewResolver(signer, agents, cfg.adminKey)

	if cfg.adminKey == "" {
		slog.Warn("no bootstrap admin key configured; static admin auth is disabled until admin users exist")
	}

	if cfg.policyFile != "" {
		bootstrap, err := policy.LoadBootstrapFile(cfg.policyFile)
		if err != nil {
			slog.Error("failed to load policy file", "path", cfg.policyFile, "err", err)
			os.Exit(1)
		}
		if err := bootstrap.Apply(context.Background(), policies); err != nil {
			slog.Error("failed to apply policy file", "path", cfg.policyFile, "err", err)
			os.Exit(1)
		}
	}

	router := newRouter(deps{
		db:           db,
		agents:       agents,
		policies:     policies,
		approvals:    approvals,
		logs:         logs,
		reports:      reports,
		engine:       engine,
		signer:       signer,
		auth:         resolver,
		notifier:     notifier,
		analyzer:     analyzer,
		bootstrapKey: cfg.adminKey,
		version:      serviceVersion,
		startedAt:    time.Now().UTC(),
	})

	httpServer := &http.Server{
		Addr:         cfg.listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go purgeRevokedTokens(ctx, revocations)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down agentguard...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	slog.Info("agentguard starting",
		"listen", cfg.listenAddr,
		"db", cfg.dbDSN,
		"webhook", cfg.webhookURL != "",
		"playground", analyzer.Enabled())

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("agentguard stopped")
}

// purgeRevokedTokens sweeps expired revocation rows every 10 minutes so
// the blocklist stays bounded by the tokens still alive.
func purgeRevokedTokens(ctx context.Context, store *token.RevocationStore) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("revoked-token purge failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired revoked tokens", "count", n)
			}
		}
	}
}

// envOrDefault returns the value of the environment variable named by key,
// or def if the variable is not set or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDurationOrDefault parses a duration from the environment, falling
// back to def when unset or malformed.
func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
