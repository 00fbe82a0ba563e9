package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/prastowoa/balesin/pkg/balesin/agent"
	"github.com/prastowoa/balesin/pkg/balesin/store"
	"github.com/prastowoa/balesin/pkg/balesin/telegram"
	"github.com/prastowoa/balesin/pkg/balesin/watcher"
)

// newWorkerCmd creates the `balesin worker` command that runs the fleet.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the userbot fleet daemon",
		Long: `Start the fleet worker: it connects a userbot session for every
enabled owner in the database, answers their private messages with the
AI agent and keeps the fleet converged on the database state.

Examples:
  balesin worker
  balesin worker --config ./config.yaml`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	// ── Storage ──
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close(db)

	// ── AI responder ──
	oa := openai.NewClient(cfg.OpenAI.APIKey)

	owners := store.NewOwnerStore(db)
	knowledge := store.NewKnowledgeStore(db, agent.NewEmbedder(oa, cfg.OpenAI.EmbeddingModel))
	conversations := store.NewConversationStore(db)

	ai := agent.NewAgent(oa, cfg.OpenAI.Model, knowledge, agent.NewWebSearcher(oa), logger)
	responder := agent.NewResponder(ai, owners, conversations, cfg.OpenAI.AgentTimeout, logger)

	// ── Telegram fleet ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := telegram.NewDialer(cfg.Telegram.APIID, cfg.Telegram.APIHash, logger)
	dialer.OnCredentialRefresh = func(ownerUserID int64, credential string) {
		if err := owners.UpdateCredential(ctx, ownerUserID, credential); err != nil {
			logger.Warn("persisting refreshed credential failed",
				"owner_id", ownerUserID, "error", err)
		}
	}

	transport := telegram.NewTransport(logger)

	// The router needs the supervisor for fleet loop detection and the
	// supervisor needs the router as its event sink, so wire in two steps.
	var supervisor *telegram.Supervisor
	router := telegram.NewRouter(
		fleetRegistryFunc(func(id int64) bool { return supervisor.IsOwnerRunning(id) }),
		ownerGate{owners},
		responder,
		transport,
		logger,
	)
	supervisor = telegram.NewSupervisor(dialer, router, logger)

	// ── Watcher ──
	w := watcher.New(supervisor, owners, watcher.Options{
		PollInterval:    cfg.Watcher.PollInterval,
		StartAttempts:   cfg.Watcher.StartAttempts,
		StartRetryDelay: cfg.Watcher.StartRetryDelay,
	}, logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	health := watcher.NewHealthServer(cfg.Watcher.HealthAddr, w, logger)
	health.Start()

	logger.Info("balesin worker running. Press Ctrl+C to stop.",
		"connections", supervisor.Count(),
		"poll_interval", cfg.Watcher.PollInterval,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = health.Stop(shutdownCtx)
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// fleetRegistryFunc adapts a func to telegram.FleetRegistry.
type fleetRegistryFunc func(ownerUserID int64) bool

func (f fleetRegistryFunc) IsOwnerRunning(ownerUserID int64) bool { return f(ownerUserID) }

// ownerGate adapts the owner store to the router's enabled check.
type ownerGate struct {
	owners *store.OwnerStore
}

func (g ownerGate) IsEnabled(ctx context.Context, ownerUserID int64) (bool, error) {
	o, err := g.owners.FindByOwnerID(ctx, ownerUserID)
	if err != nil {
		return false, err
	}
	return o != nil && o.UserbotEnabled, nil
}
