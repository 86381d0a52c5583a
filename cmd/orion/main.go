// Command orion runs the full control plane in one process: guardian,
// brain, approval coordinator, commander, and audit recorder, all
// cooperating over a shared Redis stream bus.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/orion-ops/orion/pkg/approval"
	"github.com/orion-ops/orion/pkg/audit"
	"github.com/orion-ops/orion/pkg/brain"
	"github.com/orion-ops/orion/pkg/bus"
	"github.com/orion-ops/orion/pkg/commander"
	"github.com/orion-ops/orion/pkg/config"
	"github.com/orion-ops/orion/pkg/contracts"
	"github.com/orion-ops/orion/pkg/council"
	"github.com/orion-ops/orion/pkg/guardian"
	"github.com/orion-ops/orion/pkg/policy"
)

const sweepInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("control plane exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("control plane stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}

	validator, err := bus.NewValidator()
	if err != nil {
		return err
	}
	eventBus := bus.New(client, validator, bus.WithStreamPrefix(cfg.StreamPrefix))

	policies, err := policy.Load(cfg.PolicyDir)
	if err != nil {
		if cfg.AutonomyLevel != contracts.AutonomyN0 {
			return err
		}
		log.Warn("policy load failed, continuing with empty policies in N0", "error", err)
	}

	admin, err := approval.LoadAdminIdentity(cfg.AdminConfig)
	if err != nil {
		return err
	}

	store, err := audit.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	brainOpts := []brain.Option{brain.WithApprovalTimeout(cfg.ApprovalTimeout)}
	if cfg.CouncilEnabled {
		brainOpts = append(brainOpts, brain.WithReviewer(&council.Council{
			Aggregator: council.NewAggregator(),
			Local:      council.NewOllamaValidator(cfg.OllamaURL, cfg.LocalModel, council.NewResourceMonitor()),
			External:   council.NewCloudValidator(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey),
		}))
	}

	theBrain, err := brain.New(eventBus, cfg.AutonomyLevel, policies, brainOpts...)
	if err != nil {
		return err
	}

	watch := guardian.New(eventBus)
	coordinator := approval.NewCoordinator(eventBus, admin).WithTimeout(cfg.ApprovalTimeout)
	exec := commander.New(eventBus, policies, commander.WithAudit(store))
	recorder := audit.NewRecorder(eventBus, store)

	log.Info("control plane starting", "autonomy_level", cfg.AutonomyLevel,
		"stream_prefix", cfg.StreamPrefix, "council", cfg.CouncilEnabled)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eventBus.Subscribe(gctx, contracts.KindEvent, "guardian", "guardian-1", watch.HandleEvent)
	})
	g.Go(func() error {
		return eventBus.Subscribe(gctx, contracts.KindIncident, "brain", "brain-1", theBrain.HandleIncident)
	})
	g.Go(func() error {
		return eventBus.Subscribe(gctx, contracts.KindApprovalRequest, "approval-coordinator", "coordinator-1", coordinator.HandleRequest)
	})
	g.Go(func() error {
		return eventBus.Subscribe(gctx, contracts.KindDecision, "commander", "commander-1", exec.HandleDecision)
	})
	g.Go(func() error {
		return eventBus.Subscribe(gctx, contracts.KindApprovalDecision, "commander-approval", "commander-approval-1", exec.HandleApprovalDecision)
	})
	g.Go(func() error {
		return recorder.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := coordinator.SweepExpired(); n > 0 {
					log.Warn("expired approval requests escalated", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, log)
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	log.Info("metrics server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
