package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"buildhook/auth"
	"buildhook/builder"
	"buildhook/dashboard"
	"buildhook/identity"
	"buildhook/notification"
	"buildhook/orchestrator"
	"buildhook/reporter"
	"buildhook/shared/config"
	"buildhook/shared/kafka"
	"buildhook/storage"
)

const (
	shutdownTimeout = 15 * time.Second
	promoteInterval = 5 * time.Second
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive webhooks and run builds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("🚀 Starting buildhook", zap.String("version", version), zap.String("addr", cfg.HTTP.Addr))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.syncProjects(ctx); err != nil {
		return err
	}
	if cfg.Projects.File != "" && cfg.Projects.Watch {
		err := config.WatchFile(ctx, cfg.Projects.File, log, func() {
			if err := a.syncProjects(context.WithoutCancel(ctx)); err != nil {
				log.Error("❌ Failed to reload projects", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		log.Info("👀 Watching project registry", zap.String("file", cfg.Projects.File))
	}

	jwt := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	hub := notification.NewHub(a.metrics, log)

	sinks := orchestrator.MultiSink{hub}
	if cfg.Kafka.Relay {
		producer, err := a.kafkaProducer()
		if err != nil {
			return err
		}
		sinks = append(sinks, kafka.NewRelay(producer, log))
		log.Info("📡 Relaying build events to Kafka")
	}

	orch, artifacts, err := newOrchestrator(cfg, a, sinks, log)
	if err != nil {
		return err
	}

	// Startup recovery: fail builds a previous process left running, restart
	// the queued ones, then pick up deliveries that never finished.
	if n, err := orch.Recover(ctx); err != nil {
		log.Error("❌ Failed to recover interrupted builds", zap.Error(err))
	} else if n > 0 {
		log.Warn("⚠️ Failed builds interrupted by restart", zap.Int("count", n))
	}
	if n, err := a.dispatcher.Resume(ctx); err != nil {
		log.Error("❌ Failed to resume queued builds", zap.Error(err))
	} else if n > 0 {
		log.Info("🔄 Resumed queued builds", zap.Int("count", n))
	}
	if n, err := a.gateway.Replay(ctx); err != nil {
		log.Error("❌ Failed to replay webhook events", zap.Error(err))
	} else if n > 0 {
		log.Info("🔄 Replayed webhook events", zap.Int("count", n))
	}

	workers := make(chan error, 1)
	go func() {
		log.Info("🎧 Consuming build jobs", zap.Int("max_parallel", cfg.Builds.MaxParallel))
		workers <- orch.Serve(ctx, a.queue)
	}()
	go a.dispatcher.Run(ctx, promoteInterval)

	r := mux.NewRouter()
	r.HandleFunc("/ws", notification.NewServer(hub, jwt, notification.OwnerAccess{Builds: a.store}, a.metrics, log).HandleWebSocket)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	a.gateway.Register(r)
	dashboard.New(a.store, orch, artifacts, jwt, log).Register(r)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("🌐 HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("🛑 Shutting down")
	case err := <-serveErr:
		log.Error("❌ HTTP server failed", zap.Error(err))
		runErr = err
	case err := <-workers:
		if err != nil {
			log.Error("❌ Build workers stopped", zap.Error(err))
		}
		runErr = err
		workers = nil
	}

	cancel()
	drain(srv, workers, orch, log)
	log.Info("👋 Stopped")
	return runErr
}

// drain stops the HTTP server, then waits for the build workers to finalise
// the builds interrupted by shutdown and for workspace cleanup. The store
// must stay open until it returns.
func drain(srv *http.Server, workers <-chan error, orch *orchestrator.Orchestrator, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("⚠️ HTTP shutdown incomplete", zap.Error(err))
		}
	}
	if workers != nil {
		select {
		case <-workers:
		case <-ctx.Done():
			// workers still hold builds; Recover closes them on the next start
			log.Warn("⚠️ Build workers did not stop in time")
			return
		}
	}
	orch.Wait()
}

func newOrchestrator(cfg config.Config, a *app, sink orchestrator.EventSink, log *zap.Logger) (*orchestrator.Orchestrator, *storage.Artifacts, error) {
	workspaces, err := builder.NewWorkspaces(cfg.Builds.WorkDir)
	if err != nil {
		return nil, nil, err
	}
	tokens := identity.NewStatic(cfg.Identity.DefaultToken, cfg.Identity.Tokens)

	opts := orchestrator.Options{
		Store:          a.store,
		Workspaces:     workspaces,
		Tokens:         tokens,
		Sink:           sink,
		Release:        a.dispatcher.Release,
		Metrics:        a.metrics,
		Log:            log,
		DefaultTimeout: cfg.Builds.DefaultTimeout,
		MaxParallel:    cfg.Builds.MaxParallel,
		KeepWorkspaces: cfg.Builds.KeepWorkspaces,
		PublicURL:      cfg.HTTP.PublicURL,
	}

	if cfg.Simulated() {
		opts.Runner = builder.NewSimulatedRunner(500 * time.Millisecond)
		log.Warn("⚠️ Simulated execution mode: no build commands will run")
	} else {
		opts.Runner = builder.NewShellRunner(cfg.Builds.Shell)
		if cfg.Builds.NativeClone {
			opts.Cloner = builder.NewGitCloner()
		}
	}

	var artifacts *storage.Artifacts
	if cfg.Builds.ArtifactDir != "" {
		artifacts, err = storage.NewArtifacts(cfg.Builds.ArtifactDir)
		if err != nil {
			return nil, nil, err
		}
		opts.Artifacts = artifacts
	}

	if cfg.StatusReport.Enabled {
		gh, err := reporter.NewGitHub(tokens, cfg.StatusReport.GitHubBaseURL, cfg.StatusReport.Context, cfg.HTTP.PublicURL, log)
		if err != nil {
			return nil, nil, err
		}
		opts.Reporter = gh
		log.Info("✅ Commit status reporting enabled", zap.String("context", cfg.StatusReport.Context))
	}

	return orchestrator.New(opts), artifacts, nil
}
