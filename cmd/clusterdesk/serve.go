package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clusterdesk/clusterdesk/internal/analytics"
	"github.com/clusterdesk/clusterdesk/internal/api"
	"github.com/clusterdesk/clusterdesk/internal/cluster/executor"
	"github.com/clusterdesk/clusterdesk/internal/cluster/script"
	"github.com/clusterdesk/clusterdesk/internal/cluster/slurm"
	"github.com/clusterdesk/clusterdesk/internal/common/config"
	"github.com/clusterdesk/clusterdesk/internal/common/logger"
	"github.com/clusterdesk/clusterdesk/internal/common/tracing"
	"github.com/clusterdesk/clusterdesk/internal/events/bus"
	"github.com/clusterdesk/clusterdesk/internal/orchestrator"
	"github.com/clusterdesk/clusterdesk/internal/poller"
	"github.com/clusterdesk/clusterdesk/internal/proxy"
	"github.com/clusterdesk/clusterdesk/internal/reaper"
	"github.com/clusterdesk/clusterdesk/internal/session"
	"github.com/clusterdesk/clusterdesk/internal/session/store"
	"github.com/clusterdesk/clusterdesk/internal/tunnel"
)

// runServe assembles and runs the control plane. Startup is fail-fast:
// anything unrecoverable exits 1 with no degraded mode; a clean SIGTERM
// drain exits 0.
func runServe(configPath string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting clusterdesk...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "clusterdesk", version, cfg.Tracing.Endpoint)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Event bus: in-memory unless NATS is configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// State store: an unreadable file is unrecoverable at startup.
	st, err := store.New(cfg.State.Path, cfg.State.Retention(), log)
	if err != nil {
		log.Error("State file unreadable", zap.Error(err))
		os.Exit(1)
	}

	// Cluster plumbing.
	exec := executor.New(cfg.Clusters, cfg.SSH, log)
	sched := slurm.NewClient(exec, log)
	builder := script.NewBuilder()
	ports := script.NewResolver(exec, log)
	tunnels := tunnel.NewManager(cfg.Clusters, cfg.SSH, log)
	proxies := proxy.NewRegistry(log)

	// Proxy traffic drives idleness.
	proxies.OnActivity(func(key session.Key) {
		st.Touch(key, time.Now())
	})

	orch := orchestrator.New(
		orchestrator.DefaultConfig(),
		cfg.Clusters,
		cfg.IDEs,
		cfg.Server.ExternalHost,
		st, sched, builder, ports, tunnels, proxies, eventBus, log,
	)
	tunnels.OnExit(orch.HandleTunnelExit)

	// Rebuild plumbing for sessions that were running when the process last
	// exited; failures degrade them to failed and the UI offers a relaunch.
	for _, sess := range st.ListRunning() {
		if sess.Node == "" {
			continue
		}
		go func(key session.Key, node string) {
			reconnectCtx, done := context.WithTimeout(ctx, 2*time.Minute)
			defer done()
			if err := orch.Connect(reconnectCtx, key, node); err != nil {
				log.Warn("reconnecting session failed",
					zap.String("session_key", key.String()), zap.Error(err))
			}
		}(sess.Key, sess.Node)
	}

	// Background loops.
	pol := poller.New(poller.Config{
		BackoffThreshold: cfg.Poller.BackoffThreshold,
		MaxInterval:      cfg.Poller.MaxInterval(),
	}, st, sched, orch, eventBus, log)
	if err := pol.Start(ctx); err != nil {
		log.Fatal("Failed to start poller", zap.Error(err))
	}

	reap := reaper.New(cfg.Reaper.IdleThreshold(), cfg.Reaper.ScanInterval(), st, orch, log)
	if err := reap.Start(ctx); err != nil {
		log.Fatal("Failed to start reaper", zap.Error(err))
	}

	// Analytics recorder (optional).
	var recorder *analytics.Recorder
	analyticsStore, err := analytics.NewStore(ctx, cfg.Analytics, log)
	if err != nil {
		log.Warn("Analytics store unavailable, recorder disabled", zap.Error(err))
	} else if analyticsStore != nil {
		recorder = analytics.NewRecorder(analyticsStore, log)
		if err := recorder.Start(eventBus); err != nil {
			log.Warn("Analytics recorder failed to subscribe", zap.Error(err))
			recorder = nil
		}
	}

	// HTTP front door: failing to bind the port is unrecoverable.
	front := api.NewServer(cfg, st, orch, pol, proxies, tunnels, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      front.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Error("HTTP server failed", zap.Error(err))
		os.Exit(1)
	case <-quit:
	}

	log.Info("Shutting down clusterdesk...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	pol.Stop()
	reap.Stop()
	if recorder != nil {
		recorder.Stop()
	}
	proxies.ReleaseAll()
	tunnels.StopAll()
	if err := st.Flush(); err != nil {
		log.Error("State flush error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("clusterdesk stopped")
	return nil
}
