package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"aegisflux/guardian/internal/api"
	"aegisflux/guardian/internal/baseline"
	"aegisflux/guardian/internal/config"
	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/guardian"
	"aegisflux/guardian/internal/logging"
	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/natsbus"
	"aegisflux/guardian/internal/peeraudit"
	"aegisflux/guardian/internal/process"
	"aegisflux/guardian/internal/report"
	"aegisflux/guardian/internal/response"
	"aegisflux/guardian/internal/snapshot"
	"aegisflux/guardian/internal/store"
	"aegisflux/guardian/internal/systemd"
	"aegisflux/guardian/internal/validate"
	"aegisflux/guardian/internal/wipe"
)

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the guardian service",
		RunE: func(c *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.HostID)
	logger.Info("Starting AegisFlux Guardian",
		"config", cfg.Path,
		"baselines", len(cfg.Baselines),
		"participants", len(cfg.Participants),
		"http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := systemd.NewNotifier()
	defer notifier.Close()

	m := metrics.NewMetrics()

	// Secrets held in memory are zeroed during destruction
	registry := wipe.NewRegistry()
	registry.Register("nats_url", []byte(cfg.NATSURL))
	if cfg.PostgresDSN != "" {
		registry.Register("postgres_dsn", []byte(cfg.PostgresDSN))
	}

	nc, err := natsbus.Connect(cfg.NATSURL, "aegisflux-guardian-"+cfg.HostID, logger.Logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	// Reports: local file first, then NATS and the optional archive
	fileSink, err := report.NewFileSink(cfg.ReportsDir)
	if err != nil {
		return err
	}
	remotes := []report.NamedSink{{Name: "nats", Sink: natsbus.NewReportPublisher(nc)}}
	checks := map[string]api.ReadyCheck{
		"nats": func(context.Context) error {
			if !nc.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		},
	}
	if cfg.PostgresDSN != "" {
		archive, err := store.NewReportArchive(ctx, cfg.PostgresDSN, logger.Logger)
		if err != nil {
			logger.Warn("Report archive unavailable, continuing without it", "error", err)
		} else {
			defer archive.Close()
			remotes = append(remotes, report.NamedSink{Name: "postgres", Sink: archive})
			checks["postgres"] = archive.Health
		}
	}
	reports := report.NewMultiSink(fileSink, logger.Logger, m, remotes...)

	// Response automaton and its collaborators
	gate := api.NewGate()
	actuators := natsbus.NewActuators(nc, cfg.HostID, logger.Logger)
	actuators.OnDisable(gate.Close)

	history := guardian.NewHistory(cfg.MaxHistory)
	marker := response.NewFileMarker(cfg.MarkerPath)
	automaton := response.New(response.Config{
		SelfPID:       os.Getpid(),
		StepTimeout:   cfg.StepTimeout,
		FinalHistory:  cfg.FinalHistory,
		MemoryRegions: cfg.Wipe.MemoryRegions,
		StatePaths:    cfg.Wipe.StatePaths,
	}, response.Deps{
		Processes: process.NewController(process.Config{
			Patterns:       cfg.Process.Patterns,
			RestartCommand: cfg.Process.RestartCommand,
			KillGrace:      cfg.Process.KillGrace,
			SelfPID:        os.Getpid(),
		}, logger.Logger),
		Snapshots:  snapshot.NewStore(cfg.SnapshotDir, cfg.ProtectedRoot, logger.Logger),
		Reports:    reports,
		Wiper:      wipe.NewWiper(registry, cfg.Wipe.Passes, logger.Logger),
		Actuators:  actuators,
		Corrector:  natsbus.NewCorrector(nc),
		Terminator: process.NewSelfTerminator(logger.Logger),
		History:    history,
		Marker:     marker,
	}, m, logger.Logger)

	baselines, err := baseline.NewStore(cfg.Baselines,
		baseline.WithConcurrency(cfg.DigestConcurrency),
		baseline.WithLogger(logger.Logger))
	if err != nil {
		return err
	}

	g := guardian.New(guardian.Config{
		SweepInterval: cfg.SweepInterval,
		MaxHistory:    cfg.MaxHistory,
	}, baselines, automaton, history, marker, m, logger.Logger)

	// Consensus engine with remote participants over NATS
	auth, err := cfg.Authenticator()
	if err != nil {
		return err
	}
	participants := make([]consensus.Participant, 0, len(cfg.Participants))
	for _, id := range cfg.ParticipantIDs() {
		participants = append(participants, natsbus.NewParticipantClient(nc, id))
	}
	opts := []consensus.Option{
		consensus.WithHistory(consensus.NewHistory(cfg.MaxHistory)),
		consensus.WithMetrics(m),
		consensus.WithLogger(logger.Logger),
	}

	var auditor *peeraudit.Auditor
	if cfg.PeerAudit.Enabled {
		auditor, err = peeraudit.New(peeraudit.Config{
			Capacity: cfg.PeerAudit.Capacity,
			Timeout:  cfg.PeerAudit.Timeout,
			Interval: cfg.PeerAudit.Interval,
		}, natsbus.NewPeerClient(nc), g, m, logger.Logger)
		if err != nil {
			return err
		}
		opts = append(opts, consensus.WithObserver(auditor))
	}

	engine, err := consensus.NewEngine(cfg.ConsensusConfig(), participants, auth, g, opts...)
	if err != nil {
		return err
	}

	// Inbound violation reports
	validator, err := validate.NewValidator(logger.Logger)
	if err != nil {
		return err
	}
	subscriber := natsbus.NewViolationSubscriber(nc, validator, g, m, logger.Logger)
	if err := subscriber.Start(); err != nil {
		return err
	}
	defer subscriber.Stop()

	// Live tunables
	manager := config.NewManager(nc, cfg, logger.Logger)
	manager.Subscribe(func(s config.LiveSettings) {
		g.SetInterval(s.SweepInterval)
		engine.SetRoundTimeout(s.RoundTimeout)
		logger.SetLevel(s.LogLevel)
	})
	if err := manager.Start(); err != nil {
		logger.Warn("Live configuration disabled", "error", err)
	}
	defer manager.Stop()

	// HTTP API
	server := api.NewServer(g, engine, validator, gate, m, checks, logger.Logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPAddress, cfg.HTTPPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	if auditor != nil {
		go auditor.Run(ctx)
	}
	go notifier.RunWatchdog(ctx, systemd.WatchdogInterval(), func() bool {
		return !automaton.State().IsDestruction()
	}, logger.Logger)

	if err := notifier.NotifyReady(); err != nil {
		logger.Warn("Failed to notify systemd", "error", err)
	}
	notifier.NotifyStatus("Monitoring")
	logger.Info("Guardian service started successfully")

	runErr := g.Run(ctx)

	logger.Info("Shutting down guardian service")
	notifier.NotifyStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("Guardian service stopped")
	return nil
}
