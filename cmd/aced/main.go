// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command aced wires the access control engine's collaborators together
// and serves the control/inspection API. It carries no logic of its own
// beyond construction order and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aced.dev/ace/internal/audit"
	"aced.dev/ace/internal/auth"
	"aced.dev/ace/internal/binding"
	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/config"
	"aced.dev/ace/internal/control"
	"aced.dev/ace/internal/device"
	"aced.dev/ace/internal/enforcer"
	"aced.dev/ace/internal/ledger"
	"aced.dev/ace/internal/logging"
	"aced.dev/ace/internal/notification"
	"aced.dev/ace/internal/reconcile"
	"aced.dev/ace/internal/session"
	"aced.dev/ace/internal/state"
)

func main() {
	flags := flag.NewFlagSet("aced", flag.ExitOnError)
	configFile := flags.String("config", "/etc/aced/aced.hcl", "Path to the engine configuration file (HCL or JSON)")
	stateDir := flags.String("state-dir", "", "Override the configured state directory")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aced: load config: %v\n", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
	logCfg.JSON = cfg.Logging.JSON
	if sc := cfg.Logging.Syslog; sc != nil && sc.Enabled {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{Enabled: true, Host: sc.Host, Port: sc.Port, Protocol: sc.Protocol, Tag: sc.Tag, Facility: sc.Facility})
		if err != nil {
			fmt.Fprintf(os.Stderr, "aced: syslog: %v\n", err)
			os.Exit(1)
		}
		logCfg.Output = w
	}
	logger := logging.New(logCfg).WithComponent("aced")
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal: " + err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	dbPath := cfg.StateDir + "/aced.db"
	if cfg.StateDir == ":memory:" {
		dbPath = ":memory:"
	}
	db, err := state.NewSQLiteStore(state.DefaultOptions(dbPath))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer db.Close()

	clk := clock.System

	reg, err := binding.NewRegistry(db, clk)
	if err != nil {
		return fmt.Errorf("binding registry: %w", err)
	}
	led, err := ledger.NewLedger(db, clk)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	devices, err := device.NewStore(db, clk)
	if err != nil {
		return fmt.Errorf("device store: %w", err)
	}

	dispatcher := notification.NewDispatcher(cfg.Notifications, logger.WithComponent("notification"))
	sink, err := audit.NewSink(db, clk, logger.WithComponent("audit"), cfg.Audit.BufferSize, audit.WithNotifier(dispatcher))
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}

	enf, err := enforcer.New(cfg.EnforcerMode, clk)
	if err != nil {
		return fmt.Errorf("enforcer: %w", err)
	}

	mgr, err := session.NewManager(db, clk, reg, led, devices, enf, sink)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	recon := reconcile.New(db, clk, mgr, led, reg, enf, sink)
	if _, err := recon.Reload(cfg); err != nil {
		return fmt.Errorf("reconciler reload: %w", err)
	}

	var replicator *state.Replicator
	if cfg.Replication != nil && cfg.Replication.Mode != "" {
		replicator = state.NewReplicator(db, state.ReplicationConfig{
			Mode:        state.ReplicationMode(cfg.Replication.Mode),
			ListenAddr:  cfg.Replication.ListenAddr,
			PrimaryAddr: cfg.Replication.PrimaryAddr,
			SecretKey:   string(cfg.Replication.SecretKey),
			TLSCertFile: cfg.Replication.TLSCertFile,
			TLSKeyFile:  cfg.Replication.TLSKeyFile,
			TLSCAFile:   cfg.Replication.TLSCAFile,
			TLSMutual:   cfg.Replication.TLSMutual,
		}, logger.WithComponent("replication"))
		if err := replicator.Start(); err != nil {
			return fmt.Errorf("start replicator: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinkDone := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(sinkDone)
	}()

	if err := recon.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	var httpServer *http.Server
	if cfg.API != nil && cfg.API.Enabled {
		var authStore *auth.Store
		if cfg.API.AuthPath != "" {
			authStore, err = auth.NewStore(cfg.API.AuthPath)
			if err != nil {
				return fmt.Errorf("auth store: %w", err)
			}
		}

		promReg := prometheus.NewRegistry()
		metrics := control.NewMetrics(promReg)
		ctl := control.New(db, clk, mgr, reg, recon, enf, sink)
		ctlServer := control.NewServer(ctl, control.ServerOptions{
			AuthStore: authStore,
			Metrics:   metrics,
			Registry:  promReg,
			Logger:    logger.WithComponent("control-http"),
		})

		httpServer = &http.Server{
			Addr:    cfg.API.ListenAddr,
			Handler: ctlServer.Handler(),
		}
		go func() {
			logger.Info("control API listening", "addr", cfg.API.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("control API server stopped")
			}
		}()
	}

	logger.Info("aced started", "enforcer_mode", cfg.EnforcerMode, "state_dir", cfg.StateDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if replicator != nil {
		replicator.Stop()
	}
	if err := recon.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("reconciler stop")
	}
	cancel()
	<-sinkDone

	logger.Info("aced exited cleanly")
	return nil
}
