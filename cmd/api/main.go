// Package main provides the entry point for the administrative API server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basaltfleet/basalt/internal/api"
	"github.com/basaltfleet/basalt/internal/auth"
	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/hashring"
	"github.com/basaltfleet/basalt/internal/membership"
	"github.com/basaltfleet/basalt/internal/routing"
	"github.com/basaltfleet/basalt/internal/secrets"
	pgstore "github.com/basaltfleet/basalt/internal/store/postgres"
	"github.com/basaltfleet/basalt/pkg/config"
	"github.com/basaltfleet/basalt/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	authService := auth.NewService(auth.Config{
		Secret:      []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.Logger)

	var cipher *secrets.Cipher
	if cfg.Secrets.AgePublicKey != "" || cfg.Secrets.AgePrivateKey != "" {
		cipher, err = secrets.NewCipher(&secrets.Config{
			AgePublicKey:  cfg.Secrets.AgePublicKey,
			AgePrivateKey: cfg.Secrets.AgePrivateKey,
		}, log.Logger)
		if err != nil {
			log.Error("failed to initialize credential cipher", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("credential encryption not configured, BMC secrets will be stored in plaintext")
	}

	// The API process is a routing client, not a conductor: it tracks
	// membership read-only and dispatches every operation over the wire.
	tracker := membership.NewTracker(st.Conductors(), membership.Config{
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
		ExpiryThreshold:   cfg.Coordination.ExpiryThreshold(),
	}, log.Logger)
	table := hashring.NewTable(cfg.Coordination.VirtualReplicas)

	// Dispatch with the process's own service token.
	token, err := authService.GenerateToken("api", auth.RoleConductor)
	if err != nil {
		log.Error("failed to mint dispatch token", "error", err)
		os.Exit(1)
	}
	transport := routing.NewHTTPTransport(cfg.ConductorPort, token, cfg.Coordination.DispatchTimeout)

	refresh := func(ctx context.Context) error {
		tracker.Reap(ctx)
		snap := tracker.Snapshot()
		table.Rebuild(snap.Conductors, snap.Version)
		return nil
	}

	router := routing.NewRouter(routing.Config{
		Table:           table,
		Mailboxes:       routing.NewMailboxes(),
		Transport:       transport,
		Refresh:         refresh,
		DispatchTimeout: cfg.Coordination.DispatchTimeout,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Load(ctx); err != nil {
		log.Error("failed to load conductor registrations", "error", err)
		os.Exit(1)
	}
	snap := tracker.Snapshot()
	table.Rebuild(snap.Conductors, snap.Version)
	tracker.StartReaper(ctx)
	defer tracker.Stop()

	// Rebuild rings as membership changes.
	deltas := tracker.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-deltas:
				snap := tracker.Snapshot()
				table.Rebuild(snap.Conductors, snap.Version)
			}
		}
	}()

	// Conductors register and heartbeat through the database, not through
	// this process, so poll their records to pick up newcomers.
	go func() {
		ticker := time.NewTicker(cfg.Coordination.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := tracker.Load(ctx); err != nil {
					log.Error("failed to resync conductor records", "error", err)
				}
			}
		}
	}()

	registry := capability.NewRegistry()
	if err := registry.Register(capability.NewFakeVariant(log.Logger)); err != nil {
		log.Error("failed to register driver variant", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg, api.Options{
		Store:    st,
		Router:   router,
		Table:    table,
		Registry: registry,
		Cipher:   cipher,
		Auth:     authService,
		Logger:   log.Logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting API server", "host", cfg.APIHost, "port", cfg.APIPort)
	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	time.Sleep(100 * time.Millisecond)
	log.Info("server stopped")
}
