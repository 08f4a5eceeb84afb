// Package main provides the entry point for a conductor process.
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
	"github.com/basaltfleet/basalt/internal/conductor"
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

	hostname := os.Getenv("CONDUCTOR_HOSTNAME")
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			log.Error("failed to determine hostname", "error", err)
			os.Exit(1)
		}
	}
	log = log.WithConductor(hostname)

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
	}

	registry := capability.NewRegistry()
	if err := registry.Register(capability.NewFakeVariant(log.Logger)); err != nil {
		log.Error("failed to register driver variant", "error", err)
		os.Exit(1)
	}

	token, err := authService.GenerateToken(hostname, auth.RoleConductor)
	if err != nil {
		log.Error("failed to mint peer token", "error", err)
		os.Exit(1)
	}
	transport := routing.NewHTTPTransport(cfg.ConductorPort, token, cfg.Coordination.DispatchTimeout)

	svc := conductor.New(cfg.Coordination, conductor.Options{
		Hostname:  hostname,
		Registry:  registry,
		Store:     st,
		Cipher:    cipher,
		Transport: transport,
		Logger:    log.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Error("failed to start conductor", "error", err)
		os.Exit(1)
	}

	peer := api.NewPeerServer(cfg, hostname, svc.Mailboxes(), authService, log.Logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting conductor dispatch server", "port", cfg.ConductorPort)
	if err := peer.Start(ctx); err != nil {
		log.Error("dispatch server error", "error", err)
	}

	svc.Stop()
	time.Sleep(100 * time.Millisecond)
	log.Info("conductor stopped")
}
