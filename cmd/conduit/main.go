// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Command conduit runs the federated room event server: a SQLite-backed
// event store, the admission pipeline, and the federation HTTP
// endpoints, all bound to one server name.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hankbao/conduit/admission"
	"github.com/hankbao/conduit/federation"
	"github.com/hankbao/conduit/lib/config"
	"github.com/hankbao/conduit/lib/sqlitepool"
	"github.com/hankbao/conduit/lib/version"
	"github.com/hankbao/conduit/room"
	"github.com/hankbao/conduit/signing"
	"github.com/hankbao/conduit/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file (or set "+config.EnvConfigPath+")")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("conduit %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	serverName := cfg.ParsedServerName()

	key, err := signing.LoadOrGenerateKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Database.Path,
		PoolSize:  cfg.Database.PoolSize,
		Logger:    logger.With("component", "sqlite"),
		OnConnect: storage.PrepareConn,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	store, err := storage.NewEventStore(storage.EventStoreConfig{
		KV:     storage.NewSQLiteKV(pool),
		Logger: logger.With("component", "storage"),
	})
	if err != nil {
		return fmt.Errorf("creating event store: %w", err)
	}

	keyClient := federation.NewKeyClient(federation.KeyClientConfig{
		Timeout:      cfg.Federation.RequestTimeout,
		InsecureHTTP: cfg.Federation.InsecureHTTP,
		Logger:       logger.With("component", "keys"),
	})
	keyring := signing.NewKeyring(keyClient, nil, logger.With("component", "keyring"))
	keyring.AddLocalKey(serverName, key.KeyID, key.PublicKey())

	client, err := federation.NewClient(federation.ClientConfig{
		ServerName:   serverName,
		Key:          key,
		Timeout:      cfg.Federation.RequestTimeout,
		InsecureHTTP: cfg.Federation.InsecureHTTP,
		Logger:       logger.With("component", "client"),
	})
	if err != nil {
		return err
	}

	sender, err := federation.NewSender(federation.SenderConfig{
		Client:     client,
		QueueSize:  cfg.Federation.SendQueueSize,
		MaxBackoff: cfg.Federation.MaxBackoff,
		Logger:     logger.With("component", "sender"),
	})
	if err != nil {
		return err
	}
	defer sender.Close()

	pipeline, err := admission.New(admission.Config{
		ServerName:    serverName,
		Key:           key,
		Store:         store,
		Keyring:       keyring,
		Rooms:         room.NewRegistry(),
		Backfill:      client,
		Pusher:        sender,
		RetryInterval: cfg.Federation.BackfillRetryInterval,
		Logger:        logger.With("component", "admission"),
	})
	if err != nil {
		return err
	}
	defer pipeline.Close()

	handler, err := federation.NewHandler(federation.HandlerConfig{
		ServerName: serverName,
		Keyring:    keyring,
		Admitter:   pipeline,
		Events:     store,
		Logger:     logger.With("component", "federation"),
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.ListenAndServe()
	}()

	logger.Info("conduit running",
		"server_name", serverName.String(),
		"listen", cfg.Listen,
		"key_id", key.KeyID.String(),
		"database", cfg.Database.Path,
		"version", version.Info(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		return nil
	case err := <-serveDone:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("federation listener: %w", err)
	}
}
