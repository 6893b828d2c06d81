// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package main is the entry point for the Praesentia server.
//
// Praesentia is a geofence attendance service for schools: student devices
// submit location samples, the service classifies them against per-school
// geofences, tracks inside/outside membership, and fans committed ENTER and
// EXIT events out to an append-only log and live WebSocket subscribers.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 with layered sources (defaults, YAML file,
//     environment variables)
//  2. Database: DuckDB with the attendance schema (traces, geofences,
//     memberships, events)
//  3. Classifier and tracker: spatial index plus membership state machine
//  4. Event bus: in-process GoChannel, or NATS JetStream when configured
//  5. Ingest pipeline: validation, ordering, persistence, classification
//  6. Authentication: JWT, Basic Auth, or no-auth mode
//  7. Supervisor tree: WebSocket hub, event bridge, HTTP server
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP
// listener stops accepting connections, in-flight requests drain, WebSocket
// clients are closed, and the event bus and database close last.
//
// # Port 4326
//
// The default port references EPSG:4326 (WGS84), the coordinate system of
// every location sample the service accepts.
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

	"github.com/praesentia/praesentia/internal/api"
	"github.com/praesentia/praesentia/internal/auth"
	"github.com/praesentia/praesentia/internal/classifier"
	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/database"
	"github.com/praesentia/praesentia/internal/eventbus"
	"github.com/praesentia/praesentia/internal/ingest"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/supervisor"
	"github.com/praesentia/praesentia/internal/tracker"
	ws "github.com/praesentia/praesentia/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("auth_mode", cfg.Security.AuthMode).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Configuration loaded")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	bus, err := eventbus.New(&cfg.NATS)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	fences := classifier.New(db)
	track := tracker.New(db, cfg.Tracker.ConfirmSamples)
	pipeline := ingest.New(db, db, fences, track, bus, cfg.Ingest, cfg.Tracker.LockShards)

	if cfg.Security.AuthMode == "none" {
		logging.Warn().Msg("Authentication is DISABLED (auth_mode=none); every tenant's data is open to every caller. Development only.")
	}
	authn, err := auth.NewAuthenticator(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize authentication")
	}
	logging.Info().Str("mode", authn.Mode()).Msg("Authentication configured")

	hub := ws.NewHub()
	bridge := ws.NewBridge(bus, hub)

	handler := api.NewHandler(db, pipeline, fences, cfg, api.WebSocketDeps{
		Hub:    hub,
		Bridge: bridge,
	})
	router := api.NewRouter(handler, authn, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewRunnerService("websocket-hub", hub))
	tree.AddMessagingService(supervisor.NewRunnerService("event-bridge", bridge))
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
		cancel()
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}
