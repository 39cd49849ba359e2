// aviary is a federation sidecar for AT-Protocol PDS instances. It presents
// every PDS account as an ActivityPub actor, streams local posts to remote
// followers, and writes fediverse replies back onto the PDS through bridge
// accounts.
//
// Usage:
//
//	export BRIDGE_HOSTNAME=bridge.example.com
//	export PDS_URL=http://localhost:3000
//	export PDS_ADMIN_TOKEN=<admin password>
//	export MASTODON_BRIDGE_ENABLED=true
//	./aviary
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/blobs"
	"github.com/aviary-bridge/aviary/internal/bridge"
	"github.com/aviary-bridge/aviary/internal/config"
	"github.com/aviary-bridge/aviary/internal/constellation"
	"github.com/aviary-bridge/aviary/internal/convert"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/firehose"
	"github.com/aviary-bridge/aviary/internal/pds"
	"github.com/aviary-bridge/aviary/internal/server"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("starting aviary bridge",
		"version", cfg.Version,
		"hostname", cfg.Hostname,
		"pds", cfg.PDSURL,
		"database", cfg.DBLocation,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DBLocation)
	if err != nil {
		slog.Error("failed to open database", "error", err, "location", cfg.DBLocation)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── PDS clients ──────────────────────────────────────────────────────────
	pdsClient := pds.NewClient(cfg.PDSURL)
	appView := pds.NewClient(cfg.AppViewURL)

	// ─── Federation context ───────────────────────────────────────────────────
	fed := &ap.FedContext{
		BaseURL:     cfg.PublicURL,
		Hostname:    cfg.Hostname,
		PDSHostname: cfg.PDSHostname,
		PDS:         pdsClient,
	}
	federation := &ap.Federation{Store: store, Fed: fed}

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mediator := blobs.New(cfg.AllowPrivateAddress)

	// ─── Bridge accounts ──────────────────────────────────────────────────────
	mastodonBridge := bridge.NewManager("mastodon", cfg.MastodonBridge, store, pdsClient, mediator, cfg.PDSAdminToken, cfg.PDSHostname)
	if err := mastodonBridge.Init(ctx); err != nil {
		slog.Error("mastodon bridge init failed", "error", err)
	}
	blueskyBridge := bridge.NewManager("bluesky", cfg.BlueskyBridge, store, pdsClient, mediator, cfg.PDSAdminToken, cfg.PDSHostname)
	if err := blueskyBridge.Init(ctx); err != nil {
		slog.Error("bluesky bridge init failed", "error", err)
	}
	bridgeDIDs := func() []string { return bridge.BridgeDIDs(mastodonBridge, blueskyBridge) }

	// ─── Converters ───────────────────────────────────────────────────────────
	registry := convert.NewRegistry(&convert.PostConverter{
		Store: store,
		Fed:   fed,
		PDS:   pdsClient,
		Blobs: mediator,
	})

	// ─── Inbound federation ───────────────────────────────────────────────────
	ingester := &bridge.Ingester{
		Bridge:   mastodonBridge,
		Registry: registry,
		Store:    store,
		Fed:      fed,
		PDS:      pdsClient,
	}
	apHandler := &ap.Handler{
		Store:    store,
		Fed:      fed,
		Sender:   federation,
		Ingester: ingester,
	}

	// ─── Firehose processor ───────────────────────────────────────────────────
	var processor *firehose.Processor
	if cfg.FirehoseEnabled {
		processor = &firehose.Processor{
			URL:          cfg.FirehoseURL,
			Store:        store,
			Registry:     registry,
			Sender:       federation,
			Fed:          fed,
			Records:      pdsClient,
			BridgeDIDs:   bridgeDIDs,
			MonitorPosts: cfg.ConstellationURL != "",
		}
		processor.Start(ctx, cfg.FirehoseCursor)
		defer processor.Stop()
	}

	// ─── External-reply poller ────────────────────────────────────────────────
	if cfg.ConstellationURL != "" && blueskyBridge.IsAvailable() {
		poller := &constellation.Poller{
			URL:        cfg.ConstellationURL,
			Interval:   cfg.ConstellationPollInterval,
			Store:      store,
			Fed:        fed,
			Sender:     federation,
			Actor:      blueskyBridge,
			Local:      pdsClient,
			AppView:    appView,
			BridgeDIDs: bridgeDIDs,
		}
		poller.Start(ctx)
		defer poller.Stop()
	}

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, fed, pdsClient, appView, registry, apHandler)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("aviary bridge stopped")
}
