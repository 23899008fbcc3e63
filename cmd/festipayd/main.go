// Package main provides the festipayd daemon - the offline-first payment
// core running next to a POS terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/festipay/festipay/internal/api"
	"github.com/festipay/festipay/internal/config"
	"github.com/festipay/festipay/internal/conflict"
	"github.com/festipay/festipay/internal/engine"
	"github.com/festipay/festipay/internal/push"
	"github.com/festipay/festipay/internal/rpc"
	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
	"github.com/festipay/festipay/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.festipay", "Data directory")
		apiAddr     = flag.String("api", "", "Control API address, overrides config")
		serverURL   = flag.String("server", "", "Sync server base URL, overrides config")
		festivalID  = flag.String("festival", "", "Festival ID for catalogue hydration, overrides config")
		noPush      = flag.Bool("no-push", false, "Disable the push channel consumer")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("festipayd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *serverURL != "" {
		cfg.Server.BaseURL = *serverURL
	}
	if *festivalID != "" {
		cfg.Device.FestivalID = *festivalID
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			cfg.Logging.Level = *logLevel
		}
	})

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	// First run: mint a device identity and persist it
	if cfg.Device.ID == "" {
		cfg.Device.ID = uuid.NewString()
		if err := config.Save(cfg, *dataDir); err != nil {
			log.Fatal("Failed to persist device identity", "error", err)
		}
		log.Info("Device identity created", "device_id", cfg.Device.ID)
	}

	// Initialize storage, recovering from a corrupt database file
	storeCfg := &storage.Config{DataDir: cfg.Storage.DataDir}
	store, err := storage.New(storeCfg)
	if err != nil && errors.Is(err, storage.ErrStoreUnavailable) {
		log.Fatal("Failed to open storage", "error", err)
	}
	if err != nil && storage.IsCorrupt(err) {
		quarantine, recErr := storage.RecoverCorrupt(storeCfg)
		if recErr != nil {
			log.Fatal("Failed to recover corrupt database", "error", recErr)
		}
		log.Error("Database was corrupt; unsynced offline transactions were lost",
			"quarantine", quarantine)
		store, err = storage.New(storeCfg)
	}
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()

	schemaVersion, _ := store.SchemaVersion()
	log.Info("Storage ready", "path", store.Path(), "schema_version", schemaVersion)

	// Device HMAC key is provisioned out of band; without it the daemon
	// serves cached reads but rejects new payments.
	signer := engine.NewSigner(config.DeviceKey())
	if !signer.Provisioned() {
		log.Warn("No device key in " + config.EnvDeviceKey + "; payment creation disabled")
	}

	eng := engine.New(store, signer, cfg.Device.ID)
	client := api.NewClient(cfg.Server.BaseURL)
	resolver := conflict.NewResolver(store)

	queue := syncq.New(store, resolver, syncq.Config{
		BatchSize:      cfg.Sync.BatchSize,
		Heartbeat:      cfg.Sync.Heartbeat,
		MaxInFlight:    cfg.Sync.MaxInFlight,
		AttemptTimeout: cfg.Sync.AttemptTimeout,
		Retention:      cfg.Sync.Retention,
	})
	queue.Register(syncq.EntityPendingTransaction, syncq.NewPaymentHandler(store, client))
	queue.Register(syncq.EntityWallet, syncq.NewWalletRefreshHandler(store, client))
	queue.Register(syncq.EntityCatalog, syncq.NewCatalogRefreshHandler(store, client))
	queue.Start()

	// Hydrate the catalogue in the background
	if cfg.Device.FestivalID != "" {
		err := queue.Enqueue(&storage.SyncQueueItem{
			ID:         uuid.NewString(),
			Operation:  storage.OpUpdate,
			EntityType: syncq.EntityCatalog,
			EntityID:   cfg.Device.FestivalID,
			Payload:    []byte(`{}`),
			Priority:   storage.PriorityLow,
			MaxRetries: syncq.ConservativePolicy().MaxRetries,
		})
		if err != nil {
			log.Warn("Failed to schedule catalogue refresh", "error", err)
		}
	}

	var consumer *push.Consumer
	if !*noPush {
		consumer = push.NewConsumer(cfg.PushURL(), store, queue)
		consumer.Start()
	}

	server := rpc.NewServer(store, eng, queue)
	if err := server.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("Failed to start control API", "error", err)
	}

	log.Info("festipayd running",
		"version", version, "device_id", cfg.Device.ID, "server", cfg.Server.BaseURL)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("Control API shutdown error", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	// In-flight syncs get a grace period; interrupted items stay pending
	// for the next run.
	queue.Shutdown(5 * time.Second)

	log.Info("Goodbye")
}
