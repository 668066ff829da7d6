// Package main is the entry point for the optionflow order execution
// and position reconciliation engine. It wires the position ledger,
// broker sync reconciler, copy-trade dispatcher, and activity feed
// publisher around two SQLite databases and a Tradier-compatible
// broker client.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dhaneshraok/optionflow/internal/clients/tradier"
	"github.com/dhaneshraok/optionflow/internal/config"
	"github.com/dhaneshraok/optionflow/internal/database"
	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/events"
	"github.com/dhaneshraok/optionflow/internal/modules/copytrade"
	copytradehandlers "github.com/dhaneshraok/optionflow/internal/modules/copytrade/handlers"
	"github.com/dhaneshraok/optionflow/internal/modules/feed"
	"github.com/dhaneshraok/optionflow/internal/modules/ledger"
	ledgerhandlers "github.com/dhaneshraok/optionflow/internal/modules/ledger/handlers"
	"github.com/dhaneshraok/optionflow/internal/modules/market_hours"
	"github.com/dhaneshraok/optionflow/internal/modules/reconciler"
	"github.com/dhaneshraok/optionflow/internal/reliability"
	"github.com/dhaneshraok/optionflow/internal/scheduler"
	"github.com/dhaneshraok/optionflow/internal/server"
	"github.com/dhaneshraok/optionflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().Msg("Starting optionflow")

	// Databases. The ledger profile trades write speed for durability;
	// copytrade holds subscriptions, dispatch records, and the feed
	// outbox.
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	copytradeDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "copytrade.db"),
		Profile: database.ProfileStandard,
		Name:    "copytrade",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open copytrade database")
	}
	defer copytradeDB.Close()

	for _, db := range []*database.DB{ledgerDB, copytradeDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}

	// Event bus wires the ledger to the copy-trade dispatcher and
	// feed publisher. Delivery is synchronous and in-process.
	bus := events.NewBus()
	eventManager := events.NewManager(bus, log)

	// Broker client
	var broker domain.BrokerClient
	if cfg.BrokerAPIToken != "" {
		broker = tradier.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIToken, log)
		log.Info().Str("base_url", cfg.BrokerBaseURL).Msg("Broker client configured")
	} else {
		log.Warn().Msg("Broker credentials not configured - running webhook-only")
	}

	// Ledger
	positions := ledger.NewPositionRepository(ledgerDB.Conn(), log)
	orders := ledger.NewOrderRepository(ledgerDB.Conn(), log)
	guard := ledger.NewOversellGuard(orders, log)
	ledgerService := ledger.NewService(ledgerDB, positions, orders, guard, broker, eventManager, log)

	// Reconciler
	conflicts := reconciler.NewConflictRepository(ledgerDB.Conn(), log)
	reconcilerService := reconciler.NewService(ledgerService, conflicts, broker, eventManager, cfg.BrokerMaxRetries, log)

	// Copy-trade dispatcher
	subscriptions := copytrade.NewSubscriptionRepository(copytradeDB.Conn(), log)
	dispatches := copytrade.NewDispatchRepository(copytradeDB.Conn(), log)
	dispatcher := copytrade.NewDispatcher(subscriptions, dispatches, ledgerService, eventManager, log)
	dispatcher.Start(bus)

	// Activity feed publisher
	outbox := feed.NewOutboxRepository(copytradeDB.Conn(), log)
	var gateway domain.FeedGateway
	if cfg.FeedGatewayURL != "" {
		gateway = feed.NewHTTPGateway(cfg.FeedGatewayURL)
		log.Info().Str("url", cfg.FeedGatewayURL).Msg("Feed gateway configured")
	}
	publisher := feed.NewPublisher(outbox, gateway, log)
	publisher.Start(bus)

	marketHours := market_hours.NewService(cfg.PollIntervalOpen, cfg.PollIntervalClosed)

	// Broker push stream (optional)
	var stream *tradier.OrderStream
	if cfg.BrokerStreamURL != "" && cfg.BrokerAPIToken != "" {
		stream = tradier.NewOrderStream(cfg.BrokerStreamURL, cfg.BrokerAPIToken, cfg.BrokerAccounts, reconcilerService.HandleOrderEvent, log)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Order stream not connected yet, reconnecting in background")
		}
	}

	// Backups
	databases := map[string]*database.DB{
		"ledger":    ledgerDB,
		"copytrade": copytradeDB,
	}
	backupDir := filepath.Join(cfg.DataDir, "backups")
	backupService := reliability.NewBackupService(databases, backupDir, cfg.BackupRetentionDays, log)

	var cloudBackup *reliability.CloudBackupService
	if cfg.BackupEnabled() {
		store, err := reliability.NewS3Client(cfg.BackupEndpoint, cfg.BackupAccessKey, cfg.BackupSecretKey, cfg.BackupBucket, cfg.BackupRegion, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create object storage client")
		}
		cloudBackup = reliability.NewCloudBackupService(store, backupService, cfg.DataDir, log)
		log.Info().Str("bucket", cfg.BackupBucket).Msg("Cloud backup enabled")
	}

	// Scheduled jobs
	sched := scheduler.New(log)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 * * * * *", scheduler.NewReconcilePollJob(reconcilerService, marketHours, log)},
		{"0 */5 * * * *", scheduler.NewFeedFlushJob(publisher, log)},
		{"0 15 * * * *", scheduler.NewStaleOrderSweepJob(reconcilerService, cfg.PendingOrderMaxAge, log)},
		{"0 30 2 * * *", scheduler.NewRetentionJob(dispatches, outbox, cfg.DispatchRetention, log)},
		{"0 0 3 * * *", scheduler.NewMaintenanceJob([]*database.DB{ledgerDB, copytradeDB}, log)},
		{"0 30 3 * * *", scheduler.NewBackupJob(backupService, cloudBackup, cfg.BackupRetentionDays, log)},
	}
	for _, entry := range jobs {
		if err := sched.AddJob(entry.schedule, entry.job); err != nil {
			log.Fatal().Err(err).Str("job", entry.job.Name()).Msg("Failed to schedule job")
		}
	}
	if broker == nil {
		log.Info().Msg("Reconcile polling inactive without broker credentials")
	}
	sched.Start()

	// HTTP server
	srv := server.New(server.Config{
		Log:         log,
		Cfg:         cfg,
		LedgerDB:    ledgerDB,
		CopytradeDB: copytradeDB,
		Ledger:      ledgerhandlers.NewLedgerHandlers(ledgerService, conflicts, log),
		Copytrade:   copytradehandlers.NewCopytradeHandlers(subscriptions, dispatches, log),
		Webhook:     server.NewWebhookHandlers(cfg.WebhookSecret, reconcilerService, log),
		System:      server.NewSystemHandlers(cfg.DataDir, databases, marketHours, log),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping order stream")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
