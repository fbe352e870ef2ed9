package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/daily-rebalancer/internal/allocation"
	"github.com/aristath/daily-rebalancer/internal/attribution"
	"github.com/aristath/daily-rebalancer/internal/calendar"
	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/clients/evaluator"
	"github.com/aristath/daily-rebalancer/internal/clients/marketdata"
	"github.com/aristath/daily-rebalancer/internal/config"
	"github.com/aristath/daily-rebalancer/internal/database"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/events"
	"github.com/aristath/daily-rebalancer/internal/execution"
	"github.com/aristath/daily-rebalancer/internal/ledger"
	"github.com/aristath/daily-rebalancer/internal/locking"
	"github.com/aristath/daily-rebalancer/internal/nettrade"
	"github.com/aristath/daily-rebalancer/internal/orchestrator"
	"github.com/aristath/daily-rebalancer/internal/prices"
	"github.com/aristath/daily-rebalancer/internal/scheduler"
	"github.com/aristath/daily-rebalancer/internal/server"
	"github.com/aristath/daily-rebalancer/internal/store"
	"github.com/aristath/daily-rebalancer/internal/vault"
	"github.com/aristath/daily-rebalancer/internal/warmup"
	"github.com/aristath/daily-rebalancer/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting daily rebalancer")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// The vault is optional at boot: without a secret the server still
	// starts, and DecryptCreds below fails each user's run (simulate mode
	// included, since the pipeline decrypts credentials in every mode).
	var secretVault *vault.Vault
	if cfg.VaultSecret() != "" {
		secretVault, err = vault.New(cfg.VaultSecret(), cfg.ScryptSalt)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize credential vault")
		}
	}

	eventsManager := events.NewManager(log)
	locks := locking.NewManager()

	brokerClient := broker.NewClient(cfg.BrokerBaseURL, log)
	marketdataClient := marketdata.NewClient(cfg.MarketdataBaseURL, cfg.MarketdataAPIKey, log)
	evaluatorClient := evaluator.NewClient(cfg.EvaluatorURL, log)

	conn := db.Conn()
	credentialsRepo := store.NewCredentialRepository(conn, log)
	settingsRepo := store.NewSettingsRepository(conn, log)
	investmentsRepo := store.NewInvestmentRepository(conn, log)
	ledgerRepo := store.NewLedgerRepository(conn, log)
	systemsRepo := store.NewSystemRepository(conn, log)
	executionsRepo := store.NewExecutionRepository(conn, log)
	queueRepo := store.NewQueueRepository(conn, log)
	dedupRepo := store.NewDedupRepository(conn, log)
	resultsRepo := store.NewResultRepository(conn, log)
	schedulerStateRepo := store.NewSchedulerStateRepository(conn, log)

	calendarService, err := calendar.NewService(brokerClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize market calendar")
	}

	priceAuthority := prices.NewAuthority(marketdataClient, brokerClient, log)
	allocationEngine := allocation.NewEngine(evaluatorClient, log)
	reconciler := ledger.NewReconciler(brokerClient, ledgerRepo, log)
	calculator := nettrade.NewCalculator(log)
	attributor := attribution.NewEngine(ledgerRepo, log)

	deduplicator := warmup.NewDeduplicator(settingsRepo, investmentsRepo, ledgerRepo, systemsRepo, queueRepo, dedupRepo, log)

	pipeline := execution.NewPipeline(execution.Deps{
		PriceAuthority: priceAuthority,
		Broker:         brokerClient,
		Reconciler:     reconciler,
		LedgerRepo:     ledgerRepo,
		Calculator:     calculator,
		Attributor:     attributor,
		Settings:       settingsRepo,
		Investments:    investmentsRepo,
		Systems:        systemsRepo,
		Queue:          queueRepo,
		Dedup:          dedupRepo,
		Results:        resultsRepo,
		ResolveAllocation: func(ctx context.Context, systemID string, payload []byte) map[string]float64 {
			return allocationEngine.AllocationsFor(ctx, systemID, payload, evaluator.Options{Mode: "live"})
		},
		DecryptCreds: func(userID string, credType domain.CredentialType) (string, string, string, error) {
			if secretVault == nil {
				return "", "", "", fmt.Errorf("credential vault not configured")
			}
			return credentialsRepo.Decrypt(secretVault, userID, credType)
		},
	}, log)

	orch := orchestrator.NewOrchestrator(deduplicator, pipeline, executionsRepo, schedulerStateRepo, locks, log)

	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load America/New_York timezone")
	}

	mode := execution.Mode(cfg.TradingMode)

	sched := scheduler.New(calendarService, orch, settingsRepo, credentialsRepo, secretVault, eastern, mode, log)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	eventsManager.Emit(events.ExecutionStarted, "main", map[string]interface{}{"status": "boot"})

	srv := server.New(server.Config{
		Port:         cfg.Port,
		Log:          log,
		Orchestrator: orch,
		DefaultMode:  mode,
		DevMode:      cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("daily rebalancer started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("stopped")
}
