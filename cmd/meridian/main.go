package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-retail/meridian-retail/internal/app"
	"github.com/meridian-retail/meridian-retail/internal/correction"
	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/masterdata"
	"github.com/meridian-retail/meridian-retail/internal/platform/cache"
	"github.com/meridian-retail/meridian-retail/internal/platform/db"
	"github.com/meridian-retail/meridian-retail/internal/shared"
	"github.com/meridian-retail/meridian-retail/internal/transfer"
	"github.com/meridian-retail/meridian-retail/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var balanceCache *ledger.Cache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The balance cache is an optimisation; run without it.
		logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
	} else {
		balanceCache = ledger.NewCache(redisClient, cfg.BalanceCacheTTL, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	notifier := jobs.NewNotifier(jobClient)

	auditLogger := shared.NewAuditLogger(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool, cfg.IdempotencyWindow)
	authorizer := shared.NewPgAuthorizer(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, balanceCache, logger, ledger.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})
	ledgerHandler := ledger.NewHandler(logger, ledgerService, idempotencyStore)

	masterdataService := masterdata.NewService(masterdata.NewRepository(pool))
	masterdataHandler := masterdata.NewHandler(logger, masterdataService)

	workflow := transfer.WorkflowFull
	if cfg.SimplifiedTransfers {
		workflow = transfer.WorkflowSimplified
	}
	transferRepo := transfer.NewRepository(pool)
	transferService := transfer.NewService(transferRepo, authorizer, masterdataService, auditLogger,
		transfer.SODPolicy{Enforce: cfg.EnforceSOD}, notifier, idempotencyStore, logger,
		transfer.ServiceConfig{DefaultWorkflow: workflow})
	transferHandler := transfer.NewHandler(logger, transferService)

	correctionRepo := correction.NewRepository(pool)
	correctionService := correction.NewService(correctionRepo, authorizer, masterdataService, auditLogger,
		idempotencyStore, notifier, logger,
		correction.ServiceConfig{BulkConcurrency: cfg.BulkApproveConc, BulkTimeout: cfg.BulkTxTimeout})
	correctionHandler := correction.NewHandler(logger, correctionService)

	jobsHandler := jobs.NewHandler(asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr}), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		LedgerHandler:     ledgerHandler,
		TransferHandler:   transferHandler,
		CorrectionHandler: correctionHandler,
		MasterDataHandler: masterdataHandler,
		JobsHandler:       jobsHandler,
		Pool:              pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
