package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dao-chain-indexer/api"
	"dao-chain-indexer/chain"
	"dao-chain-indexer/cleanup"
	"dao-chain-indexer/config"
	"dao-chain-indexer/database"
	"dao-chain-indexer/indexer"
	"dao-chain-indexer/integrity"
	"dao-chain-indexer/logger"
	"dao-chain-indexer/minting"
	"dao-chain-indexer/processor"
	"dao-chain-indexer/queue"
	"dao-chain-indexer/webhook"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded: %s", err)
	}
	flag.Parse()

	cfg, err := config.BuildConfig()
	if err != nil {
		logger.Fatal("config error: %s", err)
	}
	config.GlobalConfigCallback.Call(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.ConnectAndInitialize(ctx, &cfg.DB)
	if err != nil {
		logger.Fatal("database connect error: %s", err)
	}

	var lock *chain.SubmissionLock
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis connect error: %s", err)
		}
		lock = chain.NewSubmissionLock(rdb)
	}

	registry, err := chain.NewRegistry(cfg.Chains, lock)
	if err != nil {
		logger.Fatal("chain registry error: %s", err)
	}

	dispatcher := queue.NewDispatcher(db,
		time.Duration(cfg.Queue.PollMillis)*time.Millisecond, cfg.Queue.MaxAttempts)

	notifyHooks := cfg.Webhook.URL != ""
	dispatcher.Register(queue.QueueEvidence,
		processor.NewEvidenceProcessor(db, dispatcher).Handle, cfg.Queue.Evidence)
	dispatcher.Register(queue.QueueVerification,
		processor.NewVerificationProcessor(db, dispatcher, notifyHooks).Handle, cfg.Queue.Verification)
	if notifyHooks {
		notifier := webhook.NewNotifier(cfg.Webhook.URL,
			time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second)
		dispatcher.Register(queue.QueueWebhooks, notifier.Handle, cfg.Queue.Webhooks)
	}

	sweeper := cleanup.NewSweeper(db, cleanup.Config{
		VerificationExpiry: time.Duration(cfg.Cleanup.VerificationExpiryDays) * 24 * time.Hour,
		EvidenceRetention:  time.Duration(cfg.Cleanup.EvidenceRetentionDays) * 24 * time.Hour,
		JobRetention:       time.Duration(cfg.Cleanup.JobRetentionDays) * 24 * time.Hour,
	})
	dispatcher.Register(queue.QueueCleanup, sweeper.Handle, cfg.Queue.Cleanup)
	if err := sweeper.Schedule(cfg.Cleanup.Schedule); err != nil {
		logger.Fatal("cleanup schedule error: %s", err)
	}
	defer sweeper.Stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	minter := minting.NewService(db,
		func(chainID uint64) (minting.TokenClient, error) {
			return registry.TokenMinter(chainID)
		},
		cfg.Minting.DefaultChainID,
		time.Duration(cfg.Minting.RequestDelayMilli)*time.Millisecond)

	manager := indexer.NewManager(db,
		func(chainID uint64) (indexer.ReadClient, error) {
			return registry.ReadClient(chainID)
		},
		cfg.Indexer)
	if len(cfg.Indexer.Defaults) > 0 {
		if err := manager.StartDefault(); err != nil {
			logger.Fatal("indexer start error: %s", err)
		}
	}
	defer manager.Stop()

	server := api.NewServer(cfg.API.Address, db, manager, integrity.NewChecker(db))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(server.Run)
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Minting.BatchIntervalSeconds > 0 {
		group.Go(func() error {
			return runMintingLoop(gctx, minter,
				time.Duration(cfg.Minting.BatchIntervalSeconds)*time.Second)
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("fatal: %s", err)
	}
	logger.Info("shutdown complete")
}

// runMintingLoop periodically mints whatever has been approved since the
// last pass. In-flight submissions are awaited, never cancelled - the loop
// only checks for shutdown between batches.
func runMintingLoop(ctx context.Context, minter *minting.Service, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		summary, err := minter.ProcessApprovedRequests(context.Background(), "system", 0)
		if err != nil {
			logger.Error("minting batch error: %s", err)
			continue
		}
		if summary.Processed > 0 {
			logger.Info("minting batch: %d processed, %d failed", summary.Processed, summary.Failed)
		}
	}
}
