package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"couplevault/agreement"
	"couplevault/config"
	"couplevault/couple"
	"couplevault/db"
	"couplevault/dispute"
	"couplevault/ledger"
	"couplevault/logging"
	"couplevault/migrations"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Fatal("bootstrap database pool", "error", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		logger.Fatal("apply migrations", "error", err)
	}

	store := dispute.NewRepository(pool)
	settler := dispute.NewSettler(dispute.Dependencies{
		Pool:       pool,
		Store:      store,
		Couples:    couple.NewRepository(pool),
		Agreements: agreement.NewRepository(),
		Snapshots:  ledger.NewPGSnapshotter(),
		Ledger:     ledger.NewPGLedger(),
		Clock:      dispute.SystemClock{},
		Logger:     logger.With("component", "settlement"),
	})

	sweeper := dispute.NewSweeper(store, settler).
		WithLogger(logger.With("component", "sweeper")).
		WithBatchSize(cfg.SweepBatchSize).
		WithConcurrency(cfg.SweepWorkers)

	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("connect redis", "error", err)
		}
		defer client.Close()
		sweeper = sweeper.WithLease(dispute.NewRedisLease(client, dispute.DefaultLeaseKey, cfg.SweepLeaseTTL))
	}

	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, cfg.SweepLeaseTTL)
		defer cancel()
		if _, err := sweeper.Sweep(runCtx); err != nil {
			logger.Error("sweep failed", "error", err)
		}
	}

	if *once {
		run()
		return
	}

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, run); err != nil {
		logger.Fatal("schedule sweep", "schedule", cfg.SweepSchedule, "error", err)
	}

	logger.Info("sweeper scheduled", "schedule", cfg.SweepSchedule, "batch_size", cfg.SweepBatchSize, "workers", cfg.SweepWorkers)
	run()
	scheduler.Start()

	<-ctx.Done()
	logger.Info("sweeper stopping")
	<-scheduler.Stop().Done()
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
