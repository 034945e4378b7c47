package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"couplevault/agreement"
	"couplevault/auth"
	"couplevault/config"
	"couplevault/couple"
	"couplevault/db"
	"couplevault/dispute"
	"couplevault/ledger"
	"couplevault/logging"
	"couplevault/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireAPI()
	}
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

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Fatal("build token verifier", "error", err)
	}

	couples := couple.NewRepository(pool)
	agreements := agreement.NewRepository()
	deps := dispute.Dependencies{
		Pool:       pool,
		Store:      dispute.NewRepository(pool),
		Couples:    couples,
		Agreements: agreements,
		Snapshots:  ledger.NewPGSnapshotter(),
		Ledger:     ledger.NewPGLedger(),
		Clock:      dispute.SystemClock{},
		Logger:     logger.With("component", "dispute"),
	}
	settler := dispute.NewSettler(deps)

	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	limiter.startCleanup(time.Minute, ctx.Done())

	server := &Server{
		disputeService: dispute.NewService(deps, settler),
		coupleService:  couple.NewService(couples),
		esignService:   agreement.NewService(pool, agreements),
		verifier:       verifier,
		limiter:        limiter,
		db:             pool,
		logger:         logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	logger.Info("api listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", "error", err)
	}
	logger.Info("api stopped")
}
