package main // expiry reaper entry point

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/flash-sale-checkout/internal/config"
	"github.com/iliyamo/flash-sale-checkout/internal/database"
	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/logger"
	"github.com/iliyamo/flash-sale-checkout/internal/queue"
	"github.com/iliyamo/flash-sale-checkout/internal/reaper"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
	queue_publisher "github.com/iliyamo/flash-sale-checkout/internal/service"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

// sweepInterval is the cadence of the built-in loop. External schedulers
// (cron, k8s CronJob) should run with --once at the same cadence instead.
const sweepInterval = 60 * time.Second

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()
	zlog := logger.Must(cfg.Env)
	defer func() { _ = zlog.Sync() }()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, database.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("redis connection failed")
	}
	fs := faststore.New(rdb)

	products := repository.NewProductRepo(db)
	ledger := stock.NewLedger(fs, products)
	holds := hold.NewRegistry(fs, ledger, cfg.HoldTTL)

	var publish func(ctx context.Context, expired, qty int64)
	if os.Getenv("RABBITMQ_URL") != "" || os.Getenv("AMQP_URL") != "" {
		host, _ := os.Hostname()
		publish = func(ctx context.Context, expired, qty int64) {
			_ = queue_publisher.PublishHoldsExpired(ctx, queue.HoldsExpiredEvent{
				ExpiredCount: expired,
				QtyReleased:  qty,
				SweptAt:      time.Now().UTC().Format(time.RFC3339),
				Host:         host,
			})
		}
	}

	r := reaper.New(fs, holds, cfg.ReaperBatchSize, cfg.ReaperMaxRuntime, zlog, publish)

	if *once {
		if _, err := r.Run(context.Background()); err != nil {
			zlog.Fatal("sweep failed", zap.Error(err))
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Run(ctx); err != nil {
			// Framework-level failure (fast store unreachable). Log and let
			// the next tick retry; a transient outage should not kill the
			// scheduler.
			zlog.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			zlog.Info("shutting down")
			return
		case <-ticker.C:
		}
	}
}
