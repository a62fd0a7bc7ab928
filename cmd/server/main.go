package main // HTTP API entry point

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/flash-sale-checkout/internal/config"
	"github.com/iliyamo/flash-sale-checkout/internal/database"
	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/handler"
	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/logger"
	"github.com/iliyamo/flash-sale-checkout/internal/order"
	"github.com/iliyamo/flash-sale-checkout/internal/queue"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
	"github.com/iliyamo/flash-sale-checkout/internal/router"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

func main() {
	_ = godotenv.Load() // .env is optional; real deployments use the environment

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
		// The checkout path cannot run without the fast store.
		log.Fatal("redis connection failed")
	}
	fs := faststore.New(rdb)

	products := repository.NewProductRepo(db)
	ledger := stock.NewLedger(fs, products)
	holds := hold.NewRegistry(fs, ledger, cfg.HoldTTL)
	checkout := repository.NewCheckoutStore(db)
	coordinator := order.NewCoordinator(checkout, holds, fs, zlog)

	publishEvents := os.Getenv("RABBITMQ_URL") != "" || os.Getenv("AMQP_URL") != ""
	if publishEvents {
		go func() {
			if err := queue.StartCheckoutConsumer(); err != nil {
				log.Printf("checkout consumer stopped: %v", err)
			}
		}()
	}

	e := echo.New()
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	router.RegisterRoutes(e, router.Deps{
		Products:      handler.NewProductHandler(products, ledger, holds),
		Holds:         handler.NewHoldHandler(holds, products),
		Orders:        handler.NewOrderHandler(coordinator),
		Webhook:       handler.NewWebhookHandler(coordinator, publishEvents),
		Admin:         handler.NewAdminHandler(ledger),
		RateLimit:     config.LoadRateLimitConfig(),
		Redis:         rdb,
		WebhookSecret: cfg.WebhookJWTSecret,
	})

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
