package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-orders/internal/analytics"
	"ms-orders/internal/api"
	"ms-orders/internal/config"
	"ms-orders/internal/db"
	"ms-orders/internal/eticket"
	"ms-orders/internal/kafka"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/notify"
	"ms-orders/internal/order"
	"ms-orders/internal/sse"
	"ms-orders/internal/transaction"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// .env is optional in containerized deployments
		fmt.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	ctx := context.Background()

	// --- PostgreSQL Setup ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	defer sqldb.Close()

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}

	bunDB := bun.NewDB(sqldb, pgdialect.New())
	if err := db.Migrate(ctx, bunDB); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}
	store := db.New(bunDB, log)

	// --- Redis Setup ---
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Failed to connect to Redis: %v", err))
	}

	// --- Kafka Setup ---
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{cfg.Kafka.NotificationsTopic}); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Could not ensure topics exist: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic)
		defer producer.Close()
	} else {
		log.Warn("KAFKA", "Kafka disabled, notifications will be dropped")
	}

	// --- Wiring ---
	var publisher notify.Publisher
	if producer != nil {
		publisher = producer
	}
	dispatcher := notify.NewDispatcher(publisher, log)
	emitter := sse.NewStatusEmitter()

	txEngine := transaction.NewEngine(store, log, cfg.Billing.GatewayTimeout)
	txEngine.SetCache(transaction.NewCache(redisClient, log))
	txEngine.SetNotifier(emitter)
	txEngine.RegisterAdapter(models.GatewayStripe, transaction.NewStripeAdapter(cfg.Stripe, log))

	service := order.NewService(store, log, txEngine, dispatcher, cfg.Billing.SoldOutThresholds, cfg.Billing.DefaultRetributionBps)
	codec := eticket.NewCodec(store, log)
	stats := analytics.NewService(bunDB, log)

	handler := api.NewHandler(service, txEngine, codec, emitter, transaction.NewCache(redisClient, log), store, stats, log)
	router := api.NewRouter(handler, cfg.Auth.JWTSecret)

	// --- Start HTTP Server ---
	// No WriteTimeout: the status stream endpoint holds connections open.
	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("SERVER", fmt.Sprintf("Order service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("SERVER", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("SERVER", "Shutdown signal received, cleaning up")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("SERVER", fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	log.Info("SERVER", "Server exited gracefully")
}
