package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reconciler-service/config"
	"reconciler-service/internal/api"
	"reconciler-service/internal/broker"
	"reconciler-service/internal/queue"
	"reconciler-service/internal/ratelimit"
	"reconciler-service/internal/redisclient"
	"reconciler-service/internal/service"
	"reconciler-service/internal/store"
	"reconciler-service/internal/util"
	"reconciler-service/internal/webhook"
	"reconciler-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting reconciler service")

	tp, err := util.InitTracer("reconciler-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// Redis is optional: without it rate limiting falls back to in-memory
	// counters and task scheduling is disabled.
	var redisClient *redisclient.Client
	var queueBackend queue.Backend
	var limitBackend ratelimit.Backend
	if cfg.Redis.Addr != "" {
		redisClient = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer redisClient.Close()
		queueBackend = redisClient
		limitBackend = redisClient
		log.Println("Redis client initialized")
	} else {
		log.Println("Redis not configured, running in memory-fallback mode")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	limiter := ratelimit.NewLimiter(limitBackend)
	defer limiter.Close()

	manager := queue.NewManager(queueBackend)

	reconciler := service.NewReconciler(db, manager, eventPublisher)

	klaviyo := service.NewKlaviyoClient(cfg.Klaviyo.APIKey)
	handlers := service.NewTaskHandlers(db, klaviyo, eventPublisher, service.NewLogEmailSender())
	handlers.RegisterAll(manager)

	processor := service.NewWebhookProcessor(
		webhook.NewStripeVerifier(cfg.Webhooks.StripeSecret),
		webhook.NewShopifyVerifier(cfg.Webhooks.ShopifySecret),
		db,
		reconciler,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	queueWorker := worker.NewQueueWorker(manager, cfg.Worker.DrainInterval)
	go queueWorker.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(processor, db, limiter, cfg)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	queueWorker.Stop()

	log.Println("Server exited")
}
