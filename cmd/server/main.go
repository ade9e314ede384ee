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

	"replenishment-service/config"
	"replenishment-service/internal/api"
	"replenishment-service/internal/broker"
	"replenishment-service/internal/redisclient"
	"replenishment-service/internal/service"
	"replenishment-service/internal/store"
	"replenishment-service/internal/util"
	"replenishment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting replenishment service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicChanges))

	eventPublisher := broker.NewEventPublisher(producer)
	feed := broker.NewChangeFeed()

	rc := cfg.Replenish
	levels := service.NewDesiredLevelResolver(db, rc)
	suspensions := service.NewSuspensionRegistry(db, redisClient, rc.StoreCallTimeout)
	synthesizer := service.NewOrderSynthesizer(db, db, levels, suspensions, redisClient, eventPublisher, rc)
	splitter := service.NewOrderSplitter(db, redisClient, rc)
	notifier := service.NewNotifier(db, eventPublisher, rc.NotifyRoles, rc.StoreCallTimeout)
	orderService := service.NewOrderService(db, splitter, suspensions, notifier, eventPublisher, rc)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	changeConsumer := worker.NewChangeConsumer(
		broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, cfg.Kafka.ConsumerGroup),
		feed,
	)
	go func() {
		if err := changeConsumer.Start(workerCtx); err != nil {
			logger.Error("Change consumer error", zap.Error(err))
		}
	}()

	reconcileWorker := worker.NewReconcileWorker(synthesizer, feed, rc.ReconcileInterval, rc.OperatorID)
	go func() {
		if err := reconcileWorker.Start(workerCtx); err != nil {
			logger.Error("Reconcile worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, synthesizer, suspensions, levels, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := changeConsumer.Stop(); err != nil {
		logger.Error("Failed to stop change consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}
