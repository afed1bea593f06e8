// cmd/notification-worker/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-service/internal/batch"
	"notification-service/internal/common/aws"
	"notification-service/internal/common/config"
	"notification-service/internal/common/database"
	httpclient "notification-service/internal/common/http"
	"notification-service/internal/common/logger"
	"notification-service/internal/common/observability"
	"notification-service/internal/delivery"
	"notification-service/internal/policy"
	"notification-service/internal/processor"
	"notification-service/internal/search"
	"notification-service/internal/status"
	"notification-service/internal/store"
	"notification-service/internal/stream"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting notification worker...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("notification-worker")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redisClient *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redisClient, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redisClient.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redisClient.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch with retry (only when search is enabled) ---
	var esClient *database.ElasticsearchClient
	if cfg.Search.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			// Test the connection
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Stores ---
	notifications := store.NewNotificationStore(pg.DB, log)
	deliveries := store.NewDeliveryStore(pg.DB, log)
	preferences := store.NewPreferenceStore(pg.DB, log)

	// --- Channel senders ---
	registry := delivery.NewRegistry()

	if cfg.AWS.SES.Enabled {
		sesClient, err := aws.NewSESClient(ctx, cfg.AWS.Region)
		if err != nil {
			zapLog.Fatal("ses client failed", zap.Error(err))
		}
		registry.Register(delivery.NewEmailSender(sesClient, cfg.AWS.SES.FromEmail, log))
		zapLog.Info("Email sender registered", zap.String("fromEmail", cfg.AWS.SES.FromEmail))
	}

	if cfg.AWS.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.AWS.Region)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		registry.Register(delivery.NewSMSSender(snsClient, cfg.AWS.SNS.DefaultSMSSenderID, log))
		zapLog.Info("SMS sender registered")
	}

	if cfg.Push.Enabled {
		gateway := httpclient.NewClient(config.GetDuration(cfg.Push.Timeout))
		registry.Register(delivery.NewPushSender(gateway, cfg.Push.GatewayURL, cfg.Push.APIKey, log))
		zapLog.Info("Push sender registered", zap.String("gateway", cfg.Push.GatewayURL))
	}

	if len(registry.Channels()) == 0 {
		zapLog.Fatal("no channel senders enabled")
	}

	// --- Pipeline components ---
	throttle := policy.NewThrottleCounter(redisClient.Client, log)
	evaluator := policy.NewEvaluator(throttle, log)

	var indexer processor.SearchIndexer
	var searchReader status.SearchReader
	if cfg.Search.Enabled {
		idx := search.NewIndexer(esClient.Client, cfg.Search.Index, log)
		indexer = idx
		searchReader = idx
	}

	evaluator.UseCountFallback(notifications)

	orchestrator := delivery.NewOrchestrator(
		registry, notifications, deliveries,
		cfg.Delivery.MaxRetries,
		config.GetDuration(cfg.Delivery.BackoffBase),
		config.GetDuration(cfg.Delivery.BackoffCap),
		config.GetDuration(cfg.Delivery.SendTimeout),
		log,
	)

	proc := processor.New(
		notifications, preferences, evaluator, throttle, orchestrator, indexer,
		config.GetDuration(cfg.Pipeline.DedupWindow), log,
	)

	scheduler := processor.NewScheduler(proc, config.GetDuration(cfg.Pipeline.ScheduleInterval), log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var aggregator *batch.Aggregator
	if cfg.Batch.Enabled {
		aggregator = batch.NewAggregator(
			notifications, proc, preferences, evaluator,
			config.GetDuration(cfg.Batch.Interval), cfg.Batch.MinBatch, log,
		)
		aggregator.Start(ctx)
		defer aggregator.Stop()
	}

	consumer := stream.NewConsumer(redisClient.Client, cfg.Stream, proc, log)
	if err := consumer.Start(ctx); err != nil {
		zapLog.Fatal("stream consumer failed", zap.Error(err))
	}
	defer consumer.Stop()

	zapLog.Info("Notification pipeline started",
		zap.String("stream", cfg.Stream.Key),
		zap.String("group", cfg.Stream.Group),
		zap.String("consumer", cfg.Stream.Consumer),
	)

	// --- Health, Metrics & Status Server ---
	statusHandler := status.NewHandler(deliveries, searchReader, log)
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := pg.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
			immediate, deferred := proc.QueueSizes()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":    "ready",
				"immediate": immediate,
				"deferred":  deferred,
				"time":      time.Now().Format(time.RFC3339),
			})
		})
		mux.Handle("/metrics", promhttp.Handler())
		statusHandler.Register(mux)

		zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.Server.Address))
		if err := http.ListenAndServe(cfg.Server.Address, mux); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping pipeline...")

	consumer.Stop()
	scheduler.Stop()
	if aggregator != nil {
		aggregator.Stop()
	}

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		zapLog.Warn("Timed out waiting for in-flight deliveries")
	}

	zapLog.Info("Notification worker stopped gracefully")
}
