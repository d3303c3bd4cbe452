package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/api"
	"github.com/herald-io/herald/internal/circuitbreaker"
	"github.com/herald-io/herald/internal/config"
	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/engine"
	"github.com/herald-io/herald/internal/metrics"
	"github.com/herald-io/herald/internal/observ"
	"github.com/herald-io/herald/internal/recipients"
	"github.com/herald-io/herald/internal/redis"
	"github.com/herald-io/herald/internal/sqs"
	"github.com/herald-io/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Initialize Redis for idempotency, rate limiting and in-app delivery
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var notifier *redis.Notifier
	var recipientCache *redis.RecipientCache
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 dispatches
			Window: 1 * time.Minute, // per minute per recipient
		})
		notifier = redis.NewNotifier(redisClient, logger)
		recipientCache = redis.NewRecipientCache(redisClient, logger)
		defer redisClient.Close()
	}

	// Recipient resolver: directory service when configured, otherwise
	// accept everything (development only).
	var resolver engine.RecipientResolver
	if cfg.DirectoryURL != "" {
		resolver = recipients.NewHTTPResolver(cfg.DirectoryURL, cfg.DirectoryTimeout, logger)
		if recipientCache != nil {
			resolver = recipients.NewCachedResolver(resolver, recipientCache, logger)
		}
	} else {
		logger.Warn("no directory service configured, all recipients resolve")
		resolver = recipients.AllowAll{}
	}

	// Delivery queue: SQS when configured, otherwise in-process.
	var queue engine.Queue
	var memQueue *engine.MemoryQueue
	var sqsConsumer *sqs.Consumer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}
		sqsQueue, err := sqs.NewQueue(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
		sqsConsumer, err = sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		queue = sqsQueue
	} else {
		memQueue = engine.NewMemoryQueue(cfg.QueueSize)
		queue = memQueue
	}

	eng := engine.New(repo, resolver, queue, engine.Config{
		MaxRetries: cfg.MaxRetries,
	}, logger)

	// Channel senders, each behind its own circuit breaker so a wedged
	// provider doesn't take the rest of the pool down with it.
	var senders []worker.Sender

	sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, protect(sesSender, "ses", logger))
	}

	snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, protect(snsSender, "sns", logger))
	}

	pushSender, err := worker.NewPushSender(ctx, worker.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("push sender unavailable, push notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, protect(pushSender, "push", logger))
	}

	if notifier != nil {
		senders = append(senders, worker.NewInAppSender(notifier, logger))
	}

	if len(senders) == 0 {
		logger.Warn("no channel senders available, falling back to log sender")
		senders = append(senders, worker.NewLogSender(logger))
	}

	multiSender := worker.NewMultiSender(logger, senders...)

	logger.Info("initialized multi-channel delivery",
		zap.Int("senders", len(senders)),
		zap.Bool("in_app_enabled", notifier != nil),
	)

	// Delivery worker pool. Status changes flow back through the engine so
	// every update is checked against the state machine.
	w := worker.New(eng, multiSender, worker.Config{
		Concurrency: cfg.WorkerCount,
		SendTimeout: cfg.SendTimeout,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if sqsConsumer != nil {
		tasks := make(chan engine.DeliveryTask, cfg.QueueSize)
		go sqsConsumer.Run(workerCtx, tasks)
		go w.Start(workerCtx, tasks)
	} else {
		go w.Start(workerCtx, memQueue.Tasks())
	}

	logger.Info("delivery workers started", zap.Int("concurrency", cfg.WorkerCount))

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, eng, idempotencyService)
	} else {
		handler = api.NewHandler(logger, eng)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.RecipientKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("redis unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop accepting new tasks, then let in-flight sends finish.
		workerCancel()
		if memQueue != nil {
			memQueue.Close()
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func protect(s worker.Sender, name string, logger *zap.Logger) worker.Sender {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
	return circuitbreaker.NewProtectedSender(s, breaker, logger)
}
