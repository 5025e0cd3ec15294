// Package main is the entry point for the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/paygate/internal/api"
	"github.com/onnwee/paygate/internal/auth"
	"github.com/onnwee/paygate/internal/checkout"
	"github.com/onnwee/paygate/internal/config"
	"github.com/onnwee/paygate/internal/db"
	"github.com/onnwee/paygate/internal/gateway"
	"github.com/onnwee/paygate/internal/health"
	"github.com/onnwee/paygate/internal/idempotency"
	"github.com/onnwee/paygate/internal/middleware"
	"github.com/onnwee/paygate/internal/payment"
	"github.com/onnwee/paygate/internal/reconciler"
	"github.com/onnwee/paygate/internal/tracing"
)

const serviceName = "paygate"

// isCompletionPath reports whether the request path is the synchronous
// checkout completion mutation, which is the only route requiring an
// Idempotency-Key header.
func isCompletionPath(path string) bool {
	return strings.HasPrefix(path, "/checkouts/") && strings.HasSuffix(path, "/complete")
}

// rootHandler serves the service banner on the exact root path and a JSON
// 404 envelope for everything unrouted.
func rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
		api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"service":"paygate-api","version":"0.0.1"}`)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Paygate API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// Load configuration (env vars over optional file)
	cfg, cfgErrs := config.Load(*configFile)
	if len(cfgErrs) > 0 {
		for _, err := range cfgErrs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	// Initialize logger
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	logger.Info("configuration loaded", "config", cfg.LogSummary())

	// Initialize tracing
	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporterType,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.TracingInsecureMode,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Connect to PostgreSQL
	ctx := context.Background()
	dbConn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Connect to Redis when configured; rate limiting falls back to
	// in-memory buckets without it.
	var redisClient *redis.Client
	var rateLimitStore middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	var redisChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		rateLimitStore = middleware.NewRedisRateLimitStore(redisClient)
		redisChecker = health.NewRedisChecker(redisClient)
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register HTTP metrics", "error", err)
		os.Exit(1)
	}
	reconcilerMetrics := reconciler.NewMetrics()
	if err := reconcilerMetrics.Register(registry); err != nil {
		logger.Error("failed to register reconciler metrics", "error", err)
		os.Exit(1)
	}

	// Storage
	payments := payment.NewPostgresRepository(dbConn, logger)
	checkouts := checkout.NewPostgresRepository(dbConn, logger)
	orders := checkout.NewPostgresOrderRepository(dbConn, logger)
	ledger := payment.NewLedger(payments, logger)

	// Gateway adapters (webhook verification) and clients (compensation)
	adapters := []gateway.Adapter{gateway.NewStripeAdapter(cfg.StripeWebhookSecret)}
	clients := map[string]gateway.Client{
		gateway.GatewayStripe: gateway.NewStripeClient(cfg.StripeAPIKey),
	}
	if cfg.AdyenEnabled() {
		adyenAdapter, err := gateway.NewAdyenAdapter(cfg.AdyenHMACKey)
		if err != nil {
			logger.Error("invalid ADYEN_HMAC_KEY", "error", err)
			os.Exit(1)
		}
		adapters = append(adapters, adyenAdapter)
		clients[gateway.GatewayAdyen] = gateway.NewAdyenClient(
			cfg.AdyenAPIKey, cfg.AdyenMerchantAccount, cfg.AdyenAPIBaseURL, nil)
	}

	// Reconciliation pipeline
	dispatcher := reconciler.NewDispatcher(logger, reconciler.ObserverFunc(func(ctx context.Context, ev reconciler.OrderEvent) {
		logger.InfoContext(ctx, "order event",
			"type", string(ev.Type),
			"order_id", ev.OrderID)
	}))
	compensator := reconciler.NewCompensator(clients, ledger, reconcilerMetrics, logger)
	catalog := checkout.NewCatalog()
	finalizer := reconciler.NewFinalizer(reconciler.FinalizerConfig{
		Locker:                  reconciler.NewPostgresLocker(dbConn, logger),
		Checkouts:               checkouts,
		Orders:                  orders,
		Payments:                payments,
		Ledger:                  ledger,
		Lines:                   catalog,
		Totals:                  catalog,
		Creator:                 checkout.NewCreator(orders),
		Compensator:             compensator,
		Dispatcher:              dispatcher,
		Metrics:                 reconcilerMetrics,
		Logger:                  logger,
		DeleteCompletedCheckout: cfg.DeleteCompletedCheckout,
	})
	rec := reconciler.NewReconciler(payments, ledger, finalizer, compensator, dispatcher, reconcilerMetrics, logger)

	// Handlers
	webhookHandlers := api.NewWebhookHandlers(rec, adapters...)
	checkoutHandlers := api.NewCheckoutHandlers(payments, orders, finalizer)
	paymentHandlers := api.NewPaymentHandlers(payments)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:    health.NewDBChecker(dbConn),
		RedisChecker: redisChecker,
	})

	// Auth and idempotency for the synchronous completion endpoint
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	requireAuth := auth.RequireAuth(jwtService)

	idempotencyRepo := idempotency.NewPostgresRepository(dbConn)
	cleanupStop := make(chan struct{})
	defer close(cleanupStop)
	go idempotency.RunPeriodicCleanup(idempotencyRepo, time.Hour, idempotency.DefaultExpiry, cleanupStop)

	idempotent := middleware.IdempotencyMiddleware(idempotencyRepo, isCompletionPath)

	// Routes
	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Gateway deliveries authenticate via signature, not bearer token
	mux.Handle("/webhooks/", middleware.RateLimiter(rateLimitStore, middleware.DefaultWebhookLimit(), middleware.IPKeyFunc())(
		http.HandlerFunc(webhookHandlers.HandleWebhook)))

	mux.Handle("/payments/", requireAuth(http.HandlerFunc(paymentHandlers.GetPayment)))
	mux.Handle("/checkouts/", requireAuth(
		middleware.RateLimiter(rateLimitStore, middleware.DefaultCompletionLimit(), middleware.UserKeyFunc())(
			idempotent(http.HandlerFunc(checkoutHandlers.CompleteCheckout)))))

	mux.HandleFunc("/", rootHandler)

	// Apply middleware: RequestID -> Tracing -> Logging -> Metrics -> CORS -> RateLimiter
	rateLimited := middleware.RateLimiter(rateLimitStore, middleware.DefaultGlobalLimit(), middleware.UserKeyFunc())(mux)
	cors := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		MaxAge:           300,
	})(rateLimited)
	metered := middleware.HTTPMetrics(httpMetrics)(cors)
	logged := middleware.Logging(logger)(metered)
	traced := middleware.Tracing(serviceName)(logged)
	handler := middleware.RequestID(traced)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create context with timeout for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down tracer provider", "error", err)
	}

	logger.Info("server stopped")
}
