package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mekazstan/relworx-payment-gateway/internal/auth"
	"github.com/Mekazstan/relworx-payment-gateway/internal/config"
	"github.com/Mekazstan/relworx-payment-gateway/internal/email"
	"github.com/Mekazstan/relworx-payment-gateway/internal/gateway"
	"github.com/Mekazstan/relworx-payment-gateway/internal/orders"
	"github.com/Mekazstan/relworx-payment-gateway/internal/payment"
	"github.com/redis/go-redis/v9"
)

// orderStore is what the handlers read directly; writes go through the orchestrators.
type orderStore interface {
	Get(ctx context.Context, reference string) (*orders.Order, error)
	Ping(ctx context.Context) error
}

type apiConfig struct {
	initiator       *gateway.Initiator
	reconciler      *gateway.Reconciler
	store           orderStore
	tokens          *auth.StatusTokens
	redisClient     *redis.Client
	rateLimit       int
	logger          *slog.Logger
	showErrorDetail bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx := context.Background()

	repo, err := orders.OpenRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close()
	logger.Info("Connected to database successfully")

	store := orders.NewStore(repo, orders.NewFileStore(cfg.OrdersFallbackPath), logger)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Unable to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, rate limiting will fail open", "error", err)
		} else {
			logger.Info("Connected to Redis successfully")
		}
	}

	client := payment.NewRelworxClient(cfg.RelworxAccountNo, cfg.RelworxAPIKey, cfg.RelworxBaseURL,
		payment.WithMaxAttempts(cfg.RelworxMaxAttempts),
		payment.WithLogger(logger),
	)

	refs, err := payment.NewReferenceGenerator(cfg.NodeID)
	if err != nil {
		log.Fatalf("Unable to create reference generator: %v", err)
	}

	tokens := auth.NewStatusTokens(cfg.JWTSecret, cfg.StatusTokenTTL)

	initiator := gateway.NewInitiator(client, store, refs, tokens, gateway.InitiatorConfig{
		DefaultCurrency: cfg.DefaultCurrency,
		PhoneRules: payment.PhoneRules{
			CountryCode:     cfg.CountryCode,
			TrunkPrefix:     payment.UgandaPhoneRules.TrunkPrefix,
			MobileLeadDigit: payment.UgandaPhoneRules.MobileLeadDigit,
		},
		StrictValidation: cfg.StrictValidation,
	}, logger)

	var notifier gateway.Notifier
	if cfg.EmailEnabled() {
		mailer, err := email.NewEmailService(email.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		})
		if err != nil {
			log.Fatalf("Unable to create email service: %v", err)
		}
		notifier = mailer
	}

	reconciler := gateway.NewReconciler(cfg.RelworxWebhookSecret, store, notifier, logger)

	api := &apiConfig{
		initiator:       initiator,
		reconciler:      reconciler,
		store:           store,
		tokens:          tokens,
		redisClient:     redisClient,
		rateLimit:       cfg.RateLimit,
		logger:          logger,
		showErrorDetail: cfg.IsDevelopment(),
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      3 * time.Minute, // dispatch retries can run past a minute
		IdleTimeout:       2 * time.Minute,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "env", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("Shutting down server...")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	reconciler.Wait()

	logger.Info("Server stopped")
}

func (cfg *apiConfig) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", cfg.rootHandler)
	mux.HandleFunc("GET /health", cfg.healthHandler)

	// Payment routes (rate limited per client IP)
	payLimiter := RateLimitMiddleware(cfg.redisClient, cfg.rateLimit)
	mux.Handle("POST /api/pay", payLimiter(http.HandlerFunc(cfg.initiatePaymentHandler)))
	mux.HandleFunc("GET /api/pay/{reference}", cfg.getOrderStatusHandler)

	// Webhook routes (no auth - verified by signature)
	mux.HandleFunc("POST /api/webhook/relworx", cfg.relworxWebhookHandler)

	var handler http.Handler = middlewareCors(mux)
	handler = SecurityHeadersMiddleware(handler)
	handler = RecoveryMiddleware(cfg.logger)(handler)
	handler = LoggingMiddleware(cfg.logger)(handler)
	handler = RequestIDMiddleware(handler)

	return handler
}
