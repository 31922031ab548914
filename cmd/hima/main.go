/**
 * @description
 * This is the main entry point for the hima service. It loads configuration, opens the
 * database, cache and broker connections, builds the provider clients and the core
 * services, binds the queue consumers, starts the scheduled jobs and serves HTTP until
 * it receives a termination signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env files during local development.
 * - golang.org/x/sync/errgroup: ties the HTTP server and shutdown to one lifecycle.
 * - internal/api, internal/app, internal/config, internal/store: the service packages.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hima/hima-service/internal/activitylog"
	"github.com/hima/hima-service/internal/api"
	"github.com/hima/hima-service/internal/app"
	"github.com/hima/hima-service/internal/config"
	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/metrics"
	"github.com/hima/hima-service/internal/store"
	"github.com/hima/hima-service/pkg/mpesa"
	"github.com/hima/hima-service/pkg/rabbitmq"
)

const shutdownTimeout = 20 * time.Second

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	zl := logger.New(logger.Config{Env: cfg.AppEnv, Level: cfg.LogLevel, ServiceName: "hima"})
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("service stopped with error", zap.Error(err))
	}
	zl.Info("service stopped")
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	zl.Info("starting hima service", zap.String("env", cfg.AppEnv), zap.String("port", cfg.ServerPort))

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	pool, err := openDatabase(ctx, cfg, zl)
	if err != nil {
		return err
	}
	var repo store.Repository
	if pool != nil {
		defer pool.Close()
		repo = store.NewPostgresRepository(pool)
	} else {
		if cfg.AppEnv == "prod" {
			return errors.New("DATABASE_URL must be set in prod")
		}
		zl.Warn("database url missing; using in-memory repository", zap.String("env", "DATABASE_URL"))
		repo = store.NewMemoryRepository()
	}

	bus := activitylog.NewBus(repo, zl, m, activitylog.Options{RingSize: cfg.ActivityRingSize})
	bus.Start(ctx)
	defer bus.Close()

	redisClient := openRedis(ctx, cfg, zl)
	var (
		locker  app.Locker = app.NewLocalLocker()
		limiter *app.RedisRateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		locker = app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix, 0, zl)
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	events, err := openBroker(cfg, zl)
	if err != nil {
		return err
	}
	defer events.Close()

	chat, media := chatClient(cfg, zl)
	activator, closeChain, err := chainActivator(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	defer closeChain()

	wallets, err := walletIssuer(cfg, zl)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	var archiver *app.DocumentArchiver
	if docs := documentStore(ctx, cfg, zl); docs != nil && media != nil {
		archiver = app.NewDocumentArchiver(media, docs, zl.Named("documents"))
	}

	payments := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		Shortcode:      cfg.MpesaShortcode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
	}, zl)

	conversation, err := app.NewConversationService(app.ConversationDeps{
		Repo:            repo,
		Locker:          locker,
		Chat:            chat,
		Payments:        payments,
		Wallets:         wallets,
		Archiver:        archiver,
		Quotes:          app.NewQuoteEngine(app.DefaultRateTable(cfg.Currency), cfg.QuoteTTL),
		Activity:        bus,
		Metrics:         m,
		Logger:          zl.Named("conversation"),
		DefaultLanguage: domain.Language(cfg.DefaultLanguage),
	})
	if err != nil {
		return err
	}
	coordinator := app.NewPaymentCoordinator(repo, locker, activator, chat, bus, m, zl.Named("payments"), cfg.ChainConfirmTimeout)
	kyc := app.NewKYCService(repo, locker, chat, bus, zl.Named("kyc"))
	claims := app.NewClaimService(repo, chat, bus, zl.Named("claims"))

	chatConsumer := app.NewChatMessageConsumer(conversation, zl)
	if err := events.subscriber.ConsumeWithBindings(cfg.EventsExchange, cfg.ChatQueue, map[string]rabbitmq.Handler{
		rabbitmq.RoutingKeyChatMessage: chatConsumer.HandleMessage,
	}); err != nil {
		return fmt.Errorf("chat consumer: %w", err)
	}
	paymentConsumer := app.NewPaymentCallbackConsumer(coordinator, zl)
	if err := events.subscriber.ConsumeWithBindings(cfg.EventsExchange, cfg.PaymentQueue, map[string]rabbitmq.Handler{
		rabbitmq.RoutingKeyPaymentCallback: paymentConsumer.HandleMessage,
	}); err != nil {
		return fmt.Errorf("payment consumer: %w", err)
	}

	scheduler := app.NewScheduler(
		app.NewJobs(repo, chat, bus, zl.Named("jobs"), 2*cfg.ChainConfirmTimeout),
		zl,
		app.Schedules{
			QuoteSweep:   cfg.QuoteSweepSchedule,
			PolicyExpiry: cfg.PolicyExpirySchedule,
			LimboReport:  cfg.LimboReportSchedule,
		},
	)
	zl.Info("scheduler started", zap.Int("jobs", scheduler.Start()))
	defer func() { <-scheduler.Stop().Done() }()

	var rateLimiter api.RateLimiter
	if limiter != nil {
		rateLimiter = limiter
	}
	logs := api.NewLogHandler(bus, zl)
	router := api.NewRouter(api.RouterConfig{
		Webhooks: api.NewWebhookHandler(events.publisher, bus, rateLimiter, m, zl, api.WebhookConfig{
			Exchange:           cfg.EventsExchange,
			AppSecret:          cfg.WhatsAppAppSecret,
			VerifyToken:        cfg.WhatsAppVerifyToken,
			RateLimitPerMinute: cfg.ChatRateLimitPerMinute,
		}),
		Logs:           logs,
		Admin:          api.NewAdminHandler(kyc, claims, zl),
		Metrics:        m,
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	})
	if cfg.WhatsAppAppSecret == "" {
		zl.Warn("whatsapp app secret missing; webhook signatures are not verified")
	}
	if cfg.AdminJWTSecret == "" {
		zl.Warn("admin jwt secret missing; admin api disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(logs.Close)

	bus.Publish(domain.ActivityLogEntry{
		Category: domain.CategorySystem,
		Level:    domain.LevelInfo,
		Message:  "service started",
		Metadata: map[string]any{"env": cfg.AppEnv},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
