package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/app"
	"github.com/hima/hima-service/internal/config"
	"github.com/hima/hima-service/internal/store"
	"github.com/hima/hima-service/internal/wallet"
	"github.com/hima/hima-service/pkg/chain"
	"github.com/hima/hima-service/pkg/docstore"
	"github.com/hima/hima-service/pkg/rabbitmq"
	"github.com/hima/hima-service/pkg/whatsapp"
)

// openDatabase connects the pool and applies pending migrations. It returns a nil pool
// when DATABASE_URL is unset.
func openDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	applied, err := store.Migrate(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database connected", zap.Int("migrations_applied", applied))
	return pool, nil
}

// openRedis returns nil when REDIS_URL is unset or unreachable; callers fall back to
// process-local locking and no rate limiting.
func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; using in-process locks and disabling chat rate limiting", zap.String("env", "REDIS_URL"))
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process locks", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process locks", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// broker bundles the publishing and consuming sides of the event bus.
type broker struct {
	publisher  rabbitmq.Publisher
	subscriber rabbitmq.Subscriber
}

func (b broker) Close() {
	if b.subscriber != nil {
		b.subscriber.Close()
	}
	if b.publisher != nil {
		b.publisher.Close()
	}
}

// openBroker connects to RabbitMQ, or returns the in-process loopback when RABBITMQ_URL is unset.
func openBroker(cfg config.Config, logger *zap.Logger) (broker, error) {
	lanes := []rabbitmq.Option{rabbitmq.WithWorkers(cfg.ConsumerWorkers), rabbitmq.WithKeyFunc(app.DeliveryKey)}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; using in-process loopback", zap.String("env", "RABBITMQ_URL"))
		loop := rabbitmq.NewLoopback(logger, lanes...)
		return broker{publisher: loop, subscriber: loop}, nil
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		return broker{}, fmt.Errorf("rabbitmq producer: %w", err)
	}
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger, lanes...)
	if err != nil {
		producer.Close()
		return broker{}, fmt.Errorf("rabbitmq consumer: %w", err)
	}
	logger.Info("rabbitmq connected", zap.Int("workers", cfg.ConsumerWorkers))
	return broker{publisher: producer, subscriber: consumer}, nil
}

// chatClient returns the WhatsApp client, or a logging sender when no credentials are set.
func chatClient(cfg config.Config, logger *zap.Logger) (app.ChatSender, app.MediaFetcher) {
	if cfg.WhatsAppAccessToken == "" || cfg.WhatsAppPhoneNumberID == "" {
		logger.Warn("whatsapp credentials missing; outbound messages are logged only")
		return app.NewLogSender(logger), nil
	}
	client := whatsapp.NewClient(cfg.WhatsAppAPIBaseURL, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAccessToken, logger)
	return client, client
}

// chainActivator dials the registry contract, or fails every activation closed when unconfigured.
func chainActivator(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.ChainActivator, func(), error) {
	if !cfg.ChainConfigured() {
		logger.Warn("chain settings incomplete; activations will fail and be reported for reconciliation")
		return chain.Disabled{}, func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, chain.Config{
		RPCURL:          cfg.ChainRPCURL,
		ChainID:         cfg.ChainID,
		ContractAddress: cfg.ChainContractAddress,
		SignerKeyHex:    cfg.ChainSignerKey,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("chain client connected", zap.Int64("chain_id", cfg.ChainID))
	return client, client.Close, nil
}

// walletIssuer builds the custodial wallet generator. Outside prod a missing seal key is
// replaced by a throwaway one.
func walletIssuer(cfg config.Config, logger *zap.Logger) (*wallet.Generator, error) {
	secret := cfg.WalletSealKey
	if secret == "" {
		if cfg.AppEnv == "prod" {
			return nil, errors.New("WALLET_SEAL_KEY must be set in prod")
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(raw)
		logger.Warn("wallet seal key missing; using an ephemeral key, sealed wallets will not survive a restart")
	}
	return wallet.NewGenerator(secret)
}

// documentStore returns the S3 archive, or nil when DOCUMENT_BUCKET is unset.
func documentStore(ctx context.Context, cfg config.Config, logger *zap.Logger) app.DocumentStore {
	if cfg.DocumentBucket == "" {
		return nil
	}
	client, err := docstore.LoadS3Client(ctx, cfg.AWSRegion)
	if err != nil {
		logger.Warn("s3 client unavailable; documents keep their provider media ids", zap.Error(err))
		return nil
	}
	logger.Info("document archive enabled", zap.String("bucket", cfg.DocumentBucket))
	return docstore.NewS3Store(client, cfg.DocumentBucket)
}
