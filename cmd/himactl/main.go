// Command himactl is the operator CLI: schema migrations, KYC review, claim
// adjudication, activity history and admin token minting.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/activitylog"
	"github.com/hima/hima-service/internal/app"
	"github.com/hima/hima-service/internal/config"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/store"
	"github.com/hima/hima-service/pkg/whatsapp"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "himactl",
		Short:         "Operator tooling for the hima service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Overall command timeout")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(kycCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the connected runtime shared by the database-backed commands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	repo   store.Repository
	bus    *activitylog.Bus
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.New(logger.Config{Env: cfg.AppEnv, Level: cfg.LogLevel, ServiceName: "himactl"}), nil
}

// connect opens the database and an activity bus that persists through it.
func connect(ctx context.Context) (*env, error) {
	cfg, zl, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	repo := store.NewPostgresRepository(pool)
	bus := activitylog.NewBus(repo, zl, nil, activitylog.Options{})
	bus.Start(ctx)
	return &env{cfg: cfg, logger: zl, pool: pool, repo: repo, bus: bus}, nil
}

// Close flushes pending activity entries before closing the pool.
func (e *env) Close() {
	e.bus.Close()
	e.pool.Close()
	_ = e.logger.Sync()
}

// chat notifies riders through WhatsApp when credentials are present.
func (e *env) chat() app.ChatSender {
	if e.cfg.WhatsAppAccessToken == "" || e.cfg.WhatsAppPhoneNumberID == "" {
		return app.NewLogSender(e.logger)
	}
	return whatsapp.NewClient(e.cfg.WhatsAppAPIBaseURL, e.cfg.WhatsAppPhoneNumberID, e.cfg.WhatsAppAccessToken, e.logger)
}

// operator identifies who ran the command in ADMIN activity entries.
func operator(cmd *cobra.Command) string {
	if who, _ := cmd.Flags().GetString("as"); who != "" {
		return who
	}
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}
