/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables (and an optional
 * .env file), then normalizes the values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the hima service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	AppEnv     string `mapstructure:"APP_ENV"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	ChatQueue       string `mapstructure:"CHAT_QUEUE"`
	PaymentQueue    string `mapstructure:"PAYMENT_QUEUE"`
	ConsumerWorkers int    `mapstructure:"CONSUMER_WORKERS"`

	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix         string `mapstructure:"REDIS_KEY_PREFIX"`
	ChatRateLimitPerMinute int    `mapstructure:"CHAT_RATE_LIMIT_PER_MINUTE"`

	WhatsAppAPIBaseURL    string `mapstructure:"WHATSAPP_API_BASE_URL"`
	WhatsAppPhoneNumberID string `mapstructure:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAccessToken   string `mapstructure:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppAppSecret     string `mapstructure:"WHATSAPP_APP_SECRET"`
	WhatsAppVerifyToken   string `mapstructure:"WHATSAPP_VERIFY_TOKEN"`

	MpesaBaseURL        string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string `mapstructure:"MPESA_CALLBACK_URL"`

	ChainRPCURL          string        `mapstructure:"CHAIN_RPC_URL"`
	ChainID              int64         `mapstructure:"CHAIN_ID"`
	ChainContractAddress string        `mapstructure:"CHAIN_CONTRACT_ADDRESS"`
	ChainSignerKey       string        `mapstructure:"CHAIN_SIGNER_KEY"`
	ChainConfirmTimeout  time.Duration `mapstructure:"CHAIN_CONFIRM_TIMEOUT"`

	WalletSealKey   string        `mapstructure:"WALLET_SEAL_KEY"`
	QuoteTTL        time.Duration `mapstructure:"QUOTE_TTL"`
	DefaultLanguage string        `mapstructure:"DEFAULT_LANGUAGE"`
	Currency        string        `mapstructure:"CURRENCY"`

	AdminJWTSecret     string `mapstructure:"ADMIN_JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	DocumentBucket string `mapstructure:"DOCUMENT_BUCKET"`
	AWSRegion      string `mapstructure:"AWS_REGION"`

	ActivityRingSize     int    `mapstructure:"ACTIVITY_RING_SIZE"`
	QuoteSweepSchedule   string `mapstructure:"QUOTE_SWEEP_SCHEDULE"`
	PolicyExpirySchedule string `mapstructure:"POLICY_EXPIRY_SCHEDULE"`
	LimboReportSchedule  string `mapstructure:"LIMBO_REPORT_SCHEDULE"`
}

var boundKeys = []string{
	"SERVER_PORT", "APP_ENV", "LOG_LEVEL",
	"DATABASE_URL", "RABBITMQ_URL", "EVENTS_EXCHANGE", "CHAT_QUEUE", "PAYMENT_QUEUE",
	"CONSUMER_WORKERS",
	"REDIS_URL", "REDIS_KEY_PREFIX", "CHAT_RATE_LIMIT_PER_MINUTE",
	"WHATSAPP_API_BASE_URL", "WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_ACCESS_TOKEN",
	"WHATSAPP_APP_SECRET", "WHATSAPP_VERIFY_TOKEN",
	"MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_SHORTCODE",
	"MPESA_PASSKEY", "MPESA_CALLBACK_URL",
	"CHAIN_RPC_URL", "CHAIN_ID", "CHAIN_CONTRACT_ADDRESS", "CHAIN_SIGNER_KEY", "CHAIN_CONFIRM_TIMEOUT",
	"WALLET_SEAL_KEY", "QUOTE_TTL", "DEFAULT_LANGUAGE", "CURRENCY",
	"ADMIN_JWT_SECRET", "CORS_ALLOWED_ORIGINS",
	"DOCUMENT_BUCKET", "AWS_REGION",
	"ACTIVITY_RING_SIZE", "QUOTE_SWEEP_SCHEDULE", "POLICY_EXPIRY_SCHEDULE", "LIMBO_REPORT_SCHEDULE",
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "dev")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("EVENTS_EXCHANGE", "hima.events")
	viper.SetDefault("CHAT_QUEUE", "hima.chat_messages")
	viper.SetDefault("PAYMENT_QUEUE", "hima.payment_callbacks")
	viper.SetDefault("CONSUMER_WORKERS", 8)
	viper.SetDefault("REDIS_KEY_PREFIX", "hima")
	viper.SetDefault("CHAT_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v19.0")
	viper.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("CHAIN_CONFIRM_TIMEOUT", "90s")
	viper.SetDefault("QUOTE_TTL", "30m")
	viper.SetDefault("DEFAULT_LANGUAGE", "en")
	viper.SetDefault("CURRENCY", "KES")
	viper.SetDefault("ACTIVITY_RING_SIZE", 500)
	viper.SetDefault("QUOTE_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("POLICY_EXPIRY_SCHEDULE", "15 0 * * *")
	viper.SetDefault("LIMBO_REPORT_SCHEDULE", "0 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.AppEnv = strings.ToLower(strings.TrimSpace(config.AppEnv))
	if config.AppEnv == "" {
		config.AppEnv = "dev"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.Trim(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "hima"
	}
	config.WhatsAppAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.WhatsAppAPIBaseURL), "/")
	config.MpesaBaseURL = strings.TrimRight(strings.TrimSpace(config.MpesaBaseURL), "/")
	config.ChainSignerKey = strings.TrimPrefix(strings.TrimSpace(config.ChainSignerKey), "0x")
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "KES"
	}
	if lang := strings.ToLower(strings.TrimSpace(config.DefaultLanguage)); lang == "sw" {
		config.DefaultLanguage = "sw"
	} else {
		config.DefaultLanguage = "en"
	}

	if config.ChatRateLimitPerMinute <= 0 {
		config.ChatRateLimitPerMinute = 30
	}
	if config.ConsumerWorkers <= 0 {
		config.ConsumerWorkers = 8
	}
	if config.ChainConfirmTimeout <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive CHAIN_CONFIRM_TIMEOUT; using default\" value=%s", config.ChainConfirmTimeout)
		config.ChainConfirmTimeout = 90 * time.Second
	}
	if config.QuoteTTL <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive QUOTE_TTL; using default\" value=%s", config.QuoteTTL)
		config.QuoteTTL = 30 * time.Minute
	}
	if config.ActivityRingSize <= 0 {
		config.ActivityRingSize = 500
	}
}

// ChainConfigured reports whether enough chain settings are present to submit transactions.
func (c Config) ChainConfigured() bool {
	return c.ChainRPCURL != "" && c.ChainContractAddress != "" && c.ChainSignerKey != "" && c.ChainID > 0
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list, defaulting to "*".
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
