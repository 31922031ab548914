/**
 * @description
 * Builds the service-wide zap logger. "dev" renders a colored console, "prod"
 * renders JSON with ISO8601 timestamps. Components receive a named child logger.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 */
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level.
type Config struct {
	Env         string
	Level       string
	ServiceName string
}

// New builds a logger for cfg. It never fails; on encoder errors it falls back to zap's production logger.
func New(cfg Config) *zap.Logger {
	level := ParseLevel(cfg.Level)

	var (
		l   *zap.Logger
		err error
	)
	if strings.EqualFold(strings.TrimSpace(cfg.Env), "prod") {
		l, err = buildProd(level)
	} else {
		l, err = buildDev(level)
	}
	if err != nil {
		l, _ = zap.NewProduction()
	}

	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	return l
}

func buildDev(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.DisableStacktrace = true
	return zcfg.Build(zap.AddCaller())
}

func buildProd(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zcfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// ParseLevel maps a textual level to a zap level, defaulting to info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Phone is the standard field for a rider's contact handle.
func Phone(v string) zap.Field { return zap.String("phone", v) }

// PolicyNumber is the standard field for a policy number.
func PolicyNumber(v string) zap.Field { return zap.String("policy_number", v) }

// CorrelationToken is the standard field for a payment correlation token.
func CorrelationToken(v string) zap.Field { return zap.String("correlation_token", v) }

// State is the standard field for a conversation state.
func State(v string) zap.Field { return zap.String("state", v) }
