package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/pkg/whatsapp"
)

// LogSender is a ChatSender that writes outbound messages to the log. It stands in for the
// WhatsApp client when no access token is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{logger: log.Named("chat_log")}
}

func (l *LogSender) SendText(_ context.Context, to, body string) error {
	l.logger.Info("outbound chat message", logger.Phone(to), zap.String("body", body))
	return nil
}

func (l *LogSender) SendButtons(_ context.Context, to, body string, btns []whatsapp.Button) error {
	ids := make([]string, 0, len(btns))
	for _, b := range btns {
		ids = append(ids, b.ID)
	}
	l.logger.Info("outbound chat message", logger.Phone(to), zap.String("body", body), zap.Strings("buttons", ids))
	return nil
}
