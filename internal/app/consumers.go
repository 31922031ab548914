package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
)

const chatMessageTimeout = 45 * time.Second

// ChatMessageConsumer feeds chat.message.received deliveries into the conversation machine.
type ChatMessageConsumer struct {
	conversation *ConversationService
	logger       *zap.Logger
}

func NewChatMessageConsumer(conversation *ConversationService, log *zap.Logger) *ChatMessageConsumer {
	return &ChatMessageConsumer{conversation: conversation, logger: log.Named("chat_consumer")}
}

func (c *ChatMessageConsumer) HandleMessage(body []byte) bool {
	var msg domain.InboundChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("failed to unmarshal chat message; dropping", zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), chatMessageTimeout)
	defer cancel()

	if err := c.conversation.HandleMessage(ctx, msg); err != nil {
		if domain.IsValidation(err) {
			c.logger.Warn("dropping unprocessable chat message", zap.String("message_id", msg.ID), zap.Error(err))
			return true
		}
		c.logger.Error("chat message processing failed", logger.Phone(msg.From), zap.String("message_id", msg.ID), zap.Error(err))
		return false
	}
	return true
}

// PaymentCallbackConsumer feeds payment.callback.received deliveries into the payment saga.
type PaymentCallbackConsumer struct {
	coordinator *PaymentCoordinator
	timeout     time.Duration
	logger      *zap.Logger
}

func NewPaymentCallbackConsumer(coordinator *PaymentCoordinator, log *zap.Logger) *PaymentCallbackConsumer {
	return &PaymentCallbackConsumer{
		coordinator: coordinator,
		// The chain confirmation wait runs inside the handler.
		timeout: coordinator.confirmTimeout + 30*time.Second,
		logger:  log.Named("payment_consumer"),
	}
}

func (c *PaymentCallbackConsumer) HandleMessage(body []byte) bool {
	var cb domain.PaymentCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		c.logger.Error("failed to unmarshal payment callback; dropping", zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.coordinator.HandleCallback(ctx, cb); err != nil {
		c.logger.Error("payment callback processing failed", logger.CorrelationToken(cb.CorrelationToken), zap.Error(err))
		return false
	}
	return true
}

// DeliveryKey orders broker deliveries per rider: chat messages by sender, payment
// callbacks by correlation token. Used as the rabbitmq KeyFunc for both queues.
func DeliveryKey(body []byte) string {
	var keys struct {
		From             string `json:"from"`
		CorrelationToken string `json:"correlation_token"`
	}
	if err := json.Unmarshal(body, &keys); err != nil {
		return ""
	}
	if phone := NormalizePhone(keys.From); phone != "" {
		return phone
	}
	return keys.CorrelationToken
}
