/**
 * @description
 * HTTP handlers for inbound provider webhooks. They are the entry point for chat
 * messages (WhatsApp Cloud or a pre-normalized chat relay) and M-Pesa STK results.
 *
 * Key features:
 * - Security: validates the X-Hub-Signature-256 HMAC on WhatsApp deliveries.
 * - Normalization: converts provider payloads into InboundChatMessage and PaymentCallback.
 * - Deduplication: drops redelivered chat message ids inside a TTL window.
 * - Rate limiting: caps messages per sender per minute.
 * - Event Publishing: hands normalized events to RabbitMQ so processing happens off the
 *   request path and the provider always gets a fast answer.
 *
 * @dependencies
 * - github.com/patrickmn/go-cache: message id dedup window.
 * - github.com/shopspring/decimal: exact conversion of Daraja amounts to minor units.
 * - The service's rabbitmq, whatsapp and domain packages.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/app"
	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/metrics"
	"github.com/hima/hima-service/pkg/rabbitmq"
	"github.com/hima/hima-service/pkg/whatsapp"
)

const (
	maxWebhookBody  = 1 << 20
	defaultDedupTTL = 24 * time.Hour
	chatRateScope   = "chat"
)

// Ingest dispositions reported back to the caller.
const (
	dispositionAccepted    = "accepted"
	dispositionDuplicate   = "duplicate"
	dispositionRateLimited = "rate_limited"
	dispositionIgnored     = "ignored"
)

// RateLimiter counts hits per subject in a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// WebhookConfig holds the webhook settings.
type WebhookConfig struct {
	Exchange           string
	AppSecret          string
	VerifyToken        string
	RateLimitPerMinute int
	DedupTTL           time.Duration
}

// WebhookHandler normalizes provider webhooks and publishes them for the consumers.
type WebhookHandler struct {
	publisher rabbitmq.Publisher
	activity  app.ActivityPublisher
	limiter   RateLimiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       WebhookConfig
	seen      *gocache.Cache
	now       func() time.Time
}

// NewWebhookHandler creates a new handler for the webhook endpoints. limiter may be nil.
func NewWebhookHandler(publisher rabbitmq.Publisher, activity app.ActivityPublisher, limiter RateLimiter, m *metrics.Metrics, logger *zap.Logger, cfg WebhookConfig) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	return &WebhookHandler{
		publisher: publisher,
		activity:  activity,
		limiter:   limiter,
		metrics:   m,
		logger:    logger.Named("webhooks"),
		cfg:       cfg,
		seen:      gocache.New(cfg.DedupTTL, 10*time.Minute),
		now:       time.Now,
	}
}

// handleWhatsAppVerify answers the subscription handshake.
func (h *WebhookHandler) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		http.Error(w, "Verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

func (h *WebhookHandler) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if h.cfg.AppSecret != "" && !whatsapp.ValidSignature(h.cfg.AppSecret, body, r.Header.Get(whatsapp.SignatureHeader)) {
		h.logger.Warn("rejected whatsapp webhook with invalid signature", zap.String("remote_addr", r.RemoteAddr))
		h.record(domain.LevelWarn, "rejected whatsapp webhook with invalid signature", "", map[string]any{
			"remote_addr": r.RemoteAddr,
		})
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var payload domain.WhatsAppWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	for _, msg := range normalizeWhatsApp(payload, h.now()) {
		if _, err := h.ingest(r.Context(), msg); err != nil {
			http.Error(w, "Event publishing unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}

func (h *WebhookHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var msg domain.InboundChatMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&msg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if app.NormalizePhone(msg.From) == "" {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = h.now().UTC()
	}

	disposition, err := h.ingest(r.Context(), msg)
	if err != nil {
		http.Error(w, "Event publishing unavailable", http.StatusServiceUnavailable)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": disposition})
}

// ingest dedups, rate limits and publishes one normalized chat message.
func (h *WebhookHandler) ingest(ctx context.Context, msg domain.InboundChatMessage) (string, error) {
	msg.From = app.NormalizePhone(msg.From)
	if msg.From == "" {
		return dispositionIgnored, nil
	}

	if msg.ID != "" {
		if err := h.seen.Add(msg.ID, struct{}{}, gocache.DefaultExpiration); err != nil {
			h.logger.Debug("duplicate chat message ignored", zap.String("message_id", msg.ID))
			return dispositionDuplicate, nil
		}
	}

	if h.limiter != nil && h.cfg.RateLimitPerMinute > 0 {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(ctx, chatRateScope, msg.From, h.cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			h.logger.Warn("rate limiter unavailable; allowing message", zap.String("from", msg.From), zap.Error(err))
		} else if count > h.cfg.RateLimitPerMinute {
			h.record(domain.LevelWarn, "inbound message rate limited", msg.From, map[string]any{
				"message_id":          msg.ID,
				"count":               count,
				"limit":               h.cfg.RateLimitPerMinute,
				"retry_after_seconds": retryAfter,
			})
			return dispositionRateLimited, nil
		}
	}

	if err := h.publisher.Publish(ctx, h.cfg.Exchange, rabbitmq.RoutingKeyChatMessage, msg); err != nil {
		if msg.ID != "" {
			h.seen.Delete(msg.ID)
		}
		h.logger.Error("failed to publish chat message", zap.String("from", msg.From), zap.Error(err))
		return "", err
	}
	return dispositionAccepted, nil
}

// normalizeWhatsApp flattens every inbound message in a delivery. Status receipts are skipped.
func normalizeWhatsApp(payload domain.WhatsAppWebhook, now time.Time) []domain.InboundChatMessage {
	var out []domain.InboundChatMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				msg := domain.InboundChatMessage{
					ID:         m.ID,
					From:       m.From,
					ReceivedAt: now.UTC(),
				}
				if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && secs > 0 {
					msg.ReceivedAt = time.Unix(secs, 0).UTC()
				}

				switch {
				case m.Text != nil:
					msg.Body = m.Text.Body
				case m.Interactive != nil && m.Interactive.ButtonReply != nil:
					msg.ButtonID = m.Interactive.ButtonReply.ID
					msg.Body = m.Interactive.ButtonReply.Title
				case m.Button != nil:
					msg.ButtonID = m.Button.Payload
					msg.Body = m.Button.Text
				case m.Image != nil:
					msg.Body = m.Image.Caption
					msg.Attachments = []domain.Attachment{mediaAttachment(m.Image, domain.AttachmentImage)}
				case m.Document != nil:
					msg.Body = m.Document.Caption
					msg.Attachments = []domain.Attachment{mediaAttachment(m.Document, domain.AttachmentDocument)}
				default:
					msg.Attachments = []domain.Attachment{{Kind: domain.AttachmentOther, MimeType: m.Type}}
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

func mediaAttachment(media *domain.WhatsAppMedia, kind domain.AttachmentKind) domain.Attachment {
	return domain.Attachment{
		MediaID:  media.ID,
		MimeType: media.MimeType,
		Kind:     kind,
		Caption:  media.Caption,
	}
}

// errInvalidCallback marks structurally invalid payment callbacks.
var errInvalidCallback = errors.New("invalid payment callback")

func (h *WebhookHandler) handleMpesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	cb, err := parsePaymentCallback(body)
	if err != nil {
		h.metrics.PaymentCallback("invalid")
		h.logger.Warn("rejected payment callback", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cb.ReceivedAt = h.now().UTC()

	if err := h.publisher.Publish(r.Context(), h.cfg.Exchange, rabbitmq.RoutingKeyPaymentCallback, cb); err != nil {
		h.logger.Error("failed to publish payment callback",
			zap.String("correlation_token", cb.CorrelationToken),
			zap.Error(err))
		http.Error(w, "Event publishing unavailable", http.StatusServiceUnavailable)
		return
	}

	meta := map[string]any{
		"correlation_token": cb.CorrelationToken,
		"result_code":       cb.ResultCode,
	}
	if cb.TransactionRef != nil {
		meta["transaction_ref"] = *cb.TransactionRef
	}
	h.record(domain.LevelInfo, "payment callback received", "", meta)

	respondWithJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// parsePaymentCallback accepts either a Daraja STK callback or the normalized shape.
func parsePaymentCallback(body []byte) (domain.PaymentCallback, error) {
	var daraja domain.DarajaCallback
	if err := json.Unmarshal(body, &daraja); err != nil {
		return domain.PaymentCallback{}, fmt.Errorf("%w: %v", errInvalidCallback, err)
	}
	if stk := daraja.Body.STKCallback; stk != nil {
		if strings.TrimSpace(stk.CheckoutRequestID) == "" || stk.ResultCode == nil {
			return domain.PaymentCallback{}, fmt.Errorf("%w: CheckoutRequestID and ResultCode are required", errInvalidCallback)
		}
		cb := domain.PaymentCallback{
			CorrelationToken: strings.TrimSpace(stk.CheckoutRequestID),
			ResultCode:       *stk.ResultCode,
			ResultDesc:       stk.ResultDesc,
		}
		if stk.CallbackMetadata != nil {
			for _, item := range stk.CallbackMetadata.Item {
				switch item.Name {
				case "Amount":
					if minor, ok := darajaAmountMinor(item.Value); ok {
						cb.Amount = &minor
					}
				case "MpesaReceiptNumber":
					var ref string
					if err := json.Unmarshal(item.Value, &ref); err == nil && ref != "" {
						cb.TransactionRef = &ref
					}
				}
			}
		}
		return cb, nil
	}

	var normalized domain.NormalizedPaymentCallback
	if err := json.Unmarshal(body, &normalized); err != nil {
		return domain.PaymentCallback{}, fmt.Errorf("%w: %v", errInvalidCallback, err)
	}
	if strings.TrimSpace(normalized.CorrelationToken) == "" || normalized.ResultCode == nil {
		return domain.PaymentCallback{}, fmt.Errorf("%w: correlation_token and result_code are required", errInvalidCallback)
	}
	return domain.PaymentCallback{
		CorrelationToken: strings.TrimSpace(normalized.CorrelationToken),
		ResultCode:       *normalized.ResultCode,
		ResultDesc:       normalized.ResultDesc,
		Amount:           normalized.Amount,
		TransactionRef:   normalized.TransactionRef,
	}, nil
}

// darajaAmountMinor converts the whole-unit Daraja amount (a JSON number or string) to minor units.
func darajaAmountMinor(raw json.RawMessage) (int64, bool) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return 0, false
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return 0, false
	}
	return amount.Shift(2).Round(0).IntPart(), true
}

func (h *WebhookHandler) record(level domain.ActivityLevel, message, userID string, meta map[string]any) {
	if h.activity == nil {
		return
	}
	h.activity.Publish(domain.ActivityLogEntry{
		Category: domain.CategoryWebhook,
		Level:    level,
		Message:  message,
		Metadata: meta,
		UserID:   userID,
	})
}
