package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/activitylog"
	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/pkg/rabbitmq"
	"github.com/hima/hima-service/pkg/whatsapp"
)

const testAppSecret = "app-secret"

type published struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *publisherStub) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type limiterStub struct {
	counts map[string]int
	err    error
}

func (l *limiterStub) ConsumeRateLimit(_ context.Context, _, subject string, _ int, _ time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.counts[subject]++
	return l.counts[subject], 42, nil
}

type webhookFixture struct {
	handler   *WebhookHandler
	publisher *publisherStub
	limiter   *limiterStub
	bus       *activitylog.Bus
	router    http.Handler
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	pub := &publisherStub{}
	lim := &limiterStub{counts: map[string]int{}}
	bus := activitylog.NewBus(nil, zap.NewNop(), nil, activitylog.Options{RingSize: 50})
	t.Cleanup(bus.Close)

	h := NewWebhookHandler(pub, bus, lim, nil, zap.NewNop(), WebhookConfig{
		Exchange:           "hima.events",
		AppSecret:          testAppSecret,
		VerifyToken:        "verify-me",
		RateLimitPerMinute: 2,
	})
	h.now = func() time.Time { return time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC) }

	return &webhookFixture{
		handler:   h,
		publisher: pub,
		limiter:   lim,
		bus:       bus,
		router:    NewRouter(RouterConfig{Webhooks: h, AllowedOrigins: []string{"*"}}),
	}
}

func (f *webhookFixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *webhookFixture) webhookEntries() []domain.ActivityLogEntry {
	var out []domain.ActivityLogEntry
	for _, e := range f.bus.Recent(50) {
		if e.Category == domain.CategoryWebhook {
			out = append(out, e)
		}
	}
	return out
}

const whatsappTextDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "messages": [{"from": "254700000001", "id": "wamid.A", "timestamp": "1714546800", "type": "text", "text": {"body": "hello"}}]
      }
    }]
  }]
}`

func TestWhatsAppVerifyHandshake(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1158201444", rec.Body.String())

	rec = f.do(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsAppWebhook_RejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(http.MethodPost, "/webhooks/whatsapp", whatsappTextDelivery, map[string]string{
		whatsapp.SignatureHeader: whatsapp.Sign("other-secret", []byte(whatsappTextDelivery)),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, f.publisher.count())

	entries := f.webhookEntries()
	require.Len(t, entries, 1)
	require.Equal(t, domain.LevelWarn, entries[0].Level)
}

func TestWhatsAppWebhook_PublishesOnceAndDedups(t *testing.T) {
	f := newWebhookFixture(t)
	headers := map[string]string{whatsapp.SignatureHeader: whatsapp.Sign(testAppSecret, []byte(whatsappTextDelivery))}

	rec := f.do(http.MethodPost, "/webhooks/whatsapp", whatsappTextDelivery, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, "/webhooks/whatsapp", whatsappTextDelivery, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, f.publisher.count())
	msg := f.publisher.msgs[0]
	require.Equal(t, "hima.events", msg.exchange)
	require.Equal(t, rabbitmq.RoutingKeyChatMessage, msg.routingKey)

	inbound, ok := msg.body.(domain.InboundChatMessage)
	require.True(t, ok)
	assert.Equal(t, "254700000001", inbound.From)
	assert.Equal(t, "hello", inbound.Body)
	assert.Equal(t, "wamid.A", inbound.ID)
	assert.True(t, time.Unix(1714546800, 0).Equal(inbound.ReceivedAt))
}

func TestWhatsAppWebhook_PublishFailureAllowsRedelivery(t *testing.T) {
	f := newWebhookFixture(t)
	headers := map[string]string{whatsapp.SignatureHeader: whatsapp.Sign(testAppSecret, []byte(whatsappTextDelivery))}

	f.publisher.err = errors.New("broker down")
	rec := f.do(http.MethodPost, "/webhooks/whatsapp", whatsappTextDelivery, headers)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.publisher.err = nil
	rec = f.do(http.MethodPost, "/webhooks/whatsapp", whatsappTextDelivery, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.publisher.count())
}

func TestChatWebhook_RateLimitsPerSender(t *testing.T) {
	f := newWebhookFixture(t)

	statuses := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/webhooks/chat", `{"from":"+254 700-000001","body":"hi"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		statuses = append(statuses, resp["status"])
	}
	require.Equal(t, []string{dispositionAccepted, dispositionAccepted, dispositionRateLimited}, statuses)
	require.Equal(t, 2, f.publisher.count())

	entries := f.webhookEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "254700000001", entries[0].UserID)
	require.Equal(t, 42, entries[0].Metadata["retry_after_seconds"])

	rec := f.do(http.MethodPost, "/webhooks/chat", `{"from":"+254 700-000002","body":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, f.publisher.count())
}

func TestChatWebhook_LimiterFailureAllowsMessage(t *testing.T) {
	f := newWebhookFixture(t)
	f.limiter.err = errors.New("redis down")

	rec := f.do(http.MethodPost, "/webhooks/chat", `{"from":"254700000001","body":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.publisher.count())
}

func TestChatWebhook_RejectsMissingSender(t *testing.T) {
	f := newWebhookFixture(t)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/webhooks/chat", `{"body":"hi"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/webhooks/chat", `not json`, nil).Code)
	require.Zero(t, f.publisher.count())
}

func TestNormalizeWhatsApp(t *testing.T) {
	raw := `{
	  "entry": [{"changes": [{"value": {
	    "messages": [
	      {"from": "1", "id": "a", "type": "interactive", "interactive": {"type": "button_reply", "button_reply": {"id": "PAY", "title": "Pay now"}}},
	      {"from": "1", "id": "b", "type": "button", "button": {"payload": "CLAIM", "text": "Claim"}},
	      {"from": "1", "id": "c", "type": "image", "image": {"id": "media-1", "mime_type": "image/jpeg", "caption": "my id"}},
	      {"from": "1", "id": "d", "type": "document", "document": {"id": "media-2", "mime_type": "application/pdf"}},
	      {"from": "1", "id": "e", "type": "sticker"}
	    ],
	    "statuses": [{"id": "wamid.out", "status": "read"}]
	  }}]}]
	}`
	var payload domain.WhatsAppWebhook
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))

	now := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	msgs := normalizeWhatsApp(payload, now)
	require.Len(t, msgs, 5)

	assert.Equal(t, "PAY", msgs[0].ButtonID)
	assert.Equal(t, "Pay now", msgs[0].Body)
	assert.Equal(t, "CLAIM", msgs[1].ButtonID)

	require.Len(t, msgs[2].Attachments, 1)
	assert.Equal(t, domain.AttachmentImage, msgs[2].Attachments[0].Kind)
	assert.Equal(t, "media-1", msgs[2].Attachments[0].MediaID)
	assert.Equal(t, "my id", msgs[2].Body)

	assert.Equal(t, domain.AttachmentDocument, msgs[3].Attachments[0].Kind)
	assert.Equal(t, domain.AttachmentOther, msgs[4].Attachments[0].Kind)
	assert.True(t, msgs[4].ReceivedAt.Equal(now))
}

const darajaSuccess = `{
  "Body": {"stkCallback": {
    "MerchantRequestID": "29115-34620561-1",
    "CheckoutRequestID": "ws_CO_191220191020363925",
    "ResultCode": 0,
    "ResultDesc": "The service request is processed successfully.",
    "CallbackMetadata": {"Item": [
      {"Name": "Amount", "Value": 3250},
      {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
      {"Name": "TransactionDate", "Value": 20191219102115},
      {"Name": "PhoneNumber", "Value": 254708374149}
    ]}
  }}
}`

func TestMpesaCallback_DarajaSuccess(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(http.MethodPost, "/webhooks/mpesa/callback", darajaSuccess, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.publisher.count())

	msg := f.publisher.msgs[0]
	require.Equal(t, rabbitmq.RoutingKeyPaymentCallback, msg.routingKey)
	cb, ok := msg.body.(domain.PaymentCallback)
	require.True(t, ok)
	assert.Equal(t, "ws_CO_191220191020363925", cb.CorrelationToken)
	assert.True(t, cb.Succeeded())
	require.NotNil(t, cb.Amount)
	assert.Equal(t, int64(325_000), *cb.Amount)
	require.NotNil(t, cb.TransactionRef)
	assert.Equal(t, "NLJ7RT61SV", *cb.TransactionRef)
	assert.False(t, cb.ReceivedAt.IsZero())

	entries := f.webhookEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "payment callback received", entries[0].Message)
}

func TestMpesaCallback_Validation(t *testing.T) {
	f := newWebhookFixture(t)

	cases := []struct {
		body string
		want int
	}{
		{`{"correlation_token":"ws_CO_1","result_code":1032,"result_desc":"Request cancelled by user"}`, http.StatusOK},
		{`{"correlation_token":"ws_CO_1"}`, http.StatusBadRequest},
		{`{"result_code":0}`, http.StatusBadRequest},
		{`{"Body":{"stkCallback":{"ResultCode":0}}}`, http.StatusBadRequest},
		{`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2"}}}`, http.StatusBadRequest},
		{`[1,2,3]`, http.StatusBadRequest},
		{`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_3","ResultCode":1}}}`, http.StatusOK},
	}
	for _, tc := range cases {
		rec := f.do(http.MethodPost, "/webhooks/mpesa/callback", tc.body, nil)
		assert.Equal(t, tc.want, rec.Code, tc.body)
	}
	require.Equal(t, 2, f.publisher.count())
}

func TestMpesaCallback_PublishFailure(t *testing.T) {
	f := newWebhookFixture(t)
	f.publisher.err = errors.New("broker down")

	rec := f.do(http.MethodPost, "/webhooks/mpesa/callback", darajaSuccess, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, f.webhookEntries())
}

func TestDarajaAmountMinor(t *testing.T) {
	for raw, want := range map[string]int64{
		`3250`:   325_000,
		`1.5`:    150,
		`"10"`:   1000,
		`99.999`: 10_000,
		`1.00`:   100,
	} {
		got, ok := darajaAmountMinor(json.RawMessage(raw))
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := darajaAmountMinor(json.RawMessage(`"abc"`))
	assert.False(t, ok)
}
