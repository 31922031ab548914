package app

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
)

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errStubUnavailable
}

func TestChatMessageConsumer_HandleMessage(t *testing.T) {
	h := newHarness(t)
	consumer := NewChatMessageConsumer(h.conv, zap.NewNop())

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatalf("malformed payloads must be acknowledged")
	}
	if !consumer.HandleMessage([]byte(`{"from":"","body":"hi"}`)) {
		t.Fatalf("messages without a sender must be acknowledged")
	}

	body, _ := json.Marshal(domain.InboundChatMessage{ID: "wamid.1", From: rider, Body: "hi"})
	if !consumer.HandleMessage(body) {
		t.Fatalf("expected ack")
	}
	if got := h.state(t, rider); got != domain.StateAskingName {
		t.Fatalf("expected ASKING_NAME, got %s", got)
	}
	if id := h.activity.last(t).Metadata["message_id"]; id != "wamid.1" {
		t.Fatalf("expected message id in entry, got %v", id)
	}

	h.conv.locker = failingLocker{}
	if consumer.HandleMessage(body) {
		t.Fatalf("transient failures must be requeued")
	}
}

func TestPaymentCallbackConsumer_HandleMessage(t *testing.T) {
	h := newHarness(t)
	p := h.buyPolicy(t, rider)
	consumer := NewPaymentCallbackConsumer(h.payments, zap.NewNop())

	if consumer.timeout <= h.payments.confirmTimeout {
		t.Fatalf("consumer timeout must exceed the chain confirmation timeout")
	}
	if !consumer.HandleMessage([]byte("[]")) {
		t.Fatalf("malformed payloads must be acknowledged")
	}

	body, _ := json.Marshal(paidCallback(*p.CorrelationToken))
	if !consumer.HandleMessage(body) {
		t.Fatalf("expected ack")
	}
	got, err := h.repo.FindPolicyByID(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if got.PolicyStatus != domain.PolicyActive {
		t.Fatalf("expected active policy, got %s", got.PolicyStatus)
	}

	other := h.buyPolicy(t, "254700000002")
	h.payments.locker = failingLocker{}
	body, _ = json.Marshal(paidCallback(*other.CorrelationToken))
	if consumer.HandleMessage(body) {
		t.Fatalf("transient failures must be requeued")
	}
}

func TestDeliveryKey(t *testing.T) {
	chat, _ := json.Marshal(domain.InboundChatMessage{ID: "wamid.1", From: "+254 700 000 001", Body: "hi"})
	callback, _ := json.Marshal(domain.PaymentCallback{CorrelationToken: "ws_CO_1", ResultCode: 0})

	tests := []struct {
		name string
		body []byte
		want string
	}{
		{name: "chat message by sender", body: chat, want: rider},
		{name: "payment callback by token", body: callback, want: "ws_CO_1"},
		{name: "garbage", body: []byte("{"), want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeliveryKey(tt.body); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
