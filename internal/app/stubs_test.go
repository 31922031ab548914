package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/store"
	"github.com/hima/hima-service/internal/wallet"
	"github.com/hima/hima-service/pkg/chain"
	"github.com/hima/hima-service/pkg/whatsapp"
)

type sentMessage struct {
	to      string
	body    string
	buttons []whatsapp.Button
}

type chatStub struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (c *chatStub) SendText(_ context.Context, to, body string) error {
	return c.record(sentMessage{to: to, body: body})
}

func (c *chatStub) SendButtons(_ context.Context, to, body string, btns []whatsapp.Button) error {
	return c.record(sentMessage{to: to, body: body, buttons: btns})
}

func (c *chatStub) record(m sentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return c.err
}

func (c *chatStub) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *chatStub) last(t *testing.T) sentMessage {
	t.Helper()
	msgs := c.messages()
	if len(msgs) == 0 {
		t.Fatalf("expected an outbound message")
	}
	return msgs[len(msgs)-1]
}

type gatewayStub struct {
	mu     sync.Mutex
	calls  int
	err    error
	tokens []string
}

func (g *gatewayStub) InitiateSTKPush(_ context.Context, _ string, _ int64, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	token := fmt.Sprintf("ws_CO_%d", g.calls)
	g.tokens = append(g.tokens, token)
	return token, nil
}

type chainStub struct {
	mu       sync.Mutex
	calls    int
	requests []chain.ActivationRequest
	err      error
	// block waits for the context instead of answering.
	block bool
}

func (c *chainStub) Activate(ctx context.Context, req chain.ActivationRequest) (*chain.Activation, error) {
	c.mu.Lock()
	c.calls++
	c.requests = append(c.requests, req)
	block, err := c.block, c.err
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, &domain.ChainError{Op: "activate", Reason: "confirmation timed out", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	return &chain.Activation{OnChainID: "7", TxHash: "0xfeed"}, nil
}

func (c *chainStub) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type walletStub struct {
	n int
}

func (w *walletStub) New() (*wallet.Wallet, error) {
	w.n++
	return &wallet.Wallet{Address: fmt.Sprintf("0x%040d", w.n), SealedKey: "sealed"}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []domain.ActivityLogEntry
}

func (r *recordingPublisher) Publish(entry domain.ActivityLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingPublisher) all() []domain.ActivityLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ActivityLogEntry(nil), r.entries...)
}

func (r *recordingPublisher) count() int {
	return len(r.all())
}

func (r *recordingPublisher) last(t *testing.T) domain.ActivityLogEntry {
	t.Helper()
	all := r.all()
	if len(all) == 0 {
		t.Fatalf("expected an activity entry")
	}
	return all[len(all)-1]
}

func (r *recordingPublisher) byCategory(cat domain.ActivityCategory) []domain.ActivityLogEntry {
	var out []domain.ActivityLogEntry
	for _, e := range r.all() {
		if e.Category == cat {
			out = append(out, e)
		}
	}
	return out
}

var errStubUnavailable = errors.New("upstream unavailable")

// fixedNow is 10:00 EAT on 1 May 2024.
var fixedNow = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

type harness struct {
	repo     *store.MemoryRepository
	chat     *chatStub
	gateway  *gatewayStub
	chain    *chainStub
	activity *recordingPublisher
	quotes   *QuoteEngine
	conv     *ConversationService
	payments *PaymentCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     store.NewMemoryRepository(),
		chat:     &chatStub{},
		gateway:  &gatewayStub{},
		chain:    &chainStub{},
		activity: &recordingPublisher{},
		quotes:   NewQuoteEngine(DefaultRateTable("KES"), 30*time.Minute),
	}
	h.quotes.now = func() time.Time { return fixedNow }

	locker := NewLocalLocker()
	conv, err := NewConversationService(ConversationDeps{
		Repo:     h.repo,
		Locker:   locker,
		Chat:     h.chat,
		Payments: h.gateway,
		Wallets:  &walletStub{},
		Quotes:   h.quotes,
		Activity: h.activity,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new conversation service: %v", err)
	}
	conv.now = func() time.Time { return fixedNow }
	h.conv = conv

	h.payments = NewPaymentCoordinator(h.repo, locker, h.chain, h.chat, h.activity, nil, zap.NewNop(), 200*time.Millisecond)
	h.payments.now = func() time.Time { return fixedNow }
	return h
}

func (h *harness) send(t *testing.T, phone, body string) {
	t.Helper()
	if err := h.conv.HandleMessage(context.Background(), domain.InboundChatMessage{From: phone, Body: body}); err != nil {
		t.Fatalf("handle %q: %v", body, err)
	}
}

func (h *harness) press(t *testing.T, phone, buttonID string) {
	t.Helper()
	if err := h.conv.HandleMessage(context.Background(), domain.InboundChatMessage{From: phone, ButtonID: buttonID}); err != nil {
		t.Fatalf("press %q: %v", buttonID, err)
	}
}

func (h *harness) sendPhoto(t *testing.T, phone, mediaID string) {
	t.Helper()
	msg := domain.InboundChatMessage{
		From:        phone,
		Attachments: []domain.Attachment{{MediaID: mediaID, MimeType: "image/jpeg", Kind: domain.AttachmentImage}},
	}
	if err := h.conv.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("send photo: %v", err)
	}
}

func (h *harness) user(t *testing.T, phone string) *domain.User {
	t.Helper()
	u, err := h.repo.FindUserByPhone(context.Background(), phone)
	if err != nil {
		t.Fatalf("load user %s: %v", phone, err)
	}
	return u
}

func (h *harness) state(t *testing.T, phone string) domain.ConversationState {
	t.Helper()
	return h.user(t, phone).State
}

// registerVerified walks phone through registration and approves its KYC.
func (h *harness) registerVerified(t *testing.T, phone string) {
	t.Helper()
	h.send(t, phone, "hi")
	h.send(t, phone, "Jane Wanjiku")
	h.send(t, phone, "12345678")
	h.sendPhoto(t, phone, "wamid.ID")
	verified := domain.KYCVerified
	if err := h.repo.UpdateUser(context.Background(), phone, store.UpdateUserParams{KYCStatus: &verified}); err != nil {
		t.Fatalf("verify kyc: %v", err)
	}
}

// quoteComprehensive drives a verified user from the approval message to a presented quote.
func (h *harness) quoteComprehensive(t *testing.T, phone string) {
	t.Helper()
	h.send(t, phone, "hello")
	h.send(t, phone, "Honda")
	h.send(t, phone, "CB125")
	h.send(t, phone, "2021")
	h.send(t, phone, "KMFA 123A")
	h.send(t, phone, "50000")
	h.send(t, phone, "2")
}

// buyPolicy takes a new rider all the way to AWAITING_PAYMENT and returns the draft policy.
func (h *harness) buyPolicy(t *testing.T, phone string) *domain.Policy {
	t.Helper()
	h.registerVerified(t, phone)
	h.quoteComprehensive(t, phone)
	h.press(t, phone, "ACCEPT")
	p, err := h.repo.FindLatestPolicyByUser(context.Background(), phone)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return p
}
