/**
 * @description
 * Collaborator contracts for the orchestration services. The concrete WhatsApp, M-Pesa,
 * chain, wallet and document store clients satisfy these, and tests substitute stubs.
 */
package app

import (
	"context"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/wallet"
	"github.com/hima/hima-service/pkg/chain"
	"github.com/hima/hima-service/pkg/whatsapp"
)

// ChatSender delivers outbound chat messages.
type ChatSender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, buttons []whatsapp.Button) error
}

// MediaFetcher downloads inbound media by provider id.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// PaymentGateway initiates mobile-money collection and returns the correlation token.
type PaymentGateway interface {
	InitiateSTKPush(ctx context.Context, phone string, amountMinor int64, accountRef, description string) (string, error)
}

// ChainActivator anchors a paid policy on-chain.
type ChainActivator interface {
	Activate(ctx context.Context, req chain.ActivationRequest) (*chain.Activation, error)
}

// WalletIssuer creates custodial wallets.
type WalletIssuer interface {
	New() (*wallet.Wallet, error)
}

// DocumentStore persists uploaded documents and returns a durable reference.
type DocumentStore interface {
	Put(ctx context.Context, key, contentType string, data []byte, meta map[string]string) (string, error)
}

// ActivityPublisher receives activity log entries.
type ActivityPublisher interface {
	Publish(entry domain.ActivityLogEntry)
}

// Locker serializes units of work per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func userLockKey(phone string) string {
	return "user:" + phone
}
