package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hima/hima-service/internal/domain"
)

func newDraftPolicy(t *testing.T, repo *MemoryRepository, number string) *domain.Policy {
	t.Helper()
	p := &domain.Policy{
		ID:            uuid.New(),
		PolicyNumber:  number,
		UserPhone:     "254700000001",
		PaymentStatus: domain.PaymentPending,
		PolicyStatus:  domain.PolicyDraft,
		DurationDays:  365,
	}
	if err := repo.CreatePolicy(context.Background(), p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return p
}

func TestMemoryRepository_PolicyNumberIsUnique(t *testing.T) {
	repo := NewMemoryRepository()
	newDraftPolicy(t, repo, "HIMA-240501-AAAAAA")

	err := repo.CreatePolicy(context.Background(), &domain.Policy{ID: uuid.New(), PolicyNumber: "HIMA-240501-AAAAAA"})
	if err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestMemoryRepository_ActivationGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := newDraftPolicy(t, repo, "HIMA-240501-BBBBBB")

	if ok, _ := repo.ClaimActivationAttempt(ctx, p.ID, time.Now()); ok {
		t.Fatalf("activation attempt must require completed payment")
	}
	if ok, _ := repo.MarkPaymentCompleted(ctx, p.ID, nil); !ok {
		t.Fatalf("expected payment completion")
	}
	if ok, _ := repo.MarkPaymentCompleted(ctx, p.ID, nil); ok {
		t.Fatalf("second completion must be a no-op")
	}
	if ok, _ := repo.MarkPaymentFailed(ctx, p.ID); ok {
		t.Fatalf("completed payment must not become failed")
	}
	if ok, _ := repo.ClaimActivationAttempt(ctx, p.ID, time.Now()); !ok {
		t.Fatalf("expected first activation attempt to be claimed")
	}
	if ok, _ := repo.ClaimActivationAttempt(ctx, p.ID, time.Now()); ok {
		t.Fatalf("second activation attempt must be refused")
	}

	now := time.Now()
	ok, err := repo.ActivatePolicy(ctx, p.ID, ActivatePolicyParams{OnChainID: "1", TxHash: "0xabc", CoverageStart: now, CoverageEnd: now.Add(time.Hour)})
	if err != nil || !ok {
		t.Fatalf("expected activation, got %v %v", ok, err)
	}
	got, _ := repo.FindPolicyByID(ctx, p.ID)
	if got.PolicyStatus != domain.PolicyActive || *got.OnChainID != "1" {
		t.Fatalf("unexpected policy %+v", got)
	}
	if err := repo.SetPolicyCorrelationToken(ctx, p.ID, "ws_CO_1"); err != ErrPolicyNotFound {
		t.Fatalf("active policy must not accept a new token, got %v", err)
	}
}

func TestMemoryRepository_CorrelationTokenResetsFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	p := newDraftPolicy(t, repo, "HIMA-240501-CCCCCC")

	if err := repo.SetPolicyCorrelationToken(ctx, p.ID, "ws_CO_1"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if ok, _ := repo.MarkPaymentFailed(ctx, p.ID); !ok {
		t.Fatalf("expected failure to apply")
	}
	if err := repo.SetPolicyCorrelationToken(ctx, p.ID, "ws_CO_2"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	got, err := repo.FindPolicyByCorrelationToken(ctx, "ws_CO_2")
	if err != nil {
		t.Fatalf("find by token: %v", err)
	}
	if got.PaymentStatus != domain.PaymentPending {
		t.Fatalf("expected pending after retry, got %s", got.PaymentStatus)
	}
}

func TestMemoryRepository_ReviewKYCOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if _, err := repo.FindOrCreateUser(ctx, "254700000001", domain.LanguageEnglish); err != nil {
		t.Fatalf("create user: %v", err)
	}
	params := ReviewKYCParams{Decision: domain.KYCVerified, ReviewedBy: "ops", ReviewedAt: time.Now()}

	if ok, _ := repo.ReviewKYC(ctx, "254700000001", params); ok {
		t.Fatalf("review must require pending kyc")
	}
	pending := domain.KYCPending
	if err := repo.UpdateUser(ctx, "254700000001", UpdateUserParams{KYCStatus: &pending}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, _ := repo.ReviewKYC(ctx, "254700000001", params); !ok {
		t.Fatalf("expected review to apply")
	}
	if ok, _ := repo.ReviewKYC(ctx, "254700000001", params); ok {
		t.Fatalf("second review must be a no-op")
	}
}

func TestMemoryRepository_ListActivityNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for i, cat := range []domain.ActivityCategory{domain.CategoryBot, domain.CategoryChain, domain.CategoryBot} {
		entry := domain.ActivityLogEntry{ID: uuid.New(), Category: cat, Message: string(rune('a' + i))}
		if err := repo.InsertActivity(ctx, entry); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, _ := repo.ListActivity(ctx, domain.ActivityFilter{Category: domain.CategoryBot})
	if len(got) != 2 || got[0].Message != "c" || got[1].Message != "a" {
		t.Fatalf("unexpected history %+v", got)
	}
}

func TestMemoryRepository_ActivityIsDedupedAndBounded(t *testing.T) {
	repo := NewMemoryRepository()
	repo.activityCap = 20
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		entry := domain.ActivityLogEntry{ID: uuid.New(), Category: domain.CategoryBot, Message: fmt.Sprintf("entry %d", i)}
		for attempt := 0; attempt < 2; attempt++ {
			if err := repo.InsertActivity(ctx, entry); err != nil {
				t.Fatalf("insert activity: %v", err)
			}
		}
	}

	if n := len(repo.activity); n > 20 || n == 0 {
		t.Fatalf("expected between 1 and 20 entries kept, got %d", n)
	}
	if len(repo.activityIDs) != len(repo.activity) {
		t.Fatalf("id index out of step: %d ids for %d entries", len(repo.activityIDs), len(repo.activity))
	}
	got, err := repo.ListActivity(ctx, domain.ActivityFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(got) != 2 || got[0].Message != "entry 49" || got[1].Message != "entry 48" {
		t.Fatalf("expected newest entries first, got %+v", got)
	}
}
