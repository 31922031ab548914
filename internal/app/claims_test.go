package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
)

func TestClaimService_UpdateStatus(t *testing.T) {
	h := newHarness(t)
	claim := &domain.Claim{
		ID:          newID(),
		ClaimNumber: "CLM-240501-ABCDEF",
		UserPhone:   rider,
		PolicyID:    newID(),
		Status:      domain.ClaimSubmitted,
	}
	if err := h.repo.CreateClaim(context.Background(), claim); err != nil {
		t.Fatalf("create claim: %v", err)
	}
	svc := NewClaimService(h.repo, h.chat, h.activity, zap.NewNop())

	if _, err := svc.UpdateStatus(context.Background(), claim.ClaimNumber, domain.ClaimPaid, "", "ops"); !errors.Is(err, domain.ErrIllegalClaimTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}

	got, err := svc.UpdateStatus(context.Background(), "clm-240501-abcdef", domain.ClaimUnderReview, "assessor assigned", "ops")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != domain.ClaimUnderReview || got.ReviewNote == nil || *got.ReviewNote != "assessor assigned" {
		t.Fatalf("unexpected claim %+v", got)
	}
	if body := h.chat.last(t).body; !strings.Contains(body, "CLM-240501-ABCDEF") || !strings.Contains(body, "under review") {
		t.Fatalf("unexpected notice %q", body)
	}
	entry := h.activity.last(t)
	if entry.Category != domain.CategoryAdmin || entry.Metadata["to"] != "under_review" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if _, err := svc.UpdateStatus(context.Background(), claim.ClaimNumber, domain.ClaimApproved, "", "ops"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), claim.ClaimNumber, domain.ClaimPaid, "", "ops"); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), claim.ClaimNumber, domain.ClaimRejected, "", "ops"); !errors.Is(err, domain.ErrIllegalClaimTransition) {
		t.Fatalf("paid claims are final, got %v", err)
	}
}

func TestClaimService_UnknownClaim(t *testing.T) {
	h := newHarness(t)
	svc := NewClaimService(h.repo, h.chat, h.activity, zap.NewNop())
	if _, err := svc.UpdateStatus(context.Background(), "CLM-NOPE", domain.ClaimApproved, "", "ops"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
