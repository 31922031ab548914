package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
)

func TestKYCService_Review(t *testing.T) {
	h := newHarness(t)
	h.send(t, rider, "hi")
	h.send(t, rider, "Jane Wanjiku")
	h.send(t, rider, "12345678")
	h.sendPhoto(t, rider, "wamid.ID")

	svc := NewKYCService(h.repo, nil, h.chat, h.activity, zap.NewNop())

	pending, err := svc.Pending(context.Background(), 0)
	if err != nil || len(pending) != 1 || pending[0].Phone != rider {
		t.Fatalf("expected one pending user, got %+v (%v)", pending, err)
	}

	if err := svc.Review(context.Background(), "+"+rider, domain.KYCVerified, "ops@hima", ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	u := h.user(t, rider)
	if u.KYCStatus != domain.KYCVerified || u.KYCReviewedBy == nil || *u.KYCReviewedBy != "ops@hima" {
		t.Fatalf("unexpected user after review %+v", u)
	}
	if !strings.Contains(h.chat.last(t).body, "verified") {
		t.Fatalf("expected verification notice, got %q", h.chat.last(t).body)
	}
	if entry := h.activity.last(t); entry.Category != domain.CategoryAdmin || entry.UserID != rider {
		t.Fatalf("unexpected admin entry %+v", entry)
	}

	if err := svc.Review(context.Background(), rider, domain.KYCRejected, "ops@hima", "blurry"); !errors.Is(err, domain.ErrKYCNotPending) {
		t.Fatalf("expected ErrKYCNotPending on second review, got %v", err)
	}

	// The conversation picks the decision up on the next message.
	h.send(t, rider, "hello")
	if got := h.state(t, rider); got != domain.StateAskingVehicleMake {
		t.Fatalf("expected ASKING_VEHICLE_MAKE, got %s", got)
	}
}

func TestKYCService_ReviewValidation(t *testing.T) {
	h := newHarness(t)
	svc := NewKYCService(h.repo, nil, h.chat, h.activity, zap.NewNop())

	cases := []struct {
		name     string
		phone    string
		decision domain.KYCStatus
		reviewer string
		reason   string
		check    func(error) bool
	}{
		{"bad decision", rider, domain.KYCPending, "ops", "", domain.IsValidation},
		{"missing reviewer", rider, domain.KYCVerified, " ", "", domain.IsValidation},
		{"reject without reason", rider, domain.KYCRejected, "ops", "", domain.IsValidation},
		{"unknown user", "254799999999", domain.KYCVerified, "ops", "", domain.IsNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Review(context.Background(), tc.phone, tc.decision, tc.reviewer, tc.reason)
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}
