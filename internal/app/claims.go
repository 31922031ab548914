package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/store"
)

var claimStatusLabels = map[domain.Language]map[domain.ClaimStatus]string{
	domain.LanguageEnglish: {
		domain.ClaimUnderReview: "under review",
		domain.ClaimApproved:    "approved",
		domain.ClaimRejected:    "rejected",
		domain.ClaimPaid:        "paid out",
	},
	domain.LanguageSwahili: {
		domain.ClaimUnderReview: "linakaguliwa",
		domain.ClaimApproved:    "limeidhinishwa",
		domain.ClaimRejected:    "limekataliwa",
		domain.ClaimPaid:        "limelipwa",
	},
}

// ClaimService adjudicates submitted claims.
type ClaimService struct {
	repo     store.Repository
	chat     ChatSender
	activity ActivityPublisher
	logger   *zap.Logger
}

func NewClaimService(repo store.Repository, chat ChatSender, activity ActivityPublisher, log *zap.Logger) *ClaimService {
	return &ClaimService{repo: repo, chat: chat, activity: activity, logger: log}
}

// Get returns a claim by number.
func (c *ClaimService) Get(ctx context.Context, number string) (*domain.Claim, error) {
	claim, err := c.repo.FindClaimByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
	if errors.Is(err, store.ErrClaimNotFound) {
		return nil, &domain.NotFoundError{Resource: "claim", Key: number}
	}
	return claim, err
}

// UpdateStatus moves a claim along the adjudication graph and notifies the claimant.
func (c *ClaimService) UpdateStatus(ctx context.Context, number string, to domain.ClaimStatus, note, actor string) (*domain.Claim, error) {
	claim, err := c.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if !claim.Status.CanMoveTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalClaimTransition, claim.Status, to)
	}

	var notePtr *string
	if note = strings.TrimSpace(note); note != "" {
		notePtr = &note
	}
	moved, err := c.repo.UpdateClaimStatus(ctx, claim.ClaimNumber, claim.Status, to, notePtr)
	if err != nil {
		return nil, fmt.Errorf("update claim status: %w", err)
	}
	if !moved {
		// Another reviewer moved it first.
		return nil, fmt.Errorf("%w: %s changed concurrently", domain.ErrIllegalClaimTransition, claim.ClaimNumber)
	}
	from := claim.Status
	claim.Status = to
	claim.ReviewNote = notePtr

	if c.chat != nil {
		lang := domain.LanguageEnglish
		if user, err := c.repo.FindUserByPhone(ctx, claim.UserPhone); err == nil {
			lang = user.Language
		}
		label := claimStatusLabels[lang][to]
		if label == "" {
			label = string(to)
		}
		if err := c.chat.SendText(ctx, claim.UserPhone, text(lang, msgClaimStatus, claim.ClaimNumber, label)); err != nil {
			c.logger.Warn("claim status notice delivery failed", logger.Phone(claim.UserPhone), zap.Error(err))
		}
	}

	meta := map[string]any{
		"claim_number": claim.ClaimNumber,
		"from":         string(from),
		"to":           string(to),
		"actor":        actor,
	}
	if note != "" {
		meta["note"] = note
	}
	c.activity.Publish(domain.ActivityLogEntry{
		Category: domain.CategoryAdmin,
		Level:    domain.LevelInfo,
		Message:  fmt.Sprintf("claim %s %s -> %s", claim.ClaimNumber, from, to),
		Metadata: meta,
		UserID:   claim.UserPhone,
	})
	return claim, nil
}
