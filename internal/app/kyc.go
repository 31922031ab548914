package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/store"
)

// KYCService records operator identity decisions. The conversation picks the decision up on
// the user's next message; the notice sent here only prompts them to reply.
type KYCService struct {
	repo     store.Repository
	locker   Locker
	chat     ChatSender
	activity ActivityPublisher
	logger   *zap.Logger
	now      func() time.Time
}

func NewKYCService(repo store.Repository, locker Locker, chat ChatSender, activity ActivityPublisher, log *zap.Logger) *KYCService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &KYCService{repo: repo, locker: locker, chat: chat, activity: activity, logger: log, now: time.Now}
}

// Review applies a verified or rejected decision to a user whose KYC is pending.
func (k *KYCService) Review(ctx context.Context, phone string, decision domain.KYCStatus, reviewer, reason string) error {
	phone = NormalizePhone(phone)
	if phone == "" {
		return &domain.ValidationError{Field: "phone", Reason: "required"}
	}
	if decision != domain.KYCVerified && decision != domain.KYCRejected {
		return &domain.ValidationError{Field: "decision", Reason: "must be verified or rejected"}
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return &domain.ValidationError{Field: "reviewer", Reason: "required"}
	}
	reason = strings.TrimSpace(reason)
	if decision == domain.KYCRejected && reason == "" {
		return &domain.ValidationError{Field: "reason", Reason: "required when rejecting"}
	}

	unlock, err := k.locker.Lock(ctx, userLockKey(phone))
	if err != nil {
		return fmt.Errorf("lock user %s: %w", phone, err)
	}
	defer unlock()

	params := store.ReviewKYCParams{Decision: decision, ReviewedBy: reviewer, ReviewedAt: k.now().UTC()}
	if reason != "" {
		params.Reason = &reason
	}
	applied, err := k.repo.ReviewKYC(ctx, phone, params)
	if err != nil {
		return fmt.Errorf("review kyc: %w", err)
	}
	if !applied {
		if _, err := k.repo.FindUserByPhone(ctx, phone); errors.Is(err, store.ErrUserNotFound) {
			return &domain.NotFoundError{Resource: "user", Key: phone}
		}
		return domain.ErrKYCNotPending
	}

	user, err := k.repo.FindUserByPhone(ctx, phone)
	if err == nil && k.chat != nil {
		body := text(user.Language, msgKYCVerifiedNotice)
		if decision == domain.KYCRejected {
			body = text(user.Language, msgKYCRejectedNotice, reason)
		}
		if err := k.chat.SendText(ctx, phone, body); err != nil {
			k.logger.Warn("kyc notice delivery failed", logger.Phone(phone), zap.Error(err))
		}
	}

	meta := map[string]any{"decision": string(decision), "reviewer": reviewer}
	if reason != "" {
		meta["reason"] = reason
	}
	k.activity.Publish(domain.ActivityLogEntry{
		Category: domain.CategoryAdmin,
		Level:    domain.LevelInfo,
		Message:  "kyc " + string(decision),
		Metadata: meta,
		UserID:   phone,
	})
	return nil
}

// Pending lists users awaiting review, oldest first.
func (k *KYCService) Pending(ctx context.Context, limit int) ([]domain.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	users, err := k.repo.ListUsersByKYCStatus(ctx, domain.KYCPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending kyc: %w", err)
	}
	return users, nil
}
