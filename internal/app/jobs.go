/**
 * @description
 * Scheduled housekeeping: discarding lapsed quotes, expiring policies whose coverage window
 * has ended, and reporting policies stuck in "paid but not activated".
 */
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/store"
)

const jobTimeout = 2 * time.Minute

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo     store.Repository
	chat     ChatSender
	activity ActivityPublisher
	logger   *zap.Logger
	// limboAge is how long a policy may sit paid-but-draft before it is reported.
	limboAge time.Duration
	now      func() time.Time
}

func NewJobs(repo store.Repository, chat ChatSender, activity ActivityPublisher, log *zap.Logger, limboAge time.Duration) *Jobs {
	if limboAge <= 0 {
		limboAge = 10 * time.Minute
	}
	return &Jobs{repo: repo, chat: chat, activity: activity, logger: log.Named("jobs"), limboAge: limboAge, now: time.Now}
}

// DiscardExpiredQuotes closes open quotes past their expiry.
func (j *Jobs) DiscardExpiredQuotes() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.repo.DiscardExpiredQuotes(ctx, j.now())
	if err != nil {
		j.logger.Error("failed to discard expired quotes", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("discarded expired quotes", zap.Int64("count", n))
	}
}

// ExpirePolicies marks lapsed active policies expired and tells their owners.
func (j *Jobs) ExpirePolicies() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	expired, err := j.repo.ExpireLapsedPolicies(ctx, j.now())
	if err != nil {
		j.logger.Error("failed to expire policies", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}
	j.logger.Info("expired lapsed policies", zap.Int("count", len(expired)))

	for _, p := range expired {
		lang := domain.LanguageEnglish
		if user, err := j.repo.FindUserByPhone(ctx, p.UserPhone); err == nil {
			lang = user.Language
		}
		if j.chat != nil {
			if err := j.chat.SendText(ctx, p.UserPhone, text(lang, msgPolicyExpired, p.PolicyNumber)); err != nil {
				j.logger.Warn("policy expiry notice delivery failed", logger.PolicyNumber(p.PolicyNumber), zap.Error(err))
			}
		}
		j.activity.Publish(domain.ActivityLogEntry{
			Category: domain.CategorySystem,
			Level:    domain.LevelInfo,
			Message:  "policy expired",
			Metadata: map[string]any{"policy_number": p.PolicyNumber},
			UserID:   p.UserPhone,
		})
	}
}

// ReportActivationLimbo surfaces every paid policy whose activation never completed.
func (j *Jobs) ReportActivationLimbo() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stuck, err := j.repo.ListActivationLimbo(ctx, j.now().Add(-j.limboAge))
	if err != nil {
		j.logger.Error("failed to list activation limbo", zap.Error(err))
		return
	}
	for _, p := range stuck {
		meta := map[string]any{
			"policy_number":        p.PolicyNumber,
			"activation_attempted": p.ActivationAttemptedAt.UTC().Format(time.RFC3339),
		}
		if p.ActivationError != nil {
			meta["activation_error"] = *p.ActivationError
		}
		if p.PaymentRef != nil {
			meta["payment_ref"] = *p.PaymentRef
		}
		j.activity.Publish(domain.ActivityLogEntry{
			Category: domain.CategoryChain,
			Level:    domain.LevelWarn,
			Message:  "paid policy awaiting activation reconciliation",
			Metadata: meta,
			UserID:   p.UserPhone,
		})
	}
	if len(stuck) > 0 {
		j.logger.Warn("policies awaiting activation reconciliation", zap.Int("count", len(stuck)))
	}
}
