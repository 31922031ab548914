/**
 * @description
 * The payment and activation saga. A mobile-money callback settles the payment on a draft
 * policy and, on success, anchors the policy on-chain before activating it.
 *
 * @notes
 * - The two external mutations (payment settlement, chain activation) are not atomic. A
 *   failed or unconfirmed chain activation leaves the policy in the explicit
 *   "paid but not activated" sub-state (payment completed, policy draft, activation error
 *   recorded) for manual reconciliation. It is never retried automatically.
 * - At most one activation attempt is made per policy: ClaimActivationAttempt is a
 *   conditional write on activation_attempted_at.
 * - Unknown correlation tokens are logged and absorbed so the gateway stops retrying.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/metrics"
	"github.com/hima/hima-service/internal/store"
	"github.com/hima/hima-service/pkg/chain"
)

// PaymentCoordinator reconciles gateway callbacks with pending policies.
type PaymentCoordinator struct {
	repo           store.Repository
	locker         Locker
	chain          ChainActivator
	chat           ChatSender
	activity       ActivityPublisher
	metrics        *metrics.Metrics
	logger         *zap.Logger
	confirmTimeout time.Duration
	now            func() time.Time
}

func NewPaymentCoordinator(
	repo store.Repository,
	locker Locker,
	activator ChainActivator,
	chat ChatSender,
	activity ActivityPublisher,
	m *metrics.Metrics,
	log *zap.Logger,
	confirmTimeout time.Duration,
) *PaymentCoordinator {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if activator == nil {
		activator = chain.Disabled{}
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	return &PaymentCoordinator{
		repo:           repo,
		locker:         locker,
		chain:          activator,
		chat:           chat,
		activity:       activity,
		metrics:        m,
		logger:         log,
		confirmTimeout: confirmTimeout,
		now:            time.Now,
	}
}

// HandleCallback applies one gateway callback. A returned error is transient and the
// callback may be redelivered; business outcomes (unknown token, duplicates, chain
// failures) are absorbed and reported on the activity bus.
func (c *PaymentCoordinator) HandleCallback(ctx context.Context, cb domain.PaymentCallback) error {
	if cb.CorrelationToken == "" {
		c.publish(domain.CategoryWebhook, domain.LevelWarn, "payment callback without correlation token ignored", "", nil)
		c.metrics.PaymentCallback("invalid")
		return nil
	}

	policy, err := c.repo.FindPolicyByCorrelationToken(ctx, cb.CorrelationToken)
	if err != nil {
		if errors.Is(err, store.ErrPolicyNotFound) {
			c.logger.Warn("payment callback for unknown correlation token", logger.CorrelationToken(cb.CorrelationToken))
			c.publish(domain.CategoryWebhook, domain.LevelWarn, "payment callback for unknown correlation token", "", map[string]any{
				"correlation_token": cb.CorrelationToken,
				"result_code":       cb.ResultCode,
			})
			c.metrics.PaymentCallback("unknown")
			return nil
		}
		return fmt.Errorf("lookup policy by correlation token: %w", err)
	}

	unlock, err := c.locker.Lock(ctx, userLockKey(policy.UserPhone))
	if err != nil {
		return fmt.Errorf("lock user %s: %w", policy.UserPhone, err)
	}
	defer unlock()

	// Re-read under the lock: a concurrent delivery may have moved the policy on.
	policy, err = c.repo.FindPolicyByID(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}

	meta := map[string]any{
		"policy_number":     policy.PolicyNumber,
		"correlation_token": cb.CorrelationToken,
		"result_code":       cb.ResultCode,
	}
	if cb.Amount != nil {
		meta["amount"] = *cb.Amount
	}
	if cb.TransactionRef != nil {
		meta["transaction_ref"] = *cb.TransactionRef
	}

	if policy.PolicyStatus.Terminal() {
		c.publish(domain.CategoryPayment, domain.LevelInfo, "duplicate payment callback ignored", policy.UserPhone, withStatus(meta, policy))
		c.metrics.PaymentCallback("duplicate")
		return nil
	}

	if cb.Succeeded() {
		return c.settle(ctx, policy, cb, meta)
	}
	return c.fail(ctx, policy, cb, meta)
}

// withFields returns a copy of base with fields added. base is shared by every entry about
// one callback and is never written.
func withFields(base, fields map[string]any) map[string]any {
	out := maps.Clone(base)
	maps.Copy(out, fields)
	return out
}

func withStatus(meta map[string]any, p *domain.Policy) map[string]any {
	return withFields(meta, map[string]any{
		"payment_status": string(p.PaymentStatus),
		"policy_status":  string(p.PolicyStatus),
	})
}

func (c *PaymentCoordinator) settle(ctx context.Context, policy *domain.Policy, cb domain.PaymentCallback, meta map[string]any) error {
	if policy.PaymentStatus != domain.PaymentCompleted {
		marked, err := c.repo.MarkPaymentCompleted(ctx, policy.ID, cb.TransactionRef)
		if err != nil {
			return fmt.Errorf("mark payment completed: %w", err)
		}
		if !marked {
			// The guard refused the write: read back what the record actually holds.
			current, err := c.repo.FindPolicyByID(ctx, policy.ID)
			if err != nil {
				return fmt.Errorf("reload policy: %w", err)
			}
			policy = current
			if policy.PaymentStatus != domain.PaymentCompleted || policy.PolicyStatus != domain.PolicyDraft {
				c.publish(domain.CategoryPayment, domain.LevelWarn, "payment could not be settled; callback ignored", policy.UserPhone, withStatus(meta, policy))
				c.metrics.PaymentCallback("duplicate")
				return nil
			}
		} else {
			policy.PaymentStatus = domain.PaymentCompleted
			c.publish(domain.CategoryPayment, domain.LevelInfo, "payment completed", policy.UserPhone, meta)
		}
	}

	claimed, err := c.repo.ClaimActivationAttempt(ctx, policy.ID, c.now())
	if err != nil {
		return fmt.Errorf("claim activation attempt: %w", err)
	}
	if !claimed {
		c.publish(domain.CategoryPayment, domain.LevelInfo, "activation already attempted; duplicate callback ignored", policy.UserPhone, withStatus(meta, policy))
		c.metrics.PaymentCallback("duplicate")
		return nil
	}
	c.metrics.PaymentCallback("completed")

	user, err := c.repo.FindUserByPhone(ctx, policy.UserPhone)
	if err != nil {
		c.recordChainFailure(ctx, policy, nil, &domain.ChainError{Op: "activate", Reason: "policy owner not found", Err: err}, meta)
		return nil
	}

	activation, err := c.activate(ctx, policy, user)
	if err != nil {
		c.recordChainFailure(ctx, policy, user, err, meta)
		return nil
	}

	start := c.now().UTC()
	end := start.AddDate(0, 0, policy.DurationDays)
	activated, err := c.repo.ActivatePolicy(ctx, policy.ID, store.ActivatePolicyParams{
		OnChainID:     activation.OnChainID,
		TxHash:        activation.TxHash,
		CoverageStart: start,
		CoverageEnd:   end,
	})
	if err != nil || !activated {
		// The chain accepted the policy but the record could not be updated. Leave it in limbo
		// with the chain reference so an operator can finish the activation.
		reason := fmt.Sprintf("activated on-chain (id %s, tx %s) but record update failed: %v", activation.OnChainID, activation.TxHash, err)
		if recErr := c.repo.RecordActivationFailure(ctx, policy.ID, reason); recErr != nil {
			c.logger.Error("failed to record activation failure", logger.PolicyNumber(policy.PolicyNumber), zap.Error(recErr))
		}
		c.publish(domain.CategoryChain, domain.LevelError, "policy anchored on-chain but activation was not persisted", policy.UserPhone, withFields(meta, map[string]any{
			"tx_hash":     activation.TxHash,
			"on_chain_id": activation.OnChainID,
		}))
		return nil
	}

	if user.State == domain.StateAwaitingPayment {
		active := domain.StateActive
		params := store.UpdateUserParams{State: &active}
		if user.PendingPolicyID != nil && *user.PendingPolicyID == policy.ID {
			params.ClearPendingPolicy = true
		}
		if err := c.repo.UpdateUser(ctx, user.Phone, params); err != nil {
			c.logger.Error("failed to move user to active", logger.Phone(user.Phone), zap.Error(err))
		}
	}

	c.notify(ctx, user, text(user.Language, msgPolicyActivated, policy.PolicyNumber, end.In(eastAfrica).Format("02 Jan 2006")))

	c.publish(domain.CategoryChain, domain.LevelInfo, "policy activated on-chain", policy.UserPhone, withFields(meta, map[string]any{
		"tx_hash":      activation.TxHash,
		"on_chain_id":  activation.OnChainID,
		"coverage_end": end.Format(time.RFC3339),
	}))
	return nil
}

// activate makes the single chain submission under the confirmation timeout.
func (c *PaymentCoordinator) activate(ctx context.Context, policy *domain.Policy, user *domain.User) (*chain.Activation, error) {
	chainCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	started := c.now()
	activation, err := c.chain.Activate(chainCtx, chain.ActivationRequest{
		PolicyNumber: policy.PolicyNumber,
		Owner:        user.WalletAddress,
		PremiumMinor: policy.PremiumMinor,
		CoverageCode: policy.Coverage.ChainCode(),
		VehicleRef:   policy.VehicleRef,
		DurationDays: uint32(policy.DurationDays),
	})
	took := c.now().Sub(started)
	if err != nil {
		c.metrics.ChainActivation("failed", took)
		var chainErr *domain.ChainError
		if !errors.As(err, &chainErr) {
			err = &domain.ChainError{Op: "activate", Reason: "unexpected failure", Err: err}
		}
		return nil, err
	}
	c.metrics.ChainActivation("confirmed", took)
	return activation, nil
}

func (c *PaymentCoordinator) recordChainFailure(ctx context.Context, policy *domain.Policy, user *domain.User, err error, meta map[string]any) {
	c.logger.Error("policy activation failed; left paid but not active",
		logger.PolicyNumber(policy.PolicyNumber), logger.Phone(policy.UserPhone), zap.Error(err))

	if recErr := c.repo.RecordActivationFailure(ctx, policy.ID, err.Error()); recErr != nil {
		c.logger.Error("failed to record activation failure", logger.PolicyNumber(policy.PolicyNumber), zap.Error(recErr))
	}

	fields := map[string]any{"error": err.Error()}
	var chainErr *domain.ChainError
	if errors.As(err, &chainErr) {
		fields["reason"] = chainErr.Reason
	}
	c.publish(domain.CategoryChain, domain.LevelError, "policy activation failed; awaiting manual reconciliation", policy.UserPhone, withFields(meta, fields))

	if user != nil {
		c.notify(ctx, user, text(user.Language, msgActivationDelayed, policy.PolicyNumber))
	}
}

func (c *PaymentCoordinator) fail(ctx context.Context, policy *domain.Policy, cb domain.PaymentCallback, meta map[string]any) error {
	if policy.PaymentStatus == domain.PaymentCompleted {
		c.publish(domain.CategoryPayment, domain.LevelWarn, "failure callback after completed payment ignored", policy.UserPhone, withStatus(meta, policy))
		c.metrics.PaymentCallback("stale")
		return nil
	}

	failed, err := c.repo.MarkPaymentFailed(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if !failed {
		c.publish(domain.CategoryPayment, domain.LevelInfo, "duplicate failure callback ignored", policy.UserPhone, withStatus(meta, policy))
		c.metrics.PaymentCallback("duplicate")
		return nil
	}
	c.metrics.PaymentCallback("failed")

	reason := cb.ResultDesc
	if reason == "" {
		reason = fmt.Sprintf("code %d", cb.ResultCode)
	}
	if user, err := c.repo.FindUserByPhone(ctx, policy.UserPhone); err == nil {
		c.notify(ctx, user, text(user.Language, msgPaymentFailed, policy.PolicyNumber, reason))
	} else {
		c.logger.Warn("could not load user for payment failure notice", logger.Phone(policy.UserPhone), zap.Error(err))
	}
	c.publish(domain.CategoryPayment, domain.LevelWarn, "payment failed", policy.UserPhone, withFields(meta, map[string]any{"result_desc": reason}))
	return nil
}

// notify is best-effort: delivery failures are logged, never retried.
func (c *PaymentCoordinator) notify(ctx context.Context, user *domain.User, body string) {
	if c.chat == nil {
		return
	}
	if err := c.chat.SendText(ctx, user.Phone, body); err != nil {
		gwErr := &domain.GatewayError{Gateway: "whatsapp", Op: "send", Err: err}
		c.logger.Warn("notification delivery failed", logger.Phone(user.Phone), zap.Error(gwErr))
	}
}

func (c *PaymentCoordinator) publish(category domain.ActivityCategory, level domain.ActivityLevel, message, userID string, meta map[string]any) {
	c.activity.Publish(domain.ActivityLogEntry{
		Category: category,
		Level:    level,
		Message:  message,
		Metadata: meta,
		UserID:   userID,
	})
}
