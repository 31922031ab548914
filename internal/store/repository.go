/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the hima service. The conversation machine, the
 * payment coordinator and the admin services depend on this interface so tests can run
 * against an in-memory implementation.
 *
 * @notes
 * - Methods returning (bool, error) perform conditional updates. false means the guard
 *   did not match (already applied, wrong status) and nothing was changed.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hima/hima-service/internal/domain"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrQuoteNotFound  = errors.New("quote not found")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrClaimNotFound  = errors.New("claim not found")
	ErrDuplicateKey   = errors.New("duplicate key")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User methods
	FindUserByPhone(ctx context.Context, phone string) (*domain.User, error)
	FindOrCreateUser(ctx context.Context, phone string, lang domain.Language) (*domain.User, error)
	UpdateUser(ctx context.Context, phone string, params UpdateUserParams) error
	SetUserWallet(ctx context.Context, phone, address, sealedKey string) (bool, error)
	ReviewKYC(ctx context.Context, phone string, params ReviewKYCParams) (bool, error)
	ListUsersByKYCStatus(ctx context.Context, status domain.KYCStatus, limit int) ([]domain.User, error)

	// Quote methods
	CreateQuote(ctx context.Context, quote *domain.Quote) error
	FindQuoteByID(ctx context.Context, id uuid.UUID) (*domain.Quote, error)
	MarkQuoteConsumed(ctx context.Context, id uuid.UUID) (bool, error)
	DiscardQuote(ctx context.Context, id uuid.UUID) error
	DiscardExpiredQuotes(ctx context.Context, now time.Time) (int64, error)

	// Policy methods
	CreatePolicy(ctx context.Context, policy *domain.Policy) error
	FindPolicyByID(ctx context.Context, id uuid.UUID) (*domain.Policy, error)
	FindPolicyByNumber(ctx context.Context, policyNumber string) (*domain.Policy, error)
	FindPolicyByCorrelationToken(ctx context.Context, token string) (*domain.Policy, error)
	FindActivePolicyByUser(ctx context.Context, phone string) (*domain.Policy, error)
	FindLatestPolicyByUser(ctx context.Context, phone string) (*domain.Policy, error)
	SetPolicyCorrelationToken(ctx context.Context, id uuid.UUID, token string) error
	MarkPaymentCompleted(ctx context.Context, id uuid.UUID, paymentRef *string) (bool, error)
	MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error)
	ClaimActivationAttempt(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ActivatePolicy(ctx context.Context, id uuid.UUID, params ActivatePolicyParams) (bool, error)
	RecordActivationFailure(ctx context.Context, id uuid.UUID, reason string) error
	ExpireLapsedPolicies(ctx context.Context, now time.Time) ([]domain.Policy, error)
	ListActivationLimbo(ctx context.Context, attemptedBefore time.Time) ([]domain.Policy, error)

	// Claim methods
	CreateClaim(ctx context.Context, claim *domain.Claim) error
	FindClaimByNumber(ctx context.Context, claimNumber string) (*domain.Claim, error)
	UpdateClaimStatus(ctx context.Context, claimNumber string, from, to domain.ClaimStatus, note *string) (bool, error)

	// Activity log methods
	InsertActivity(ctx context.Context, entry domain.ActivityLogEntry) error
	ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error)
}

// UpdateUserParams carries a partial update of the conversation-owned user fields.
// Nil pointers leave the column unchanged.
type UpdateUserParams struct {
	State              *domain.ConversationState
	Language           *domain.Language
	KYCStatus          *domain.KYCStatus
	FullName           *string
	IDNumber           *string
	IDPhotoRef         *string
	RegistrationNumber *string
	Vehicle            *domain.VehicleDraft
	ClaimDraft         *domain.ClaimDraft
	PendingQuoteID     *uuid.UUID
	PendingPolicyID    *uuid.UUID
	ClearPendingQuote  bool
	ClearPendingPolicy bool
}

// Empty reports whether the update would change nothing.
func (p UpdateUserParams) Empty() bool {
	return p.State == nil && p.Language == nil && p.KYCStatus == nil && p.FullName == nil &&
		p.IDNumber == nil && p.IDPhotoRef == nil && p.RegistrationNumber == nil &&
		p.Vehicle == nil && p.ClaimDraft == nil && p.PendingQuoteID == nil &&
		p.PendingPolicyID == nil && !p.ClearPendingQuote && !p.ClearPendingPolicy
}

// ReviewKYCParams records an operator decision. It only applies while KYC is pending.
type ReviewKYCParams struct {
	Decision   domain.KYCStatus
	ReviewedBy string
	Reason     *string
	ReviewedAt time.Time
}

// ActivatePolicyParams carries the chain confirmation and the coverage window.
type ActivatePolicyParams struct {
	OnChainID     string
	TxHash        string
	CoverageStart time.Time
	CoverageEnd   time.Time
}
