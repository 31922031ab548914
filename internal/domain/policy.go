/**
 * @description
 * Domain models for the purchase pipeline: products and their rate table, time-bounded
 * quotes and the chain-anchored policy record.
 *
 * @notes
 * - A policy may only become active after its payment completed and the chain
 *   confirmed the activation transaction.
 * - Active, expired and cancelled policies are terminal for payment-status changes.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CoverageType identifies the kind of cover offered.
type CoverageType string

const (
	CoverageThirdParty    CoverageType = "third_party"
	CoverageComprehensive CoverageType = "comprehensive"
)

// ChainCode is the numeric coverage identifier stored by the policy contract.
func (c CoverageType) ChainCode() uint8 {
	switch c {
	case CoverageThirdParty:
		return 1
	case CoverageComprehensive:
		return 2
	default:
		return 0
	}
}

// Product is one row of the rate table.
type Product struct {
	Code         string
	Coverage     CoverageType
	Name         string
	RatePercent  decimal.Decimal
	MinPremium   int64
	DurationDays int
	Currency     string
}

// RateTable maps coverage types to the product priced for them.
type RateTable map[CoverageType]Product

// QuoteStatus tracks whether a quote may still be accepted.
type QuoteStatus string

const (
	QuoteOpen      QuoteStatus = "open"
	QuoteConsumed  QuoteStatus = "consumed"
	QuoteDiscarded QuoteStatus = "discarded"
)

// Quote is a time-bounded premium offer for a (user, vehicle, coverage) tuple.
type Quote struct {
	ID           uuid.UUID
	UserPhone    string
	Vehicle      VehicleDraft
	Coverage     CoverageType
	ProductCode  string
	PremiumMinor int64
	Currency     string
	DurationDays int
	Status       QuoteStatus
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// ExpiredAt reports whether the quote can no longer be accepted at now.
func (q *Quote) ExpiredAt(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// PaymentStatus is the mobile-money settlement status of a policy.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PolicyStatus is the lifecycle status of a policy.
type PolicyStatus string

const (
	PolicyDraft     PolicyStatus = "draft"
	PolicyActive    PolicyStatus = "active"
	PolicyExpired   PolicyStatus = "expired"
	PolicyCancelled PolicyStatus = "cancelled"
)

// Terminal reports whether no further payment mutation is permitted.
func (s PolicyStatus) Terminal() bool {
	return s == PolicyActive || s == PolicyExpired || s == PolicyCancelled
}

// Policy is a purchased insurance record.
type Policy struct {
	ID                    uuid.UUID
	PolicyNumber          string
	UserPhone             string
	ProductCode           string
	QuoteID               *uuid.UUID
	Coverage              CoverageType
	VehicleRef            string
	PremiumMinor          int64
	Currency              string
	DurationDays          int
	CoverageStart         *time.Time
	CoverageEnd           *time.Time
	PaymentStatus         PaymentStatus
	PolicyStatus          PolicyStatus
	CorrelationToken      *string
	PaymentRef            *string
	OnChainID             *string
	TxHash                *string
	ActivationAttemptedAt *time.Time
	ActivationError       *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AwaitingReconciliation reports the saga's "paid but not activated" sub-state.
func (p *Policy) AwaitingReconciliation() bool {
	return p.PaymentStatus == PaymentCompleted && p.PolicyStatus == PolicyDraft && p.ActivationAttemptedAt != nil
}
