package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports bad user input. It is answered with a corrective prompt.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing user, policy, quote or claim.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// ExpiredError reports an expired quote or session.
type ExpiredError struct {
	Resource  string
	Key       string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s %s expired at %s", e.Resource, e.Key, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// GatewayError reports a chat or mobile-money transport failure.
type GatewayError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s gateway %s failed: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ChainError reports a failed, reverted or unconfirmed chain submission.
type ChainError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ChainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("chain %s: %s", e.Op, e.Reason)
}

func (e *ChainError) Unwrap() error { return e.Err }

var (
	// ErrKYCNotPending is returned when a review targets a user whose KYC is not awaiting review.
	ErrKYCNotPending = errors.New("kyc is not pending review")
	// ErrIllegalClaimTransition is returned for adjudication moves outside the claim graph.
	ErrIllegalClaimTransition = errors.New("illegal claim status transition")
)

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsExpired reports whether err is an ExpiredError.
func IsExpired(err error) bool {
	var target *ExpiredError
	return errors.As(err, &target)
}
