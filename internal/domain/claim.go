package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClaimStatus is the adjudication status of a claim.
type ClaimStatus string

const (
	ClaimSubmitted   ClaimStatus = "submitted"
	ClaimUnderReview ClaimStatus = "under_review"
	ClaimApproved    ClaimStatus = "approved"
	ClaimRejected    ClaimStatus = "rejected"
	ClaimPaid        ClaimStatus = "paid"
)

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimSubmitted:   {ClaimUnderReview, ClaimRejected},
	ClaimUnderReview: {ClaimApproved, ClaimRejected},
	ClaimApproved:    {ClaimPaid},
}

// CanMoveTo reports whether adjudication may move a claim from s to next.
func (s ClaimStatus) CanMoveTo(next ClaimStatus) bool {
	for _, allowed := range claimTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Claim is an incident report filed against a policy.
type Claim struct {
	ID           uuid.UUID
	ClaimNumber  string
	UserPhone    string
	PolicyID     uuid.UUID
	IncidentDate time.Time
	Location     string
	Description  string
	Evidence     []string
	Status       ClaimStatus
	ReviewNote   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
