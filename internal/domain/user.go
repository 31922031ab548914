/**
 * @description
 * Domain models for chat users: KYC status, captured KYC fields, the conversation
 * state tag and the draft data collected while a rider walks through the quote and
 * claim flows.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// KYCStatus is the identity verification status of a user.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// Language is a supported conversation language.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageSwahili Language = "sw"
)

// ParseLanguage returns the language for a code, defaulting to English.
func ParseLanguage(code string) Language {
	if Language(code) == LanguageSwahili {
		return LanguageSwahili
	}
	return LanguageEnglish
}

// KYCData is the identity payload captured by the bot.
type KYCData struct {
	FullName           string `json:"full_name"`
	IDNumber           string `json:"id_number"`
	IDPhotoRef         string `json:"id_photo_ref"`
	RegistrationNumber string `json:"registration_number"`
}

// VehicleDraft holds the motorcycle details collected before quoting.
type VehicleDraft struct {
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	Year         int    `json:"year,omitempty"`
	Registration string `json:"registration,omitempty"`
	ValueMinor   int64  `json:"value_minor,omitempty"`
}

// Ref is a short human readable vehicle reference used on-chain and in messages.
func (v VehicleDraft) Ref() string {
	if v.Registration != "" {
		return v.Registration
	}
	return v.Make + " " + v.Model
}

// ClaimDraft holds incident details collected during the claim sub-flow.
type ClaimDraft struct {
	IncidentDate time.Time `json:"incident_date,omitempty"`
	Location     string    `json:"location,omitempty"`
	Description  string    `json:"description,omitempty"`
	Evidence     []string  `json:"evidence,omitempty"`
}

// User is a rider identified by their chat contact handle (phone number).
type User struct {
	Phone              string
	KYCStatus          KYCStatus
	KYC                KYCData
	State              ConversationState
	Language           Language
	WalletAddress      string
	WalletKeySealed    string
	Vehicle            VehicleDraft
	ClaimDraft         ClaimDraft
	PendingQuoteID     *uuid.UUID
	PendingPolicyID    *uuid.UUID
	KYCReviewedBy      *string
	KYCReviewedAt      *time.Time
	KYCRejectionReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasWallet reports whether a wallet has already been assigned.
func (u *User) HasWallet() bool {
	return u.WalletAddress != ""
}
