/**
 * @description
 * HTTP handlers for the back-office admin API: KYC review and claim adjudication.
 * Handlers only translate HTTP to service calls; every mutation goes through the
 * KYC and claim services so the conditional updates, chat notices and ADMIN
 * activity entries stay in one place.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
)

// KYCReviewer decides pending identity checks.
type KYCReviewer interface {
	Review(ctx context.Context, phone string, decision domain.KYCStatus, reviewer, reason string) error
	Pending(ctx context.Context, limit int) ([]domain.User, error)
}

// ClaimAdjudicator reads and moves claims through adjudication.
type ClaimAdjudicator interface {
	Get(ctx context.Context, number string) (*domain.Claim, error)
	UpdateStatus(ctx context.Context, number string, to domain.ClaimStatus, note, actor string) (*domain.Claim, error)
}

// AdminHandler holds the admin services.
type AdminHandler struct {
	kyc    KYCReviewer
	claims ClaimAdjudicator
	logger *zap.Logger
}

func NewAdminHandler(kyc KYCReviewer, claims ClaimAdjudicator, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{kyc: kyc, claims: claims, logger: logger.Named("admin")}
}

// ReviewKYCRequest is the body of POST /admin/users/{phone}/kyc.
type ReviewKYCRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// ClaimStatusRequest is the body of POST /admin/claims/{claimNumber}/status.
type ClaimStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// UserResponse is the admin view of a rider.
type UserResponse struct {
	Phone              string     `json:"phone"`
	KYCStatus          string     `json:"kyc_status"`
	FullName           string     `json:"full_name,omitempty"`
	IDNumber           string     `json:"id_number,omitempty"`
	IDPhotoRef         string     `json:"id_photo_ref,omitempty"`
	RegistrationNumber string     `json:"registration_number,omitempty"`
	Language           string     `json:"language"`
	State              string     `json:"state"`
	KYCReviewedBy      *string    `json:"kyc_reviewed_by,omitempty"`
	KYCReviewedAt      *time.Time `json:"kyc_reviewed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// ClaimResponse is the admin view of a claim.
type ClaimResponse struct {
	ClaimNumber  string    `json:"claim_number"`
	UserPhone    string    `json:"user_phone"`
	PolicyID     string    `json:"policy_id"`
	IncidentDate time.Time `json:"incident_date"`
	Location     string    `json:"location"`
	Description  string    `json:"description"`
	Evidence     []string  `json:"evidence"`
	Status       string    `json:"status"`
	ReviewNote   *string   `json:"review_note,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toUserResponse(u domain.User) UserResponse {
	return UserResponse{
		Phone:              u.Phone,
		KYCStatus:          string(u.KYCStatus),
		FullName:           u.KYC.FullName,
		IDNumber:           u.KYC.IDNumber,
		IDPhotoRef:         u.KYC.IDPhotoRef,
		RegistrationNumber: u.KYC.RegistrationNumber,
		Language:           string(u.Language),
		State:              string(u.State),
		KYCReviewedBy:      u.KYCReviewedBy,
		KYCReviewedAt:      u.KYCReviewedAt,
		CreatedAt:          u.CreatedAt,
	}
}

func toClaimResponse(c *domain.Claim) ClaimResponse {
	evidence := c.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return ClaimResponse{
		ClaimNumber:  c.ClaimNumber,
		UserPhone:    c.UserPhone,
		PolicyID:     c.PolicyID.String(),
		IncidentDate: c.IncidentDate,
		Location:     c.Location,
		Description:  c.Description,
		Evidence:     evidence,
		Status:       string(c.Status),
		ReviewNote:   c.ReviewNote,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (h *AdminHandler) handlePendingKYC(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	users, err := h.kyc.Pending(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "list pending kyc", err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) handleReviewKYC(w http.ResponseWriter, r *http.Request) {
	reviewer, _ := GetAdminSubject(r.Context())

	var req ReviewKYCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	phone := chi.URLParam(r, "phone")
	decision := domain.KYCStatus(strings.ToLower(strings.TrimSpace(req.Decision)))
	if err := h.kyc.Review(r.Context(), phone, decision, reviewer, req.Reason); err != nil {
		h.writeServiceError(w, "review kyc", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"phone":      phone,
		"kyc_status": string(decision),
	})
}

func (h *AdminHandler) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.claims.Get(r.Context(), chi.URLParam(r, "claimNumber"))
	if err != nil {
		h.writeServiceError(w, "get claim", err)
		return
	}
	respondWithJSON(w, http.StatusOK, toClaimResponse(claim))
}

func (h *AdminHandler) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetAdminSubject(r.Context())

	var req ClaimStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	to := domain.ClaimStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	claim, err := h.claims.UpdateStatus(r.Context(), chi.URLParam(r, "claimNumber"), to, strings.TrimSpace(req.Note), actor)
	if err != nil {
		h.writeServiceError(w, "update claim status", err)
		return
	}
	respondWithJSON(w, http.StatusOK, toClaimResponse(claim))
}

func (h *AdminHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case domain.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrKYCNotPending), errors.Is(err, domain.ErrIllegalClaimTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("admin request failed", zap.String("op", op), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
