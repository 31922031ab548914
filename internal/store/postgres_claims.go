package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/hima/hima-service/internal/domain"
)

// CreateClaim inserts a submitted claim. A claim number collision returns ErrDuplicateKey.
func (r *PostgresRepository) CreateClaim(ctx context.Context, c *domain.Claim) error {
	evidence := c.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	query := `
		INSERT INTO claims (id, claim_number, user_phone, policy_id, incident_date, location, description, evidence, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		c.ID,
		c.ClaimNumber,
		c.UserPhone,
		c.PolicyID,
		c.IncidentDate,
		c.Location,
		c.Description,
		evidence,
		string(c.Status),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// FindClaimByNumber retrieves a claim by its human readable number.
func (r *PostgresRepository) FindClaimByNumber(ctx context.Context, claimNumber string) (*domain.Claim, error) {
	var c domain.Claim
	query := `
		SELECT id, claim_number, user_phone, policy_id, incident_date, location, description,
		       evidence, status, review_note, created_at, updated_at
		FROM claims WHERE claim_number = $1
	`
	err := r.db.QueryRow(ctx, query, claimNumber).Scan(
		&c.ID, &c.ClaimNumber, &c.UserPhone, &c.PolicyID, &c.IncidentDate, &c.Location,
		&c.Description, &c.Evidence, &c.Status, &c.ReviewNote, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpdateClaimStatus moves a claim from one status to another. It returns false when the claim
// is no longer in the from status.
func (r *PostgresRepository) UpdateClaimStatus(ctx context.Context, claimNumber string, from, to domain.ClaimStatus, note *string) (bool, error) {
	query := `
		UPDATE claims
		SET status = $1, review_note = COALESCE($2, review_note), updated_at = NOW()
		WHERE claim_number = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, string(to), note, claimNumber, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
