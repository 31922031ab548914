package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hima/hima-service/internal/domain"
)

const userColumns = `
	phone, kyc_status, full_name, id_number, id_photo_ref, registration_number,
	state, language, COALESCE(wallet_address, ''), COALESCE(wallet_key_sealed, ''),
	vehicle, claim_draft, pending_quote_id, pending_policy_id,
	kyc_reviewed_by, kyc_reviewed_at, kyc_rejection_reason, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		user       domain.User
		vehicle    []byte
		claimDraft []byte
	)
	err := row.Scan(
		&user.Phone,
		&user.KYCStatus,
		&user.KYC.FullName,
		&user.KYC.IDNumber,
		&user.KYC.IDPhotoRef,
		&user.KYC.RegistrationNumber,
		&user.State,
		&user.Language,
		&user.WalletAddress,
		&user.WalletKeySealed,
		&vehicle,
		&claimDraft,
		&user.PendingQuoteID,
		&user.PendingPolicyID,
		&user.KYCReviewedBy,
		&user.KYCReviewedAt,
		&user.KYCRejectionReason,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(vehicle, &user.Vehicle); err != nil {
		return nil, fmt.Errorf("decode vehicle draft: %w", err)
	}
	if err := fromJSON(claimDraft, &user.ClaimDraft); err != nil {
		return nil, fmt.Errorf("decode claim draft: %w", err)
	}
	return &user, nil
}

// FindUserByPhone retrieves a user by their chat contact handle.
func (r *PostgresRepository) FindUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// FindOrCreateUser returns the user for phone, inserting a NEW user on first contact.
func (r *PostgresRepository) FindOrCreateUser(ctx context.Context, phone string, lang domain.Language) (*domain.User, error) {
	query := `
		INSERT INTO users (phone, state, language, kyc_status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, phone, string(domain.StateNew), string(lang), string(domain.KYCNone)); err != nil {
		return nil, err
	}
	return r.FindUserByPhone(ctx, phone)
}

// UpdateUser applies a partial update of conversation-owned fields.
func (r *PostgresRepository) UpdateUser(ctx context.Context, phone string, params UpdateUserParams) error {
	if params.Empty() {
		return nil
	}
	vehicle, err := optionalJSON(params.Vehicle)
	if err != nil {
		return err
	}
	claimDraft, err := optionalJSON(params.ClaimDraft)
	if err != nil {
		return err
	}

	query := `
		UPDATE users
		SET
			state = COALESCE($1, state),
			language = COALESCE($2, language),
			kyc_status = COALESCE($3, kyc_status),
			full_name = COALESCE($4, full_name),
			id_number = COALESCE($5, id_number),
			id_photo_ref = COALESCE($6, id_photo_ref),
			registration_number = COALESCE($7, registration_number),
			vehicle = COALESCE($8::jsonb, vehicle),
			claim_draft = COALESCE($9::jsonb, claim_draft),
			pending_quote_id = CASE WHEN $12 THEN NULL ELSE COALESCE($10, pending_quote_id) END,
			pending_policy_id = CASE WHEN $13 THEN NULL ELSE COALESCE($11, pending_policy_id) END,
			updated_at = NOW()
		WHERE phone = $14
	`
	tag, err := r.db.Exec(ctx, query,
		optionalString(params.State),
		optionalString(params.Language),
		optionalString(params.KYCStatus),
		params.FullName,
		params.IDNumber,
		params.IDPhotoRef,
		params.RegistrationNumber,
		vehicle,
		claimDraft,
		params.PendingQuoteID,
		params.PendingPolicyID,
		params.ClearPendingQuote,
		params.ClearPendingPolicy,
		phone,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserWallet assigns a wallet once. It returns false when the user already has one.
func (r *PostgresRepository) SetUserWallet(ctx context.Context, phone, address, sealedKey string) (bool, error) {
	query := `
		UPDATE users
		SET wallet_address = $1, wallet_key_sealed = $2, updated_at = NOW()
		WHERE phone = $3 AND wallet_address IS NULL
	`
	tag, err := r.db.Exec(ctx, query, address, sealedKey, phone)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicateKey
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReviewKYC records an operator decision while KYC is still pending.
func (r *PostgresRepository) ReviewKYC(ctx context.Context, phone string, params ReviewKYCParams) (bool, error) {
	query := `
		UPDATE users
		SET kyc_status = $1,
			kyc_reviewed_by = $2,
			kyc_reviewed_at = $3,
			kyc_rejection_reason = $4,
			updated_at = NOW()
		WHERE phone = $5 AND kyc_status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, string(params.Decision), params.ReviewedBy, params.ReviewedAt, params.Reason, phone)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListUsersByKYCStatus returns users in the given KYC status, oldest first.
func (r *PostgresRepository) ListUsersByKYCStatus(ctx context.Context, status domain.KYCStatus, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE kyc_status = $1 ORDER BY updated_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}
