package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hima/hima-service/internal/domain"
)

// CreateQuote inserts an open quote.
func (r *PostgresRepository) CreateQuote(ctx context.Context, quote *domain.Quote) error {
	vehicle, err := toJSON(quote.Vehicle)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO quotes (id, user_phone, vehicle, coverage, product_code, premium_minor, currency, duration_days, status, expires_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		quote.ID,
		quote.UserPhone,
		vehicle,
		string(quote.Coverage),
		quote.ProductCode,
		quote.PremiumMinor,
		quote.Currency,
		quote.DurationDays,
		string(quote.Status),
		quote.ExpiresAt,
	).Scan(&quote.CreatedAt)
}

// FindQuoteByID retrieves a quote by id.
func (r *PostgresRepository) FindQuoteByID(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	var (
		quote   domain.Quote
		vehicle []byte
	)
	query := `
		SELECT id, user_phone, vehicle, coverage, product_code, premium_minor, currency,
		       duration_days, status, expires_at, created_at
		FROM quotes WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&quote.ID, &quote.UserPhone, &vehicle, &quote.Coverage, &quote.ProductCode,
		&quote.PremiumMinor, &quote.Currency, &quote.DurationDays, &quote.Status,
		&quote.ExpiresAt, &quote.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	if err := fromJSON(vehicle, &quote.Vehicle); err != nil {
		return nil, fmt.Errorf("decode quote vehicle: %w", err)
	}
	return &quote, nil
}

// MarkQuoteConsumed moves an open quote to consumed. It returns false if the quote was not open.
func (r *PostgresRepository) MarkQuoteConsumed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE quotes SET status = 'consumed' WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DiscardQuote marks an open quote as discarded.
func (r *PostgresRepository) DiscardQuote(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE quotes SET status = 'discarded' WHERE id = $1 AND status = 'open'`, id)
	return err
}

// DiscardExpiredQuotes discards every open quote past its expiry.
func (r *PostgresRepository) DiscardExpiredQuotes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE quotes SET status = 'discarded' WHERE status = 'open' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const policyColumns = `
	id, policy_number, user_phone, product_code, quote_id, coverage, vehicle_ref,
	premium_minor, currency, duration_days, coverage_start, coverage_end,
	payment_status, policy_status, correlation_token, payment_ref, on_chain_id, tx_hash,
	activation_attempted_at, activation_error, created_at, updated_at`

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var p domain.Policy
	err := row.Scan(
		&p.ID,
		&p.PolicyNumber,
		&p.UserPhone,
		&p.ProductCode,
		&p.QuoteID,
		&p.Coverage,
		&p.VehicleRef,
		&p.PremiumMinor,
		&p.Currency,
		&p.DurationDays,
		&p.CoverageStart,
		&p.CoverageEnd,
		&p.PaymentStatus,
		&p.PolicyStatus,
		&p.CorrelationToken,
		&p.PaymentRef,
		&p.OnChainID,
		&p.TxHash,
		&p.ActivationAttemptedAt,
		&p.ActivationError,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) findPolicy(ctx context.Context, where string, arg any) (*domain.Policy, error) {
	p, err := scanPolicy(r.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) listPolicies(ctx context.Context, query string, args ...any) ([]domain.Policy, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreatePolicy inserts a draft policy. A policy number collision returns ErrDuplicateKey.
func (r *PostgresRepository) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	query := `
		INSERT INTO policies (
			id, policy_number, user_phone, product_code, quote_id, coverage, vehicle_ref,
			premium_minor, currency, duration_days, payment_status, policy_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		p.ID,
		p.PolicyNumber,
		p.UserPhone,
		p.ProductCode,
		p.QuoteID,
		string(p.Coverage),
		p.VehicleRef,
		p.PremiumMinor,
		p.Currency,
		p.DurationDays,
		string(p.PaymentStatus),
		string(p.PolicyStatus),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindPolicyByID(ctx context.Context, id uuid.UUID) (*domain.Policy, error) {
	return r.findPolicy(ctx, "id = $1", id)
}

func (r *PostgresRepository) FindPolicyByNumber(ctx context.Context, policyNumber string) (*domain.Policy, error) {
	return r.findPolicy(ctx, "policy_number = $1", policyNumber)
}

func (r *PostgresRepository) FindPolicyByCorrelationToken(ctx context.Context, token string) (*domain.Policy, error) {
	return r.findPolicy(ctx, "correlation_token = $1", token)
}

// FindActivePolicyByUser returns the user's most recently activated policy.
func (r *PostgresRepository) FindActivePolicyByUser(ctx context.Context, phone string) (*domain.Policy, error) {
	return r.findPolicy(ctx, "user_phone = $1 AND policy_status = 'active' ORDER BY coverage_start DESC LIMIT 1", phone)
}

// FindLatestPolicyByUser returns the user's most recently created policy in any status.
func (r *PostgresRepository) FindLatestPolicyByUser(ctx context.Context, phone string) (*domain.Policy, error) {
	return r.findPolicy(ctx, "user_phone = $1 ORDER BY created_at DESC LIMIT 1", phone)
}

// SetPolicyCorrelationToken stores the gateway correlation token and clears a previous failure.
func (r *PostgresRepository) SetPolicyCorrelationToken(ctx context.Context, id uuid.UUID, token string) error {
	query := `
		UPDATE policies
		SET correlation_token = $1,
			payment_status = CASE WHEN payment_status = 'failed' THEN 'pending' ELSE payment_status END,
			updated_at = NOW()
		WHERE id = $2 AND policy_status = 'draft' AND payment_status <> 'completed'
	`
	tag, err := r.db.Exec(ctx, query, token, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// MarkPaymentCompleted records settlement. It returns false when payment was already completed
// or the policy is no longer a draft.
func (r *PostgresRepository) MarkPaymentCompleted(ctx context.Context, id uuid.UUID, paymentRef *string) (bool, error) {
	query := `
		UPDATE policies
		SET payment_status = 'completed', payment_ref = COALESCE($1, payment_ref), updated_at = NOW()
		WHERE id = $2 AND policy_status = 'draft' AND payment_status <> 'completed'
	`
	tag, err := r.db.Exec(ctx, query, paymentRef, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPaymentFailed records a failed payment unless it already completed.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE policies
		SET payment_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND policy_status = 'draft' AND payment_status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimActivationAttempt reserves the single chain activation attempt for a paid draft policy.
func (r *PostgresRepository) ClaimActivationAttempt(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE policies
		SET activation_attempted_at = $1, updated_at = NOW()
		WHERE id = $2
		  AND policy_status = 'draft'
		  AND payment_status = 'completed'
		  AND activation_attempted_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ActivatePolicy records the chain confirmation and opens the coverage window.
func (r *PostgresRepository) ActivatePolicy(ctx context.Context, id uuid.UUID, params ActivatePolicyParams) (bool, error) {
	query := `
		UPDATE policies
		SET policy_status = 'active',
			on_chain_id = $1,
			tx_hash = $2,
			coverage_start = $3,
			coverage_end = $4,
			activation_error = NULL,
			updated_at = NOW()
		WHERE id = $5 AND policy_status = 'draft' AND payment_status = 'completed'
	`
	tag, err := r.db.Exec(ctx, query, params.OnChainID, params.TxHash, params.CoverageStart, params.CoverageEnd, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordActivationFailure stores the chain error on a paid draft policy.
func (r *PostgresRepository) RecordActivationFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.Exec(ctx, `UPDATE policies SET activation_error = $1, updated_at = NOW() WHERE id = $2 AND policy_status = 'draft'`, reason, id)
	return err
}

// ExpireLapsedPolicies moves active policies past their coverage end to expired and returns them.
func (r *PostgresRepository) ExpireLapsedPolicies(ctx context.Context, now time.Time) ([]domain.Policy, error) {
	query := `
		UPDATE policies
		SET policy_status = 'expired', updated_at = NOW()
		WHERE policy_status = 'active' AND coverage_end < $1
		RETURNING ` + policyColumns
	return r.listPolicies(ctx, query, now)
}

// ListActivationLimbo returns paid draft policies whose activation attempt failed or never finished.
func (r *PostgresRepository) ListActivationLimbo(ctx context.Context, attemptedBefore time.Time) ([]domain.Policy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM policies
		WHERE policy_status = 'draft'
		  AND payment_status = 'completed'
		  AND activation_attempted_at IS NOT NULL
		  AND activation_attempted_at < $1
		ORDER BY activation_attempted_at ASC
	`
	return r.listPolicies(ctx, query, attemptedBefore)
}
