package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hima/hima-service/internal/domain"
)

// MemoryRepository is a process-local Repository. It applies the same conditional guards as
// the Postgres implementation and backs local runs without DATABASE_URL.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[string]*domain.User
	quotes   map[uuid.UUID]*domain.Quote
	policies map[uuid.UUID]*domain.Policy
	claims   map[string]*domain.Claim

	activity    []domain.ActivityLogEntry
	activityIDs map[uuid.UUID]struct{}
	activityCap int
}

// DefaultMemoryActivityCap bounds the activity entries a MemoryRepository keeps.
const DefaultMemoryActivityCap = 10_000

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:      time.Now,
		users:    make(map[string]*domain.User),
		quotes:   make(map[uuid.UUID]*domain.Quote),
		policies: make(map[uuid.UUID]*domain.Policy),
		claims:   make(map[string]*domain.Claim),

		activityIDs: make(map[uuid.UUID]struct{}),
		activityCap: DefaultMemoryActivityCap,
	}
}

func copyUser(u *domain.User) *domain.User {
	c := *u
	c.ClaimDraft.Evidence = append([]string(nil), u.ClaimDraft.Evidence...)
	return &c
}

func copyPolicy(p *domain.Policy) *domain.Policy {
	c := *p
	return &c
}

func copyClaim(cl *domain.Claim) *domain.Claim {
	c := *cl
	c.Evidence = append([]string(nil), cl.Evidence...)
	return &c
}

func (r *MemoryRepository) FindUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phone]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (r *MemoryRepository) FindOrCreateUser(ctx context.Context, phone string, lang domain.Language) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phone]
	if !ok {
		now := r.now()
		u = &domain.User{
			Phone:     phone,
			KYCStatus: domain.KYCNone,
			State:     domain.StateNew,
			Language:  lang,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.users[phone] = u
	}
	return copyUser(u), nil
}

func (r *MemoryRepository) UpdateUser(ctx context.Context, phone string, p UpdateUserParams) error {
	if p.Empty() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phone]
	if !ok {
		return ErrUserNotFound
	}
	if p.State != nil {
		u.State = *p.State
	}
	if p.Language != nil {
		u.Language = *p.Language
	}
	if p.KYCStatus != nil {
		u.KYCStatus = *p.KYCStatus
	}
	if p.FullName != nil {
		u.KYC.FullName = *p.FullName
	}
	if p.IDNumber != nil {
		u.KYC.IDNumber = *p.IDNumber
	}
	if p.IDPhotoRef != nil {
		u.KYC.IDPhotoRef = *p.IDPhotoRef
	}
	if p.RegistrationNumber != nil {
		u.KYC.RegistrationNumber = *p.RegistrationNumber
	}
	if p.Vehicle != nil {
		u.Vehicle = *p.Vehicle
	}
	if p.ClaimDraft != nil {
		u.ClaimDraft = *p.ClaimDraft
		u.ClaimDraft.Evidence = append([]string(nil), p.ClaimDraft.Evidence...)
	}
	switch {
	case p.ClearPendingQuote:
		u.PendingQuoteID = nil
	case p.PendingQuoteID != nil:
		id := *p.PendingQuoteID
		u.PendingQuoteID = &id
	}
	switch {
	case p.ClearPendingPolicy:
		u.PendingPolicyID = nil
	case p.PendingPolicyID != nil:
		id := *p.PendingPolicyID
		u.PendingPolicyID = &id
	}
	u.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) SetUserWallet(ctx context.Context, phone, address, sealedKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phone]
	if !ok || u.WalletAddress != "" {
		return false, nil
	}
	for _, other := range r.users {
		if other.WalletAddress == address {
			return false, ErrDuplicateKey
		}
	}
	u.WalletAddress = address
	u.WalletKeySealed = sealedKey
	u.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) ReviewKYC(ctx context.Context, phone string, p ReviewKYCParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phone]
	if !ok || u.KYCStatus != domain.KYCPending {
		return false, nil
	}
	reviewer := p.ReviewedBy
	at := p.ReviewedAt
	u.KYCStatus = p.Decision
	u.KYCReviewedBy = &reviewer
	u.KYCReviewedAt = &at
	u.KYCRejectionReason = p.Reason
	u.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) ListUsersByKYCStatus(ctx context.Context, status domain.KYCStatus, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.User
	for _, u := range r.users {
		if u.KYCStatus == status {
			out = append(out, *copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateQuote(ctx context.Context, q *domain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.quotes[q.ID]; exists {
		return ErrDuplicateKey
	}
	q.CreatedAt = r.now()
	c := *q
	r.quotes[q.ID] = &c
	return nil
}

func (r *MemoryRepository) FindQuoteByID(ctx context.Context, id uuid.UUID) (*domain.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	c := *q
	return &c, nil
}

func (r *MemoryRepository) MarkQuoteConsumed(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok || q.Status != domain.QuoteOpen {
		return false, nil
	}
	q.Status = domain.QuoteConsumed
	return true, nil
}

func (r *MemoryRepository) DiscardQuote(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.quotes[id]; ok && q.Status == domain.QuoteOpen {
		q.Status = domain.QuoteDiscarded
	}
	return nil
}

func (r *MemoryRepository) DiscardExpiredQuotes(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, q := range r.quotes {
		if q.Status == domain.QuoteOpen && q.ExpiresAt.Before(now) {
			q.Status = domain.QuoteDiscarded
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.policies {
		if existing.PolicyNumber == p.PolicyNumber {
			return ErrDuplicateKey
		}
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.policies[p.ID] = copyPolicy(p)
	return nil
}

func (r *MemoryRepository) findPolicy(match func(*domain.Policy) bool, better func(a, b *domain.Policy) bool) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Policy
	for _, p := range r.policies {
		if !match(p) {
			continue
		}
		if found == nil || (better != nil && better(p, found)) {
			found = p
		}
	}
	if found == nil {
		return nil, ErrPolicyNotFound
	}
	return copyPolicy(found), nil
}

func (r *MemoryRepository) FindPolicyByID(ctx context.Context, id uuid.UUID) (*domain.Policy, error) {
	return r.findPolicy(func(p *domain.Policy) bool { return p.ID == id }, nil)
}

func (r *MemoryRepository) FindPolicyByNumber(ctx context.Context, number string) (*domain.Policy, error) {
	return r.findPolicy(func(p *domain.Policy) bool { return p.PolicyNumber == number }, nil)
}

func (r *MemoryRepository) FindPolicyByCorrelationToken(ctx context.Context, token string) (*domain.Policy, error) {
	return r.findPolicy(func(p *domain.Policy) bool {
		return p.CorrelationToken != nil && *p.CorrelationToken == token
	}, nil)
}

func (r *MemoryRepository) FindActivePolicyByUser(ctx context.Context, phone string) (*domain.Policy, error) {
	return r.findPolicy(
		func(p *domain.Policy) bool { return p.UserPhone == phone && p.PolicyStatus == domain.PolicyActive },
		func(a, b *domain.Policy) bool { return a.CoverageStart.After(*b.CoverageStart) },
	)
}

func (r *MemoryRepository) FindLatestPolicyByUser(ctx context.Context, phone string) (*domain.Policy, error) {
	return r.findPolicy(
		func(p *domain.Policy) bool { return p.UserPhone == phone },
		func(a, b *domain.Policy) bool { return a.CreatedAt.After(b.CreatedAt) },
	)
}

func (r *MemoryRepository) SetPolicyCorrelationToken(ctx context.Context, id uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.PolicyStatus != domain.PolicyDraft || p.PaymentStatus == domain.PaymentCompleted {
		return ErrPolicyNotFound
	}
	for _, other := range r.policies {
		if other.ID != id && other.CorrelationToken != nil && *other.CorrelationToken == token {
			return ErrDuplicateKey
		}
	}
	p.CorrelationToken = &token
	if p.PaymentStatus == domain.PaymentFailed {
		p.PaymentStatus = domain.PaymentPending
	}
	p.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) MarkPaymentCompleted(ctx context.Context, id uuid.UUID, paymentRef *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.PolicyStatus != domain.PolicyDraft || p.PaymentStatus == domain.PaymentCompleted {
		return false, nil
	}
	p.PaymentStatus = domain.PaymentCompleted
	if paymentRef != nil {
		ref := *paymentRef
		p.PaymentRef = &ref
	}
	p.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.PolicyStatus != domain.PolicyDraft || p.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	p.PaymentStatus = domain.PaymentFailed
	p.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) ClaimActivationAttempt(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.PolicyStatus != domain.PolicyDraft || p.PaymentStatus != domain.PaymentCompleted || p.ActivationAttemptedAt != nil {
		return false, nil
	}
	p.ActivationAttemptedAt = &at
	p.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) ActivatePolicy(ctx context.Context, id uuid.UUID, params ActivatePolicyParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.PolicyStatus != domain.PolicyDraft || p.PaymentStatus != domain.PaymentCompleted {
		return false, nil
	}
	onChainID, txHash := params.OnChainID, params.TxHash
	start, end := params.CoverageStart, params.CoverageEnd
	p.PolicyStatus = domain.PolicyActive
	p.OnChainID = &onChainID
	p.TxHash = &txHash
	p.CoverageStart = &start
	p.CoverageEnd = &end
	p.ActivationError = nil
	p.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) RecordActivationFailure(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[id]; ok && p.PolicyStatus == domain.PolicyDraft {
		p.ActivationError = &reason
		p.UpdatedAt = r.now()
	}
	return nil
}

func (r *MemoryRepository) ExpireLapsedPolicies(ctx context.Context, now time.Time) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Policy
	for _, p := range r.policies {
		if p.PolicyStatus == domain.PolicyActive && p.CoverageEnd != nil && p.CoverageEnd.Before(now) {
			p.PolicyStatus = domain.PolicyExpired
			p.UpdatedAt = r.now()
			out = append(out, *copyPolicy(p))
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListActivationLimbo(ctx context.Context, attemptedBefore time.Time) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Policy
	for _, p := range r.policies {
		if p.PolicyStatus == domain.PolicyDraft && p.PaymentStatus == domain.PaymentCompleted &&
			p.ActivationAttemptedAt != nil && p.ActivationAttemptedAt.Before(attemptedBefore) {
			out = append(out, *copyPolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivationAttemptedAt.Before(*out[j].ActivationAttemptedAt) })
	return out, nil
}

func (r *MemoryRepository) CreateClaim(ctx context.Context, c *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.claims[c.ClaimNumber]; exists {
		return ErrDuplicateKey
	}
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now
	r.claims[c.ClaimNumber] = copyClaim(c)
	return nil
}

func (r *MemoryRepository) FindClaimByNumber(ctx context.Context, number string) (*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[number]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return copyClaim(c), nil
}

func (r *MemoryRepository) UpdateClaimStatus(ctx context.Context, number string, from, to domain.ClaimStatus, note *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[number]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	if note != nil {
		n := *note
		c.ReviewNote = &n
	}
	c.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) InsertActivity(ctx context.Context, entry domain.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.activityIDs[entry.ID]; seen {
		return nil
	}
	r.activityIDs[entry.ID] = struct{}{}
	r.activity = append(r.activity, entry)

	// Trim the oldest tenth once the cap is exceeded so trimming stays amortized.
	if len(r.activity) > r.activityCap {
		drop := len(r.activity) - r.activityCap + r.activityCap/10
		for _, e := range r.activity[:drop] {
			delete(r.activityIDs, e.ID)
		}
		r.activity = append([]domain.ActivityLogEntry(nil), r.activity[drop:]...)
	}
	return nil
}

func (r *MemoryRepository) ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ActivityLogEntry
	for i := len(r.activity) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.activity[i]
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
