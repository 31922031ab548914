/**
 * @description
 * Premium pricing. Price is a pure function of the vehicle value, the coverage type and the
 * rate table so a displayed quote can be re-derived and compared at acceptance.
 */
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hima/hima-service/internal/domain"
)

const (
	minVehicleValue = 10_000
	maxVehicleValue = 5_000_000
)

// DefaultRateTable is the product catalogue for currency.
func DefaultRateTable(currency string) domain.RateTable {
	return domain.RateTable{
		domain.CoverageThirdParty: {
			Code:         "MOTO-TP-12M",
			Coverage:     domain.CoverageThirdParty,
			Name:         "Third Party",
			RatePercent:  decimal.RequireFromString("3.5"),
			MinPremium:   150_000,
			DurationDays: 365,
			Currency:     currency,
		},
		domain.CoverageComprehensive: {
			Code:         "MOTO-COMP-12M",
			Coverage:     domain.CoverageComprehensive,
			Name:         "Comprehensive",
			RatePercent:  decimal.RequireFromString("6.5"),
			MinPremium:   300_000,
			DurationDays: 365,
			Currency:     currency,
		},
	}
}

// Price returns the premium in minor units for a vehicle valued at valueMinor. The rate is
// applied with decimal arithmetic, rounded half-up to whole minor units and floored at the
// product minimum.
func Price(valueMinor int64, coverage domain.CoverageType, rates domain.RateTable) (int64, domain.Product, error) {
	product, ok := rates[coverage]
	if !ok {
		return 0, domain.Product{}, &domain.ValidationError{Field: "coverage", Reason: fmt.Sprintf("no product for %q", coverage)}
	}
	if valueMinor <= 0 {
		return 0, product, &domain.ValidationError{Field: "value", Reason: "must be positive"}
	}

	premium := decimal.NewFromInt(valueMinor).
		Mul(product.RatePercent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	if premium < product.MinPremium {
		premium = product.MinPremium
	}
	return premium, product, nil
}

// QuoteEngine builds time-bounded quotes from the rate table.
type QuoteEngine struct {
	rates domain.RateTable
	ttl   time.Duration
	now   func() time.Time
}

func NewQuoteEngine(rates domain.RateTable, ttl time.Duration) *QuoteEngine {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &QuoteEngine{rates: rates, ttl: ttl, now: time.Now}
}

// Rates exposes the table used for pricing.
func (e *QuoteEngine) Rates() domain.RateTable {
	return e.rates
}

// Quote prices a vehicle and returns an open quote that expires after the configured TTL.
func (e *QuoteEngine) Quote(phone string, vehicle domain.VehicleDraft, coverage domain.CoverageType) (*domain.Quote, error) {
	premium, product, err := Price(vehicle.ValueMinor, coverage, e.rates)
	if err != nil {
		return nil, err
	}
	return &domain.Quote{
		ID:           newID(),
		UserPhone:    phone,
		Vehicle:      vehicle,
		Coverage:     coverage,
		ProductCode:  product.Code,
		PremiumMinor: premium,
		Currency:     product.Currency,
		DurationDays: product.DurationDays,
		Status:       domain.QuoteOpen,
		ExpiresAt:    e.now().Add(e.ttl),
	}, nil
}

// Revalidate checks a stored quote at acceptance: it must be open, unexpired at now and
// priced exactly as the rate table prices it today.
func (e *QuoteEngine) Revalidate(q *domain.Quote, now time.Time) error {
	if q.Status != domain.QuoteOpen {
		return &domain.NotFoundError{Resource: "quote", Key: q.ID.String()}
	}
	if q.ExpiredAt(now) {
		return &domain.ExpiredError{Resource: "quote", Key: q.ID.String(), ExpiredAt: q.ExpiresAt}
	}
	premium, _, err := Price(q.Vehicle.ValueMinor, q.Coverage, e.rates)
	if err != nil {
		return err
	}
	if premium != q.PremiumMinor {
		return &domain.ExpiredError{Resource: "quote", Key: q.ID.String(), ExpiredAt: now}
	}
	return nil
}

// ParseCoverage accepts the coverage code, its menu number or its button id.
func ParseCoverage(input string) (domain.CoverageType, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "third_party", "third party", "tp":
		return domain.CoverageThirdParty, true
	case "2", "comprehensive", "comp":
		return domain.CoverageComprehensive, true
	}
	return "", false
}

// FormatMoney renders minor units as "KES 3,250.00".
func FormatMoney(minor int64, currency string) string {
	fixed := decimal.New(minor, -2).StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s %s%s.%s", currency, sign, b.String(), frac)
}
