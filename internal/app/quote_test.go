package app

import (
	"strings"
	"testing"
	"time"

	"github.com/hima/hima-service/internal/domain"
)

func TestPrice(t *testing.T) {
	rates := DefaultRateTable("KES")
	cases := []struct {
		name     string
		value    int64
		coverage domain.CoverageType
		want     int64
	}{
		{"comprehensive above minimum", 5_000_000, domain.CoverageComprehensive, 325_000},
		{"comprehensive floored at minimum", 2_000_000, domain.CoverageComprehensive, 300_000},
		{"third party above minimum", 10_000_000, domain.CoverageThirdParty, 350_000},
		{"third party floored at minimum", 1_000_000, domain.CoverageThirdParty, 150_000},
		{"rounds down below half", 10_000_010, domain.CoverageThirdParty, 350_000},
		{"rounds up past half", 10_000_015, domain.CoverageThirdParty, 350_001},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, product, err := Price(tc.value, tc.coverage, rates)
			if err != nil {
				t.Fatalf("price: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
			if product.Coverage != tc.coverage {
				t.Fatalf("unexpected product %+v", product)
			}
		})
	}

	if _, _, err := Price(0, domain.CoverageThirdParty, rates); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for zero value, got %v", err)
	}
	if _, _, err := Price(1_000_000, "fleet", rates); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for unknown coverage, got %v", err)
	}
}

func TestQuoteEngine_Revalidate(t *testing.T) {
	engine := NewQuoteEngine(DefaultRateTable("KES"), 30*time.Minute)
	engine.now = func() time.Time { return fixedNow }

	q, err := engine.Quote(rider, domain.VehicleDraft{Make: "Honda", ValueMinor: 5_000_000}, domain.CoverageComprehensive)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.ExpiresAt.Equal(fixedNow.Add(30*time.Minute)) || q.Status != domain.QuoteOpen || q.ProductCode != "MOTO-COMP-12M" {
		t.Fatalf("unexpected quote %+v", q)
	}

	if err := engine.Revalidate(q, fixedNow.Add(29*time.Minute)); err != nil {
		t.Fatalf("expected valid quote, got %v", err)
	}
	if err := engine.Revalidate(q, fixedNow.Add(31*time.Minute)); !domain.IsExpired(err) {
		t.Fatalf("expected expired error, got %v", err)
	}

	tampered := *q
	tampered.PremiumMinor = 1
	if err := engine.Revalidate(&tampered, fixedNow); !domain.IsExpired(err) {
		t.Fatalf("expected price mismatch to be treated as expired, got %v", err)
	}

	consumed := *q
	consumed.Status = domain.QuoteConsumed
	if err := engine.Revalidate(&consumed, fixedNow); !domain.IsNotFound(err) {
		t.Fatalf("expected consumed quote to be not found, got %v", err)
	}
}

func TestParseCoverage(t *testing.T) {
	for in, want := range map[string]domain.CoverageType{
		"1":             domain.CoverageThirdParty,
		" TP ":          domain.CoverageThirdParty,
		"2":             domain.CoverageComprehensive,
		"Comprehensive": domain.CoverageComprehensive,
	} {
		got, ok := ParseCoverage(in)
		if !ok || got != want {
			t.Fatalf("ParseCoverage(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseCoverage("3"); ok {
		t.Fatalf("expected 3 to be rejected")
	}
}

func TestFormatMoney(t *testing.T) {
	for minor, want := range map[int64]string{
		325_000:     "KES 3,250.00",
		99:          "KES 0.99",
		123_456_789: "KES 1,234,567.89",
		-150:        "KES -1.50",
	} {
		if got := FormatMoney(minor, "KES"); got != want {
			t.Fatalf("FormatMoney(%d) = %q, want %q", minor, got, want)
		}
	}
}

func TestReferenceNumbers(t *testing.T) {
	number := newPolicyNumber(fixedNow)
	if !strings.HasPrefix(number, "HIMA-240501-") || len(number) != len("HIMA-240501-ABCDEF") {
		t.Fatalf("unexpected policy number %q", number)
	}
	if strings.ToUpper(number) != number {
		t.Fatalf("expected upper case reference, got %q", number)
	}
	if claim := newClaimNumber(fixedNow); !strings.HasPrefix(claim, "CLM-240501-") {
		t.Fatalf("unexpected claim number %q", claim)
	}
}
