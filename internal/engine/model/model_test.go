package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func dp(v string) *decimal.Decimal {
	out := d(v)
	return &out
}

func TestQuantityRangeValidate(t *testing.T) {
	require.NoError(t, QuantityRange{Min: d("100"), Max: d("500")}.Validate())
	require.NoError(t, QuantityRange{Min: d("100"), Max: d("500"), Preferred: dp("300")}.Validate())

	assert.Error(t, QuantityRange{Min: d("0"), Max: d("500")}.Validate())
	assert.Error(t, QuantityRange{Min: d("500"), Max: d("100")}.Validate())
	assert.Error(t, QuantityRange{Min: d("100"), Max: d("500"), Preferred: dp("600")}.Validate())
	assert.Error(t, QuantityRange{Min: d("100"), Max: d("500"), Preferred: dp("50")}.Validate())
}

func TestAvailabilityDerivedQuantities(t *testing.T) {
	a := &Availability{
		TotalQuantity:    d("500"),
		ReservedQuantity: d("150"),
		SoldQuantity:     d("0"),
		Status:           AvailabilityStatusAvailable,
	}
	assert.True(t, a.AvailableQuantity().Equal(d("350")))
	assert.Equal(t, AvailabilityStatusPartiallySold, a.DeriveStatus())
	assert.True(t, a.CheckQuantityInvariant())

	a.SoldQuantity = d("350")
	assert.True(t, a.AvailableQuantity().Equal(d("0")))
	assert.Equal(t, AvailabilityStatusSold, a.DeriveStatus())

	a.SoldQuantity = d("400")
	assert.False(t, a.CheckQuantityInvariant())
}

func TestAvailabilityDeriveStatusTerminalSticks(t *testing.T) {
	a := &Availability{
		TotalQuantity: d("500"),
		Status:        AvailabilityStatusCancelled,
	}
	assert.Equal(t, AvailabilityStatusCancelled, a.DeriveStatus())

	a.Status = AvailabilityStatusExpired
	assert.Equal(t, AvailabilityStatusExpired, a.DeriveStatus())
}

func TestBestPriceFiltersByTerms(t *testing.T) {
	a := &Availability{
		PriceOptions: []PriceOption{
			{Terms: Terms{PaymentTermID: "advance", DeliveryTermID: "ex-gin"}, PricePerUnit: d("61000")},
			{Terms: Terms{PaymentTermID: "net30", DeliveryTermID: "delivered"}, PricePerUnit: d("60500")},
			{Terms: Terms{PaymentTermID: "net30", DeliveryTermID: "ex-gin"}, PricePerUnit: d("59800")},
		},
	}

	best, ok := a.BestPrice(nil, nil)
	require.True(t, ok)
	assert.True(t, best.PricePerUnit.Equal(d("59800")))

	best, ok = a.BestPrice([]string{"net30"}, []string{"delivered"})
	require.True(t, ok)
	assert.True(t, best.PricePerUnit.Equal(d("60500")))

	_, ok = a.BestPrice([]string{"lc"}, nil)
	assert.False(t, ok)
}

func TestDisclosureAdvances(t *testing.T) {
	assert.True(t, DisclosureAdvances(DisclosureMatched, DisclosureNegotiating))
	assert.True(t, DisclosureAdvances(DisclosureMatched, DisclosureTrade))
	assert.True(t, DisclosureAdvances(DisclosureNegotiating, DisclosureTrade))

	assert.False(t, DisclosureAdvances(DisclosureTrade, DisclosureNegotiating))
	assert.False(t, DisclosureAdvances(DisclosureNegotiating, DisclosureNegotiating))
	assert.False(t, DisclosureAdvances("", DisclosureTrade))
}

func TestRequirementRemainingQuantity(t *testing.T) {
	r := &Requirement{
		Quantity:          QuantityRange{Min: d("100"), Max: d("500")},
		PurchasedQuantity: d("150"),
	}
	assert.True(t, r.RemainingQuantity().Equal(d("350")))

	r.PurchasedQuantity = d("600")
	assert.True(t, r.RemainingQuantity().Equal(decimal.Zero))
}

func TestMatchTokenActive(t *testing.T) {
	now := time.Now()
	tok := &MatchToken{Status: TokenStatusActive, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, tok.Active(now))
	assert.False(t, tok.Active(now.Add(2*time.Hour)))

	tok.Status = TokenStatusConsumed
	assert.False(t, tok.Active(now))
}

func TestQualitySpecValidate(t *testing.T) {
	cotton := &QualitySpec{
		Category: QualityCategoryCotton,
		Cotton: &CottonQuality{
			StapleLengthMM: d("29"),
			Micronaire:     d("4.2"),
			TrashPercent:   d("3"),
		},
	}
	require.NoError(t, cotton.Validate())

	params := cotton.Parameters()
	assert.True(t, params[ParamStapleLengthMM].Equal(d("29")))
	assert.Len(t, params, 3)

	outOfBounds := &QualitySpec{
		Category: QualityCategoryCotton,
		Cotton:   &CottonQuality{StapleLengthMM: d("75"), Micronaire: d("4"), TrashPercent: d("3")},
	}
	assert.Error(t, outOfBounds.Validate())

	mixed := &QualitySpec{
		Category: QualityCategoryCotton,
		Cotton:   &CottonQuality{StapleLengthMM: d("29"), Micronaire: d("4"), TrashPercent: d("3")},
		Grain:    &GrainQuality{},
	}
	assert.Error(t, mixed.Validate())

	generic := &QualitySpec{
		Category: QualityCategoryGeneric,
		Generic:  map[string]decimal.Decimal{"oil_content": d("18")},
	}
	require.NoError(t, generic.Validate())

	assert.Error(t, (&QualitySpec{Category: "FRUIT"}).Validate())
}

func TestQualityWindow(t *testing.T) {
	w := QualityWindow{Parameter: ParamStapleLengthMM, Min: d("28"), Max: d("30")}
	require.NoError(t, w.Validate())
	assert.True(t, w.Satisfied(d("29")))
	assert.True(t, w.Satisfied(d("28")))
	assert.True(t, w.Satisfied(d("30")))
	assert.False(t, w.Satisfied(d("27.9")))

	assert.Error(t, QualityWindow{Parameter: "", Min: d("1"), Max: d("2")}.Validate())
	assert.Error(t, QualityWindow{Parameter: "x", Min: d("3"), Max: d("2")}.Validate())
	assert.Error(t, QualityWindow{Parameter: "x", Min: d("1"), Max: d("3"), Preferred: dp("5")}.Validate())
}

func TestDeliveryWindowContains(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	w := DeliveryWindow{From: from, To: to}

	assert.True(t, w.Contains(from))
	assert.True(t, w.Contains(to))
	assert.True(t, w.Contains(from.AddDate(0, 0, 10)))
	assert.False(t, w.Contains(from.AddDate(0, 0, -1)))
	assert.False(t, w.Contains(to.AddDate(0, 0, 1)))
}
