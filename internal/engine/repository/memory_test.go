package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func seedAvailability(t *testing.T, repo model.Repository) *model.Availability {
	t.Helper()
	a := &model.Availability{
		ID:            uuid.New(),
		PartnerID:     uuid.New(),
		CommodityID:   "cotton-shankar6",
		TotalQuantity: d("500"),
		Status:        model.AvailabilityStatusAvailable,
		RiskVerdict:   model.RiskVerdictPass,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, repo.CreateAvailability(context.Background(), a))
	return a
}

func TestMemoryCASHappyPath(t *testing.T) {
	repo := NewMemoryRepository()
	a := seedAvailability(t, repo)
	require.Equal(t, int64(1), a.Version)

	updated, err := repo.CompareAndSwapAvailability(context.Background(), a.ID, 1, func(cur *model.Availability) error {
		cur.ReservedQuantity = cur.ReservedQuantity.Add(d("150"))
		cur.Status = cur.DeriveStatus()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.True(t, updated.ReservedQuantity.Equal(d("150")))
	assert.Equal(t, model.AvailabilityStatusPartiallySold, updated.Status)
}

func TestMemoryCASVersionMismatch(t *testing.T) {
	repo := NewMemoryRepository()
	a := seedAvailability(t, repo)

	_, err := repo.CompareAndSwapAvailability(context.Background(), a.ID, 1, func(cur *model.Availability) error {
		cur.ReservedQuantity = d("100")
		return nil
	})
	require.NoError(t, err)

	// Stale expected version writes nothing.
	_, err = repo.CompareAndSwapAvailability(context.Background(), a.ID, 1, func(cur *model.Availability) error {
		cur.ReservedQuantity = d("400")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsAllocationConflict(err))

	stored, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReservedQuantity.Equal(d("100")))
	assert.Equal(t, int64(2), stored.Version)
}

func TestMemoryCASRejectsInvariantViolation(t *testing.T) {
	repo := NewMemoryRepository()
	a := seedAvailability(t, repo)

	_, err := repo.CompareAndSwapAvailability(context.Background(), a.ID, 1, func(cur *model.Availability) error {
		cur.ReservedQuantity = d("600")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsAllocationConflict(err))

	stored, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReservedQuantity.Equal(decimal.Zero))
	assert.Equal(t, int64(1), stored.Version)
}

func TestMemoryUpdateAvailabilityPreservesVersion(t *testing.T) {
	repo := NewMemoryRepository()
	a := seedAvailability(t, repo)

	_, err := repo.CompareAndSwapAvailability(context.Background(), a.ID, 1, func(cur *model.Availability) error {
		cur.ReservedQuantity = d("50")
		return nil
	})
	require.NoError(t, err)

	// A non-quantity update built from a stale read must not roll the
	// version back.
	stale := *a
	stale.Visibility = model.VisibilityPrivate
	require.NoError(t, repo.UpdateAvailability(context.Background(), &stale))

	stored, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, model.VisibilityPrivate, stored.Visibility)
}

func TestMemoryCopySemantics(t *testing.T) {
	repo := NewMemoryRepository()
	a := seedAvailability(t, repo)

	got, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	got.TotalQuantity = d("1")

	again, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, again.TotalQuantity.Equal(d("500")))
}

func TestMemoryNegotiationOnePerToken(t *testing.T) {
	repo := NewMemoryRepository()
	tokenID := uuid.New()

	first := &model.Negotiation{ID: uuid.New(), TokenID: tokenID, Status: model.NegotiationStatusInitiated}
	require.NoError(t, repo.CreateNegotiation(context.Background(), first))

	second := &model.Negotiation{ID: uuid.New(), TokenID: tokenID, Status: model.NegotiationStatusInitiated}
	err := repo.CreateNegotiation(context.Background(), second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTransition(err))

	got, err := repo.GetNegotiationByToken(context.Background(), tokenID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestMemoryNegotiationRoundCAS(t *testing.T) {
	repo := NewMemoryRepository()
	n := &model.Negotiation{ID: uuid.New(), TokenID: uuid.New(), Round: 0}
	require.NoError(t, repo.CreateNegotiation(context.Background(), n))

	n.Round = 1
	require.NoError(t, repo.UpdateNegotiationCAS(context.Background(), n, 0))

	stale := *n
	stale.Round = 1
	err := repo.UpdateNegotiationCAS(context.Background(), &stale, 0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestMemoryOffersSortedByRound(t *testing.T) {
	repo := NewMemoryRepository()
	negID := uuid.New()

	for _, round := range []int{2, 1, 3} {
		require.NoError(t, repo.AppendOffer(context.Background(), &model.NegotiationOffer{
			ID:            uuid.New(),
			NegotiationID: negID,
			Round:         round,
		}))
	}

	offers, err := repo.ListOffers(context.Background(), negID)
	require.NoError(t, err)
	require.Len(t, offers, 3)
	for i, o := range offers {
		assert.Equal(t, i+1, o.Round)
	}
}

func TestMemoryPartnerDayListing(t *testing.T) {
	repo := NewMemoryRepository()
	partnerID := uuid.New()
	today := time.Now()

	current := &model.Requirement{ID: uuid.New(), PartnerID: partnerID, CreatedAt: today}
	old := &model.Requirement{ID: uuid.New(), PartnerID: partnerID, CreatedAt: today.AddDate(0, 0, -2)}
	other := &model.Requirement{ID: uuid.New(), PartnerID: uuid.New(), CreatedAt: today}
	for _, r := range []*model.Requirement{current, old, other} {
		require.NoError(t, repo.CreateRequirement(context.Background(), r))
	}

	got, err := repo.ListRequirementsByPartnerOnDay(context.Background(), partnerID, today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, current.ID, got[0].ID)
}

func TestMemoryTokenByPairIgnoresDeadTokens(t *testing.T) {
	repo := NewMemoryRepository()
	reqID, availID := uuid.New(), uuid.New()

	tok := &model.MatchToken{
		ID:             uuid.New(),
		Code:           uuid.NewString(),
		RequirementID:  reqID,
		AvailabilityID: availID,
		Status:         model.TokenStatusActive,
	}
	require.NoError(t, repo.CreateToken(context.Background(), tok))

	got, err := repo.GetTokenByPair(context.Background(), reqID, availID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	// Once the token is expired the pair no longer carries one; a fresh
	// token for the same pair is then the one the lookup returns.
	tok.Status = model.TokenStatusExpired
	require.NoError(t, repo.UpdateToken(context.Background(), tok))
	_, err = repo.GetTokenByPair(context.Background(), reqID, availID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	fresh := &model.MatchToken{
		ID:             uuid.New(),
		Code:           uuid.NewString(),
		RequirementID:  reqID,
		AvailabilityID: availID,
		Status:         model.TokenStatusActive,
	}
	require.NoError(t, repo.CreateToken(context.Background(), fresh))
	got, err = repo.GetTokenByPair(context.Background(), reqID, availID)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestMemoryAppendOfferOnePerRound(t *testing.T) {
	repo := NewMemoryRepository()
	negID := uuid.New()

	require.NoError(t, repo.AppendOffer(context.Background(), &model.NegotiationOffer{
		ID:            uuid.New(),
		NegotiationID: negID,
		Round:         1,
	}))

	err := repo.AppendOffer(context.Background(), &model.NegotiationOffer{
		ID:            uuid.New(),
		NegotiationID: negID,
		Round:         1,
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTransition(err))

	offers, err := repo.ListOffers(context.Background(), negID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestMemoryCopiesDoNotShareSlices(t *testing.T) {
	repo := NewMemoryRepository()

	req := &model.Requirement{
		ID:             uuid.New(),
		PartnerID:      uuid.New(),
		CommodityID:    "cotton-shankar6",
		PaymentTermIDs: []string{"net30"},
		Quality: []model.QualityWindow{
			{Parameter: model.ParamStapleLengthMM, Min: d("28"), Max: d("30")},
		},
		Status:    model.RequirementStatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.CreateRequirement(context.Background(), req))

	got, err := repo.GetRequirementByID(context.Background(), req.ID)
	require.NoError(t, err)
	got.PaymentTermIDs[0] = "tampered"
	got.Quality[0].Min = d("0")

	again, err := repo.GetRequirementByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "net30", again.PaymentTermIDs[0])
	assert.True(t, again.Quality[0].Min.Equal(d("28")))

	// The caller's input slice is equally isolated from the store.
	req.PaymentTermIDs[0] = "tampered"
	again, err = repo.GetRequirementByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "net30", again.PaymentTermIDs[0])

	a := seedAvailability(t, repo)
	a.PriceOptions = []model.PriceOption{{PricePerUnit: d("60500")}}
	require.NoError(t, repo.UpdateAvailability(context.Background(), a))

	gotA, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	gotA.PriceOptions[0].PricePerUnit = d("1")

	againA, err := repo.GetAvailabilityByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, againA.PriceOptions[0].PricePerUnit.Equal(d("60500")))
}

func TestMemoryExpiredListingsHonorLimit(t *testing.T) {
	repo := NewMemoryRepository()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.CreateToken(context.Background(), &model.MatchToken{
			ID:        uuid.New(),
			Code:      uuid.NewString(),
			Status:    model.TokenStatusActive,
			ExpiresAt: time.Now().Add(-time.Minute),
		}))
	}

	got, err := repo.ListExpiredTokens(context.Background(), time.Now(), 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
