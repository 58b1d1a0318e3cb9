package allocation

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/events"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/repository"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newTestManager(t *testing.T, maxAttempts int) (*Manager, *repository.MemoryRepository, *events.Bus) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	bus := events.NewBus(zaptest.NewLogger(t))
	m := NewManager(config.AllocationConfig{MaxAttempts: maxAttempts}, repo, bus, zaptest.NewLogger(t))
	return m, repo, bus
}

func seedLot(t *testing.T, repo *repository.MemoryRepository, total string, allowPartial bool) *model.Availability {
	t.Helper()
	a := &model.Availability{
		ID:                uuid.New(),
		PartnerID:         uuid.New(),
		CommodityID:       "cotton-shankar6",
		TotalQuantity:     d(total),
		AllowPartialOrder: allowPartial,
		Status:            model.AvailabilityStatusAvailable,
		RiskVerdict:       model.RiskVerdictPass,
		Visibility:        model.VisibilityPublic,
	}
	require.NoError(t, repo.CreateAvailability(context.Background(), a))
	return a
}

func request(availID uuid.UUID, qty string) Request {
	return Request{
		TokenID:        uuid.New(),
		RequirementID:  uuid.New(),
		AvailabilityID: availID,
		Quantity:       d(qty),
		PricePerUnit:   d("60500"),
		MinAcceptable:  d("100"),
		AllowPartial:   false,
	}
}

func TestReserveFullAllocation(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "500", false)

	result, err := m.Reserve(context.Background(), request(lot.ID, "150"))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationFull, result.Type)
	assert.True(t, result.AllocatedQuantity.Equal(d("150")))
	assert.True(t, result.RemainingQuantity.Equal(d("350")))
	assert.Equal(t, int64(1), result.VersionBefore)
	assert.Equal(t, int64(2), result.VersionAfter)

	stored, err := repo.GetAvailabilityByID(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReservedQuantity.Equal(d("150")))
	assert.True(t, stored.AvailableQuantity().Equal(d("350")))
	assert.Equal(t, model.AvailabilityStatusPartiallySold, stored.Status)
}

func TestReservePartialWhenShort(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "500", true)

	_, err := m.Reserve(context.Background(), request(lot.ID, "150"))
	require.NoError(t, err)

	// 350 remain; a request for 400 with partials allowed caps at 350.
	req := request(lot.ID, "400")
	req.AllowPartial = true
	result, err := m.Reserve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationPartial, result.Type)
	assert.True(t, result.AllocatedQuantity.Equal(d("350")))
	assert.True(t, result.RemainingQuantity.Equal(decimal.Zero))

	stored, err := repo.GetAvailabilityByID(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityStatusSold, stored.Status)
}

func TestReserveRefusesPartialBelowMinimum(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "500", true)

	_, err := m.Reserve(context.Background(), request(lot.ID, "450"))
	require.NoError(t, err)

	// Only 50 remain, below the acceptable minimum of 100.
	req := request(lot.ID, "200")
	req.AllowPartial = true
	_, err = m.Reserve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsAllocationConflict(err))
}

func TestReserveRefusesPartialWhenLotForbidsIt(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "300", false)

	req := request(lot.ID, "400")
	req.AllowPartial = true
	_, err := m.Reserve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsAllocationConflict(err))
}

func TestReserveRiskGate(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "500", false)

	cur, err := repo.GetAvailabilityByID(context.Background(), lot.ID)
	require.NoError(t, err)
	cur.RiskVerdict = model.RiskVerdictFail
	require.NoError(t, repo.UpdateAvailability(context.Background(), cur))

	_, err = m.Reserve(context.Background(), request(lot.ID, "100"))
	require.Error(t, err)
	assert.True(t, errors.IsRiskRejected(err))
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "500", false)

	_, err := m.Reserve(context.Background(), request(lot.ID, "0"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestConcurrentReservationsNeverOverAllocate(t *testing.T) {
	m, repo, _ := newTestManager(t, 10)
	lot := seedLot(t, repo, "500", false)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*model.AllocationResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Reserve(context.Background(), request(lot.ID, "150"))
		}(i)
	}
	wg.Wait()

	granted := decimal.Zero
	succeeded := 0
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			succeeded++
			granted = granted.Add(results[i].AllocatedQuantity)
		} else {
			assert.True(t, errors.IsAllocationConflict(errs[i]) || errors.IsInvalidTransition(errs[i]),
				"unexpected error kind: %v", errs[i])
		}
	}

	// 500 / 150 = at most 3 full reservations.
	assert.Equal(t, 3, succeeded)
	assert.True(t, granted.Equal(d("450")))

	stored, err := repo.GetAvailabilityByID(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.CheckQuantityInvariant())
	assert.True(t, stored.ReservedQuantity.Equal(d("450")))
}

func TestConfirmSaleAndRelease(t *testing.T) {
	m, repo, _ := newTestManager(t, 3)
	lot := seedLot(t, repo, "500", false)

	_, err := m.Reserve(context.Background(), request(lot.ID, "200"))
	require.NoError(t, err)

	require.NoError(t, m.ConfirmSale(context.Background(), lot.ID, d("150")))
	require.NoError(t, m.ReleaseReservation(context.Background(), lot.ID, d("50")))

	stored, err := repo.GetAvailabilityByID(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.SoldQuantity.Equal(d("150")))
	assert.True(t, stored.ReservedQuantity.Equal(decimal.Zero))
	assert.True(t, stored.AvailableQuantity().Equal(d("350")))

	// Confirming more than is reserved is a state violation, not a retry.
	err = m.ConfirmSale(context.Background(), lot.ID, d("100"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTransition(err))
}
