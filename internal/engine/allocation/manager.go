// Package allocation atomically converts available lot quantity into
// reserved (and later sold) quantity against an accepted match. The only
// guard is the compare-and-swap-on-version protocol; no lock spans the
// scoring step, so two concurrent acceptances can race but never jointly
// over-allocate.
package allocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/events"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// Request is one allocation attempt against a match.
type Request struct {
	TokenID        uuid.UUID
	RequirementID  uuid.UUID
	AvailabilityID uuid.UUID
	Quantity       decimal.Decimal
	PricePerUnit   decimal.Decimal
	// MinAcceptable bounds a partial fill; a remainder below it refuses the
	// partial. Normally the requirement's minimum quantity.
	MinAcceptable decimal.Decimal
	// AllowPartial mirrors intent; the lot's own flag still applies.
	AllowPartial bool
}

// Manager performs the reserve step of the allocation protocol.
type Manager struct {
	cfg       config.AllocationConfig
	avails    model.AvailabilityRepository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(cfg config.AllocationConfig, avails model.AvailabilityRepository, publisher events.Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		avails:    avails,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Reserve converts up to req.Quantity of the lot's available quantity into
// reserved quantity. On a version conflict the read-check-write cycle is
// retried up to the configured attempt bound; past the bound the caller
// receives a retryable AllocationConflict, never a silent partial success.
func (m *Manager) Reserve(ctx context.Context, req Request) (*model.AllocationResult, error) {
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Validation("allocation quantity must be positive")
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		a, err := m.avails.GetAvailabilityByID(ctx, req.AvailabilityID)
		if err != nil {
			return nil, err
		}
		if a.RiskVerdict == model.RiskVerdictFail || a.RiskVerdict == "" {
			return nil, errors.RiskRejected("allocation_risk_gate",
				"availability is not risk-cleared for allocation")
		}
		if !a.Open() {
			return nil, errors.InvalidStateTransition(
				"availability %s is %s and cannot be allocated", a.ID, a.Status)
		}

		available := a.AvailableQuantity()
		allocQty := req.Quantity
		allocType := model.AllocationFull
		if available.LessThan(req.Quantity) {
			if !req.AllowPartial || !a.AllowPartialOrder {
				return nil, errors.AllocationConflict(
					"requested %s exceeds available %s and partial orders are not permitted",
					req.Quantity, available)
			}
			if available.LessThan(req.MinAcceptable) || available.LessThanOrEqual(decimal.Zero) {
				return nil, errors.AllocationConflict(
					"available %s is below the acceptable minimum %s",
					available, req.MinAcceptable)
			}
			allocQty = available
			allocType = model.AllocationPartial
		}

		versionBefore := a.Version
		updated, err := m.avails.CompareAndSwapAvailability(ctx, a.ID, versionBefore, func(cur *model.Availability) error {
			// Pure derivation on every write: reserved moves, status and
			// available follow from the quantities alone.
			cur.ReservedQuantity = cur.ReservedQuantity.Add(allocQty)
			if !cur.CheckQuantityInvariant() {
				return errors.AllocationConflict(
					"reservation would push reserved+sold past total on %s", cur.ID)
			}
			cur.Status = cur.DeriveStatus()
			cur.UpdatedAt = m.now()
			return nil
		})
		if err != nil {
			if errors.IsAllocationConflict(err) {
				lastErr = err
				conflictsTotal.Inc()
				m.logger.Debug("allocation CAS conflict, retrying",
					zap.String("availability_id", a.ID.String()),
					zap.Int64("version", versionBefore),
					zap.Int("attempt", attempt+1))
				continue
			}
			return nil, err
		}

		result := &model.AllocationResult{
			AvailabilityID:    a.ID,
			RequirementID:     req.RequirementID,
			TokenID:           req.TokenID,
			Type:              allocType,
			RequestedQuantity: req.Quantity,
			AllocatedQuantity: allocQty,
			RemainingQuantity: updated.AvailableQuantity(),
			VersionBefore:     versionBefore,
			VersionAfter:      updated.Version,
			PricePerUnit:      req.PricePerUnit,
			AllocatedAt:       m.now(),
		}
		successTotal.WithLabelValues(allocType).Inc()
		m.publisher.Publish(ctx, events.NewEvent(events.TypeMatchAllocated, events.MatchAllocated{
			TokenID:           result.TokenID,
			RequirementID:     result.RequirementID,
			AvailabilityID:    result.AvailabilityID,
			AllocationType:    result.Type,
			RequestedQuantity: result.RequestedQuantity,
			AllocatedQuantity: result.AllocatedQuantity,
			RemainingQuantity: result.RemainingQuantity,
			VersionBefore:     result.VersionBefore,
			VersionAfter:      result.VersionAfter,
			PricePerUnit:      result.PricePerUnit,
		}))
		return result, nil
	}

	exhaustedTotal.Inc()
	if lastErr == nil {
		lastErr = errors.AllocationConflict("allocation retries exhausted")
	}
	return nil, errors.AllocationConflict(
		"allocation of %s against %s failed after %d attempts",
		req.Quantity, req.AvailabilityID, m.cfg.MaxAttempts).Wrap(lastErr)
}

// ConfirmSale moves reserved quantity to sold once the downstream trade is
// final. Same CAS discipline as Reserve.
func (m *Manager) ConfirmSale(ctx context.Context, availabilityID uuid.UUID, quantity decimal.Decimal) error {
	return m.shift(ctx, availabilityID, quantity, func(cur *model.Availability, qty decimal.Decimal) error {
		if cur.ReservedQuantity.LessThan(qty) {
			return errors.InvalidStateTransition(
				"cannot confirm %s sold: only %s reserved on %s", qty, cur.ReservedQuantity, cur.ID)
		}
		cur.ReservedQuantity = cur.ReservedQuantity.Sub(qty)
		cur.SoldQuantity = cur.SoldQuantity.Add(qty)
		return nil
	})
}

// ReleaseReservation returns reserved quantity to the available pool when
// a downstream trade falls through.
func (m *Manager) ReleaseReservation(ctx context.Context, availabilityID uuid.UUID, quantity decimal.Decimal) error {
	return m.shift(ctx, availabilityID, quantity, func(cur *model.Availability, qty decimal.Decimal) error {
		if cur.ReservedQuantity.LessThan(qty) {
			return errors.InvalidStateTransition(
				"cannot release %s: only %s reserved on %s", qty, cur.ReservedQuantity, cur.ID)
		}
		cur.ReservedQuantity = cur.ReservedQuantity.Sub(qty)
		return nil
	})
}

func (m *Manager) shift(ctx context.Context, id uuid.UUID, qty decimal.Decimal, apply func(*model.Availability, decimal.Decimal) error) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return errors.Validation("quantity must be positive")
	}
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		a, err := m.avails.GetAvailabilityByID(ctx, id)
		if err != nil {
			return err
		}
		_, err = m.avails.CompareAndSwapAvailability(ctx, a.ID, a.Version, func(cur *model.Availability) error {
			if err := apply(cur, qty); err != nil {
				return err
			}
			if !cur.CheckQuantityInvariant() {
				return errors.AllocationConflict("quantity invariant violated on %s", cur.ID)
			}
			cur.Status = cur.DeriveStatus()
			cur.UpdatedAt = m.now()
			return nil
		})
		if err == nil {
			return nil
		}
		if !errors.IsAllocationConflict(err) {
			return err
		}
		lastErr = err
		conflictsTotal.Inc()
	}
	exhaustedTotal.Inc()
	return errors.AllocationConflict("quantity shift on %s failed after %d attempts",
		id, m.cfg.MaxAttempts).Wrap(lastErr)
}
