// Package negotiation drives the bounded offer/counter-offer exchange
// between a matched buyer and seller. Offer rows are immutable and
// append-only; the live state is always reconstructable by replaying them
// in round order.
package negotiation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// Proposal is the caller-supplied body of one offer.
type Proposal struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Terms    model.Terms

	// AI-assist provenance; zero-valued for human offers.
	AIAssisted   bool
	AIConfidence *decimal.Decimal
	AIReasoning  string
}

// Machine manages negotiation sessions.
type Machine struct {
	cfg    config.NegotiationConfig
	repo   model.NegotiationRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewMachine(cfg config.NegotiationConfig, repo model.NegotiationRepository, logger *zap.Logger) *Machine {
	return &Machine{cfg: cfg, repo: repo, logger: logger, now: time.Now}
}

// Initiate opens the session for a token at round 0. A second negotiation
// against the same token is rejected by the repository's 1:1 constraint.
// maxRounds <= 0 takes the configured default.
func (m *Machine) Initiate(ctx context.Context, t *model.MatchToken, maxRounds int) (*model.Negotiation, error) {
	if maxRounds <= 0 {
		maxRounds = m.cfg.MaxRounds
	}
	now := m.now()
	n := &model.Negotiation{
		ID:              uuid.New(),
		TokenID:         t.ID,
		RequirementID:   t.RequirementID,
		AvailabilityID:  t.AvailabilityID,
		BuyerPartnerID:  t.BuyerPartnerID,
		SellerPartnerID: t.SellerPartnerID,
		Round:           0,
		Status:          model.NegotiationStatusInitiated,
		MaxRounds:       maxRounds,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.SessionTTL),
	}
	if err := m.repo.CreateNegotiation(ctx, n); err != nil {
		return nil, err
	}
	m.logger.Info("negotiation initiated",
		zap.String("negotiation_id", n.ID.String()),
		zap.String("token_id", t.ID.String()),
		zap.Int("max_rounds", n.MaxRounds))
	return n, nil
}

// SideOf maps an acting partner onto its negotiation side.
func SideOf(n *model.Negotiation, partnerID uuid.UUID) (string, error) {
	switch partnerID {
	case n.BuyerPartnerID:
		return model.SideBuy, nil
	case n.SellerPartnerID:
		return model.SideSell, nil
	default:
		return "", errors.Validation("partner %s is not a party to negotiation %s", partnerID, n.ID)
	}
}

// SubmitOffer appends the next round's offer. expectedRound is the round
// the caller is countering; a stale value means a concurrent offer won the
// race and the caller must resubmit against the latest state.
func (m *Machine) SubmitOffer(ctx context.Context, negotiationID uuid.UUID, side string, expectedRound int, p Proposal) (*model.Negotiation, *model.NegotiationOffer, error) {
	n, err := m.repo.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkLive(ctx, n); err != nil {
		return nil, nil, err
	}
	if n.Round != expectedRound {
		return nil, nil, errors.InvalidStateTransition(
			"negotiation %s is at round %d, not %d; fetch the latest offer and resubmit",
			n.ID, n.Round, expectedRound)
	}
	if n.Round >= n.MaxRounds {
		m.forceExpire(ctx, n)
		return nil, nil, errors.InvalidStateTransition(
			"negotiation %s reached its round cap of %d", n.ID, n.MaxRounds)
	}
	if n.LastOfferBy == side {
		return nil, nil, errors.InvalidStateTransition(
			"side %s holds the last offer on %s; awaiting the counterparty", side, n.ID)
	}
	if p.Price.LessThanOrEqual(decimal.Zero) || p.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, nil, errors.Validation("offer price and quantity must be positive")
	}

	offer := &model.NegotiationOffer{
		ID:            uuid.New(),
		NegotiationID: n.ID,
		Round:         n.Round + 1,
		By:            side,
		Price:         p.Price,
		Quantity:      p.Quantity,
		Terms:         p.Terms,
		AIAssisted:    p.AIAssisted,
		AIConfidence:  p.AIConfidence,
		AIReasoning:   p.AIReasoning,
		Status:        model.OfferStatusPending,
		CreatedAt:     m.now(),
	}

	prev, err := m.pendingOffer(ctx, n.ID)
	if err != nil {
		return nil, nil, err
	}

	// The offer row lands first: the unique (negotiation, round) constraint
	// serializes concurrent counters, and a failed append leaves the round
	// counter untouched so the history never shows a gap.
	if err := m.repo.AppendOffer(ctx, offer); err != nil {
		return nil, nil, err
	}

	updated := *n
	updated.Round = offer.Round
	updated.CurrentPrice = offer.Price
	updated.CurrentQuantity = offer.Quantity
	updated.CurrentTerms = offer.Terms
	updated.LastOfferBy = side
	updated.Status = model.NegotiationStatusInProgress
	updated.UpdatedAt = offer.CreatedAt

	if err := m.repo.UpdateNegotiationCAS(ctx, &updated, expectedRound); err != nil {
		if serr := m.repo.UpdateOfferStatus(ctx, offer.ID, model.OfferStatusExpired); serr != nil {
			m.logger.Warn("void orphaned offer",
				zap.String("offer_id", offer.ID.String()), zap.Error(serr))
		}
		return nil, nil, err
	}
	if prev != nil {
		if err := m.repo.UpdateOfferStatus(ctx, prev.ID, model.OfferStatusCountered); err != nil {
			return nil, nil, err
		}
	}

	offersTotal.WithLabelValues(side, aiLabel(p.AIAssisted)).Inc()
	return &updated, offer, nil
}

// Accept ends the negotiation in agreement on the standing offer. Only the
// counterparty of the last offer may accept.
func (m *Machine) Accept(ctx context.Context, negotiationID uuid.UUID, side string) (*model.Negotiation, error) {
	n, err := m.repo.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if err := m.checkLive(ctx, n); err != nil {
		return nil, err
	}
	if n.Round == 0 || n.LastOfferBy == "" {
		return nil, errors.InvalidStateTransition(
			"negotiation %s has no offer to accept", n.ID)
	}
	if n.LastOfferBy == side {
		return nil, errors.InvalidStateTransition(
			"side %s cannot accept its own offer on %s", side, n.ID)
	}

	updated := *n
	updated.Status = model.NegotiationStatusAccepted
	updated.UpdatedAt = m.now()
	if err := m.repo.UpdateNegotiationCAS(ctx, &updated, n.Round); err != nil {
		return nil, err
	}
	if pending, err := m.pendingOffer(ctx, n.ID); err == nil && pending != nil {
		if err := m.repo.UpdateOfferStatus(ctx, pending.ID, model.OfferStatusAccepted); err != nil {
			return nil, err
		}
	}
	terminalTotal.WithLabelValues(model.NegotiationStatusAccepted).Inc()
	m.logger.Info("negotiation accepted",
		zap.String("negotiation_id", n.ID.String()),
		zap.Int("rounds", updated.Round),
		zap.String("final_price", updated.CurrentPrice.String()))
	return &updated, nil
}

// Reject ends the negotiation, recording the reason.
func (m *Machine) Reject(ctx context.Context, negotiationID uuid.UUID, side, reason string) (*model.Negotiation, error) {
	n, err := m.repo.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if err := m.checkLive(ctx, n); err != nil {
		return nil, err
	}
	if _, err := SideOfString(n, side); err != nil {
		return nil, err
	}

	updated := *n
	updated.Status = model.NegotiationStatusRejected
	updated.RejectReason = reason
	updated.UpdatedAt = m.now()
	if err := m.repo.UpdateNegotiationCAS(ctx, &updated, n.Round); err != nil {
		return nil, err
	}
	if pending, err := m.pendingOffer(ctx, n.ID); err == nil && pending != nil {
		if err := m.repo.UpdateOfferStatus(ctx, pending.ID, model.OfferStatusRejected); err != nil {
			return nil, err
		}
	}
	terminalTotal.WithLabelValues(model.NegotiationStatusRejected).Inc()
	return &updated, nil
}

// Offers returns the append-only history in round order.
func (m *Machine) Offers(ctx context.Context, negotiationID uuid.UUID) ([]*model.NegotiationOffer, error) {
	return m.repo.ListOffers(ctx, negotiationID)
}

// checkLive rejects terminal or overdue sessions. An overdue session is
// transitioned to EXPIRED on the spot; the sweep handles the rest.
func (m *Machine) checkLive(ctx context.Context, n *model.Negotiation) error {
	if n.Terminal() {
		if n.Status == model.NegotiationStatusExpired {
			return errors.NegotiationExpired("negotiation " + n.ID.String() + " expired")
		}
		return errors.InvalidStateTransition(
			"negotiation %s is already %s", n.ID, n.Status)
	}
	if m.now().After(n.ExpiresAt) {
		m.forceExpire(ctx, n)
		return errors.NegotiationExpired("negotiation " + n.ID.String() + " expired")
	}
	return nil
}

// forceExpire moves a session to EXPIRED and voids its standing offer, so
// every expiry path (TTL sweep, round cap, lazy check) leaves the same
// state behind.
func (m *Machine) forceExpire(ctx context.Context, n *model.Negotiation) {
	updated := *n
	updated.Status = model.NegotiationStatusExpired
	updated.UpdatedAt = m.now()
	if err := m.repo.UpdateNegotiationCAS(ctx, &updated, n.Round); err != nil {
		m.logger.Warn("force-expire negotiation",
			zap.String("negotiation_id", n.ID.String()), zap.Error(err))
		return
	}
	if pending, err := m.pendingOffer(ctx, n.ID); err == nil && pending != nil {
		if err := m.repo.UpdateOfferStatus(ctx, pending.ID, model.OfferStatusExpired); err != nil {
			m.logger.Warn("expire pending offer",
				zap.String("negotiation_id", n.ID.String()), zap.Error(err))
		}
	}
	terminalTotal.WithLabelValues(model.NegotiationStatusExpired).Inc()
}

func (m *Machine) pendingOffer(ctx context.Context, negotiationID uuid.UUID) (*model.NegotiationOffer, error) {
	offers, err := m.repo.ListOffers(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	for i := len(offers) - 1; i >= 0; i-- {
		if offers[i].Status == model.OfferStatusPending {
			return offers[i], nil
		}
	}
	return nil, nil
}

// SideOfString validates a side constant against the negotiation parties.
func SideOfString(n *model.Negotiation, side string) (string, error) {
	if side != model.SideBuy && side != model.SideSell {
		return "", errors.Validation("unknown negotiation side %q", side)
	}
	return side, nil
}

func aiLabel(assisted bool) string {
	if assisted {
		return "ai"
	}
	return "human"
}
