// Package token issues anonymous match handles and tracks counterparty
// disclosure. Both sides of a fresh match see only the token code and
// coarse attributes; identity is revealed step by step as the match moves
// toward a trade, never backwards.
package token

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// crockford is the base32 alphabet used for token codes: no I, L, O, U, so
// codes stay unambiguous when read aloud.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Manager issues and advances match tokens.
type Manager struct {
	cfg    config.TokenConfig
	repo   model.TokenRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(cfg config.TokenConfig, repo model.TokenRepository, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, repo: repo, logger: logger, now: time.Now}
}

// newCode produces an opaque human-shareable code, e.g. MT-9X4KQ2M8TZJF1R.
// The code derives from crypto/rand only, never from party identifiers.
func newCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("token code entropy: %w", err)
	}
	buf := make([]byte, 0, 19)
	buf = append(buf, 'M', 'T', '-')
	var acc uint32
	var bits uint
	for _, b := range raw {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			buf = append(buf, crockford[(acc>>bits)&31])
		}
	}
	return string(buf), nil
}

// Issue creates an active token for a qualifying pair at disclosure level
// MATCHED on both sides. reviewRequired marks WARN matches held for manual
// approval before allocation.
func (m *Manager) Issue(ctx context.Context, req *model.Requirement, avail *model.Availability, breakdown model.ScoreBreakdown, reviewRequired bool) (*model.MatchToken, error) {
	code, err := newCode()
	if err != nil {
		return nil, err
	}
	now := m.now()
	t := &model.MatchToken{
		ID:              uuid.New(),
		Code:            code,
		RequirementID:   req.ID,
		AvailabilityID:  avail.ID,
		BuyerPartnerID:  req.PartnerID,
		SellerPartnerID: avail.PartnerID,
		Score:           breakdown.Composite,
		Breakdown:       breakdown,
		BuyerDisclosure:  model.DisclosureMatched,
		SellerDisclosure: model.DisclosureMatched,
		Status:          model.TokenStatusActive,
		ReviewRequired:  reviewRequired,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.TTL),
	}
	if err := m.repo.CreateToken(ctx, t); err != nil {
		return nil, err
	}
	issuedTotal.Inc()
	m.logger.Debug("match token issued",
		zap.String("token_id", t.ID.String()),
		zap.String("code", t.Code),
		zap.String("score", t.Score.String()))
	return t, nil
}

// Get loads an active token, rejecting expired or consumed ones.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*model.MatchToken, error) {
	t, err := m.repo.GetTokenByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Active(m.now()) {
		return nil, errors.TokenExpired(fmt.Sprintf("match token %s is no longer active", t.Code))
	}
	return t, nil
}

// Advance raises both sides' disclosure to level. Regression is an
// InvalidStateTransition; advancing an inactive token is TokenExpired.
func (m *Manager) Advance(ctx context.Context, id uuid.UUID, level string) (*model.MatchToken, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerDisclosure == level && t.SellerDisclosure == level {
		return t, nil // idempotent
	}
	if !model.DisclosureAdvances(t.BuyerDisclosure, level) &&
		t.BuyerDisclosure != level {
		return nil, errors.InvalidStateTransition(
			"disclosure may not regress from %s to %s", t.BuyerDisclosure, level)
	}
	t.BuyerDisclosure = level
	t.SellerDisclosure = level
	if err := m.repo.UpdateToken(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Consume marks the token terminally used, superseded by a negotiation
// conclusion or direct acceptance.
func (m *Manager) Consume(ctx context.Context, id uuid.UUID) error {
	t, err := m.repo.GetTokenByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == model.TokenStatusConsumed {
		return nil
	}
	if t.Status == model.TokenStatusExpired {
		return errors.TokenExpired(fmt.Sprintf("match token %s already expired", t.Code))
	}
	t.Status = model.TokenStatusConsumed
	return m.repo.UpdateToken(ctx, t)
}

// Approve clears the manual-review hold on a WARN match.
func (m *Manager) Approve(ctx context.Context, id uuid.UUID) (*model.MatchToken, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.ReviewRequired {
		return t, nil
	}
	t.ReviewApproved = true
	if err := m.repo.UpdateToken(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Redacted is the counterparty view of a token before identity disclosure:
// the code and coarse non-identifying attributes only.
type Redacted struct {
	Code        string          `json:"code"`
	CommodityID string          `json:"commodity_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Score       decimal.Decimal `json:"score"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Redact builds the anonymous view for the MATCHED disclosure level.
func Redact(t *model.MatchToken, commodityID string, quantity decimal.Decimal) Redacted {
	return Redacted{
		Code:        t.Code,
		CommodityID: commodityID,
		Quantity:    quantity,
		Score:       t.Score,
		ExpiresAt:   t.ExpiresAt,
	}
}
