// Package scorer computes composite compatibility scores between buyer
// requirements and seller availabilities and maintains the incremental
// match book the candidates come from.
package scorer

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/refdata"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/risk"
)

// priceBand is the discount fraction under budget at which the price
// sub-score saturates when the requirement names no preferred price.
var priceBand = decimal.NewFromFloat(0.10)

// Candidate is one qualifying availability for a requirement, carrying the
// score detail and the price option the score was computed against.
type Candidate struct {
	Availability *model.Availability
	Breakdown    model.ScoreBreakdown
	Price        model.PriceOption
	Reliability  decimal.Decimal
}

// Scorer computes pair scores. Stateless; safe to call concurrently.
type Scorer struct {
	cfg    config.ScorerConfig
	warn   config.WarnPolicy
	ref    refdata.Gateway
	feed   risk.ScoreFeed // may be nil; reliability defaults apply
	logger *zap.Logger
}

func NewScorer(cfg config.ScorerConfig, warn config.WarnPolicy, ref refdata.Gateway, feed risk.ScoreFeed, logger *zap.Logger) *Scorer {
	return &Scorer{cfg: cfg, warn: warn, ref: ref, feed: feed, logger: logger}
}

// Score evaluates one requirement/availability pair. ok is false when the
// pair is disqualified outright (over budget, out of delivery window or
// radius); a disqualified pair has no meaningful breakdown.
func (s *Scorer) Score(ctx context.Context, req *model.Requirement, avail *model.Availability) (model.ScoreBreakdown, model.PriceOption, bool) {
	var zero model.ScoreBreakdown

	price, found := avail.BestPrice(req.PaymentTermIDs, req.DeliveryTermIDs)
	if !found || price.PricePerUnit.GreaterThan(req.MaxBudgetPerUnit) {
		return zero, model.PriceOption{}, false
	}

	deliveryScore, distanceKM, ok := s.deliveryScore(ctx, req, avail)
	if !ok {
		return zero, model.PriceOption{}, false
	}

	breakdown := model.ScoreBreakdown{
		Quality:    s.qualityScore(req, avail),
		Price:      s.priceScore(req, price.PricePerUnit),
		Delivery:   deliveryScore,
		Risk:       s.riskScore(req, avail),
		DistanceKM: distanceKM,
	}

	composite := s.cfg.WeightQuality.Mul(breakdown.Quality).
		Add(s.cfg.WeightPrice.Mul(breakdown.Price)).
		Add(s.cfg.WeightDelivery.Mul(breakdown.Delivery)).
		Add(s.cfg.WeightRisk.Mul(breakdown.Risk))

	if req.RiskVerdict == model.RiskVerdictWarn || avail.RiskVerdict == model.RiskVerdictWarn {
		composite = composite.Mul(s.warn.ScoreMultiplier)
		breakdown.WarnPenalized = true
	}
	breakdown.Composite = composite

	return breakdown, price, true
}

// Qualifies applies the surfacing threshold.
func (s *Scorer) Qualifies(b model.ScoreBreakdown) bool {
	return b.Composite.GreaterThanOrEqual(s.cfg.MinScore)
}

// qualityScore is the fraction of tolerance windows satisfied. A missed
// hard window zeroes the sub-score; missed soft windows earn the
// configured partial credit. No windows means full score.
func (s *Scorer) qualityScore(req *model.Requirement, avail *model.Availability) decimal.Decimal {
	if len(req.Quality) == 0 {
		return decimal.NewFromInt(1)
	}
	var params map[string]decimal.Decimal
	if avail.Quality != nil {
		params = avail.Quality.Parameters()
	}

	total := decimal.NewFromInt(int64(len(req.Quality)))
	satisfied := decimal.Zero
	for _, w := range req.Quality {
		value, present := params[w.Parameter]
		if present && w.Satisfied(value) {
			satisfied = satisfied.Add(decimal.NewFromInt(1))
			continue
		}
		if !w.Soft {
			return decimal.Zero
		}
		satisfied = satisfied.Add(s.cfg.SoftWindowScore)
	}
	return satisfied.Div(total)
}

// priceScore is the normalized closeness of the applicable price to the
// budget ceiling. With a preferred price the score interpolates from 1 at
// or below preferred to 0 at budget; otherwise it saturates at a 10%
// discount under budget.
func (s *Scorer) priceScore(req *model.Requirement, price decimal.Decimal) decimal.Decimal {
	budget := req.MaxBudgetPerUnit
	if budget.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	anchor := budget.Sub(budget.Mul(priceBand))
	if req.PreferredPrice != nil && req.PreferredPrice.LessThan(budget) {
		anchor = *req.PreferredPrice
	}
	if price.LessThanOrEqual(anchor) {
		return decimal.NewFromInt(1)
	}
	span := budget.Sub(anchor)
	if span.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	score := budget.Sub(price).Div(span)
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}

// deliveryScore derives the sub-score from the distance between the lot's
// location and the requirement's delivery location, and checks the
// delivery window. Out-of-window or beyond the cutoff radius disqualifies.
func (s *Scorer) deliveryScore(ctx context.Context, req *model.Requirement, avail *model.Availability) (decimal.Decimal, decimal.Decimal, bool) {
	if !req.DeliveryWindow.From.IsZero() && !avail.ValidUntil.IsZero() {
		if avail.ValidUntil.Before(req.DeliveryWindow.From) ||
			avail.ValidFrom.After(req.DeliveryWindow.To) {
			return decimal.Zero, decimal.Zero, false
		}
	}

	from, err := s.ref.Location(ctx, avail.LocationID)
	if err != nil {
		s.logger.Warn("delivery scoring: unknown lot location",
			zap.String("location_id", avail.LocationID), zap.Error(err))
		return decimal.Zero, decimal.Zero, false
	}
	to, err := s.ref.Location(ctx, req.DeliveryLocationID)
	if err != nil {
		s.logger.Warn("delivery scoring: unknown delivery location",
			zap.String("location_id", req.DeliveryLocationID), zap.Error(err))
		return decimal.Zero, decimal.Zero, false
	}

	km := haversineKM(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	distance := decimal.NewFromFloat(km)
	switch {
	case km > s.cfg.CutoffRadiusKM:
		return decimal.Zero, distance, false
	case km <= s.cfg.FullScoreRadiusKM:
		return decimal.NewFromInt(1), distance, true
	default:
		span := s.cfg.CutoffRadiusKM - s.cfg.FullScoreRadiusKM
		score := (s.cfg.CutoffRadiusKM - km) / span
		return decimal.NewFromFloat(score), distance, true
	}
}

// riskScore blends both parties' 0-100 precheck scores into [0,1].
func (s *Scorer) riskScore(req *model.Requirement, avail *model.Availability) decimal.Decimal {
	sum := req.RiskScore.Add(avail.RiskScore)
	return sum.Div(decimal.NewFromInt(200))
}

// reliability returns the seller's reliability score for tie-breaking,
// defaulting to 50 without a feed entry.
func (s *Scorer) reliability(ctx context.Context, avail *model.Availability) decimal.Decimal {
	if s.feed != nil {
		if _, rel, ok := s.feed.BaseScores(ctx, avail.PartnerID); ok {
			return rel
		}
	}
	return decimal.NewFromInt(50)
}
