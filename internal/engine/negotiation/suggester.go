package negotiation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// Suggester proposes a counter-offer on a party's behalf. Suggestions are
// tagged distinctly from human offers and still flow through the same
// accept/reject/counter path.
type Suggester interface {
	SuggestCounter(ctx context.Context, n *model.Negotiation, history []*model.NegotiationOffer, forSide string) (Proposal, error)
}

// MidpointSuggester is the default rule-based assist: it counters halfway
// between the standing offer and the requesting side's previous position,
// keeping quantity and terms from the standing offer. Confidence decays as
// the bid-ask gap narrows, since late rounds leave less room to argue.
type MidpointSuggester struct{}

func NewMidpointSuggester() *MidpointSuggester { return &MidpointSuggester{} }

func (s *MidpointSuggester) SuggestCounter(ctx context.Context, n *model.Negotiation, history []*model.NegotiationOffer, forSide string) (Proposal, error) {
	if n.Round == 0 || n.LastOfferBy == "" {
		return Proposal{}, errors.InvalidStateTransition(
			"no standing offer to counter on negotiation %s", n.ID)
	}
	if n.LastOfferBy == forSide {
		return Proposal{}, errors.InvalidStateTransition(
			"side %s holds the standing offer; nothing to counter", forSide)
	}

	standing := n.CurrentPrice
	var own decimal.Decimal
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].By == forSide {
			own = history[i].Price
			break
		}
	}
	if own.IsZero() {
		// No prior position: open 5% away from the standing price in the
		// requesting side's favor.
		step := standing.Mul(decimal.NewFromFloat(0.05))
		if forSide == model.SideBuy {
			own = standing.Sub(step.Mul(decimal.NewFromInt(2)))
		} else {
			own = standing.Add(step.Mul(decimal.NewFromInt(2)))
		}
	}

	mid := standing.Add(own).Div(decimal.NewFromInt(2))

	gap := standing.Sub(own).Abs()
	confidence := decimal.NewFromFloat(0.9)
	if !standing.IsZero() {
		ratio := gap.Div(standing.Abs())
		confidence = decimal.NewFromInt(1).Sub(ratio)
		if confidence.LessThan(decimal.NewFromFloat(0.5)) {
			confidence = decimal.NewFromFloat(0.5)
		}
	}

	return Proposal{
		Price:        mid,
		Quantity:     n.CurrentQuantity,
		Terms:        n.CurrentTerms,
		AIAssisted:   true,
		AIConfidence: &confidence,
		AIReasoning:  "midpoint between the standing offer and your last position",
	}, nil
}
