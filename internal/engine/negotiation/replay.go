package negotiation

import (
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// State is the negotiation position derived purely from the offer history.
type State struct {
	Round       int
	Price       model.NegotiationOffer
	LastOfferBy string
	Status      string
}

// Replay rebuilds the current negotiation position from the append-only
// offer rows, verifying that rounds increase strictly with no gaps. The
// stored negotiation record must always agree with the replayed state;
// tests rely on it and it serves as the audit trail.
func Replay(offers []*model.NegotiationOffer) (*State, error) {
	if len(offers) == 0 {
		return &State{Round: 0, Status: model.NegotiationStatusInitiated}, nil
	}

	st := &State{}
	for i, o := range offers {
		if o.Round != i+1 {
			return nil, errors.InvalidStateTransition(
				"offer history corrupt: expected round %d, found %d", i+1, o.Round)
		}
		if i > 0 && offers[i-1].By == o.By {
			return nil, errors.InvalidStateTransition(
				"offer history corrupt: consecutive offers from side %s", o.By)
		}
		st.Round = o.Round
		st.Price = *o
		st.LastOfferBy = o.By
	}

	last := offers[len(offers)-1]
	switch last.Status {
	case model.OfferStatusAccepted:
		st.Status = model.NegotiationStatusAccepted
	case model.OfferStatusRejected:
		st.Status = model.NegotiationStatusRejected
	case model.OfferStatusExpired:
		st.Status = model.NegotiationStatusExpired
	default:
		st.Status = model.NegotiationStatusInProgress
	}
	return st, nil
}
