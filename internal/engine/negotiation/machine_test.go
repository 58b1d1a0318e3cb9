package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/repository"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type MachineSuite struct {
	suite.Suite
	ctx     context.Context
	repo    *repository.MemoryRepository
	machine *Machine
	token   *model.MatchToken
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = repository.NewMemoryRepository()
	cfg := config.NegotiationConfig{
		MaxRounds:  4,
		SessionTTL: time.Hour,
		SweepBatch: 100,
	}
	s.machine = NewMachine(cfg, s.repo, zaptest.NewLogger(s.T()))
	s.token = &model.MatchToken{
		ID:              uuid.New(),
		Code:            "MT-TESTTESTTESTTEST",
		RequirementID:   uuid.New(),
		AvailabilityID:  uuid.New(),
		BuyerPartnerID:  uuid.New(),
		SellerPartnerID: uuid.New(),
		Status:          model.TokenStatusActive,
	}
}

func (s *MachineSuite) proposal(price string) Proposal {
	return Proposal{
		Price:    d(price),
		Quantity: d("300"),
		Terms:    model.Terms{PaymentTermID: "net30", DeliveryTermID: "delivered"},
	}
}

func (s *MachineSuite) TestInitiateOncePerToken() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)
	s.Equal(model.NegotiationStatusInitiated, n.Status)
	s.Equal(0, n.Round)
	s.Equal(4, n.MaxRounds)

	_, err = s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().Error(err)
	s.True(errors.IsInvalidTransition(err))
}

func (s *MachineSuite) TestSideOf() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)

	side, err := SideOf(n, s.token.BuyerPartnerID)
	s.Require().NoError(err)
	s.Equal(model.SideBuy, side)

	side, err = SideOf(n, s.token.SellerPartnerID)
	s.Require().NoError(err)
	s.Equal(model.SideSell, side)

	_, err = SideOf(n, uuid.New())
	s.True(errors.IsValidation(err))
}

func (s *MachineSuite) TestAlternatingOffers() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)

	n, offer, err := s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().NoError(err)
	s.Equal(1, n.Round)
	s.Equal(1, offer.Round)
	s.Equal(model.NegotiationStatusInProgress, n.Status)
	s.Equal(model.SideSell, n.LastOfferBy)

	// The same side may not counter its own offer.
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 1, s.proposal("60800"))
	s.Require().Error(err)
	s.True(errors.IsInvalidTransition(err))

	n, offer, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideBuy, 1, s.proposal("60000"))
	s.Require().NoError(err)
	s.Equal(2, n.Round)
	s.Equal(model.SideBuy, n.LastOfferBy)

	// The countered offer is superseded, the new one pending.
	offers, err := s.machine.Offers(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Require().Len(offers, 2)
	s.Equal(model.OfferStatusCountered, offers[0].Status)
	s.Equal(model.OfferStatusPending, offers[1].Status)
	_ = offer
}

func (s *MachineSuite) TestStaleRoundRejected() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)

	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().NoError(err)

	// A concurrent submission built against round 0 loses the race.
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideBuy, 0, s.proposal("60000"))
	s.Require().Error(err)
	s.True(errors.IsInvalidTransition(err))
}

func (s *MachineSuite) TestRoundCapExpiresSession() {
	n, err := s.machine.Initiate(s.ctx, s.token, 2)
	s.Require().NoError(err)

	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().NoError(err)
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideBuy, 1, s.proposal("60000"))
	s.Require().NoError(err)

	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 2, s.proposal("60500"))
	s.Require().Error(err)
	s.True(errors.IsInvalidTransition(err))

	ended, err := s.repo.GetNegotiationByID(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(model.NegotiationStatusExpired, ended.Status)

	// The round cap leaves the same state behind as a TTL sweep: the
	// standing offer is voided with its session.
	offers, err := s.machine.Offers(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Require().Len(offers, 2)
	s.Equal(model.OfferStatusCountered, offers[0].Status)
	s.Equal(model.OfferStatusExpired, offers[1].Status)
}

func (s *MachineSuite) TestAcceptByCounterpartyOnly() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().NoError(err)

	_, err = s.machine.Accept(s.ctx, n.ID, model.SideSell)
	s.Require().Error(err)
	s.True(errors.IsInvalidTransition(err))

	accepted, err := s.machine.Accept(s.ctx, n.ID, model.SideBuy)
	s.Require().NoError(err)
	s.Equal(model.NegotiationStatusAccepted, accepted.Status)
	s.True(accepted.CurrentPrice.Equal(d("61000")))

	offers, err := s.machine.Offers(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(model.OfferStatusAccepted, offers[len(offers)-1].Status)

	// Terminal sessions accept no further activity.
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideBuy, 1, s.proposal("60000"))
	s.True(errors.IsInvalidTransition(err))
}

func (s *MachineSuite) TestAcceptWithoutOfferRefused() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)

	_, err = s.machine.Accept(s.ctx, n.ID, model.SideBuy)
	s.Require().Error(err)
	s.True(errors.IsInvalidTransition(err))
}

func (s *MachineSuite) TestRejectRecordsReason() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().NoError(err)

	rejected, err := s.machine.Reject(s.ctx, n.ID, model.SideBuy, "price above mandate")
	s.Require().NoError(err)
	s.Equal(model.NegotiationStatusRejected, rejected.Status)
	s.Equal("price above mandate", rejected.RejectReason)
}

func (s *MachineSuite) TestExpiredSessionRefusesOffers() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)

	s.machine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().Error(err)
	s.True(errors.IsNegotiationExpired(err))

	ended, err := s.repo.GetNegotiationByID(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(model.NegotiationStatusExpired, ended.Status)
}

func (s *MachineSuite) TestSweeperExpiresOverdueSessions() {
	n, err := s.machine.Initiate(s.ctx, s.token, 0)
	s.Require().NoError(err)
	_, _, err = s.machine.SubmitOffer(s.ctx, n.ID, model.SideSell, 0, s.proposal("61000"))
	s.Require().NoError(err)

	s.machine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	sweeper := NewSweeper(s.machine, time.Minute, 100, zaptest.NewLogger(s.T()))

	count, err := sweeper.SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, count)

	ended, err := s.repo.GetNegotiationByID(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(model.NegotiationStatusExpired, ended.Status)

	offers, err := s.machine.Offers(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(model.OfferStatusExpired, offers[0].Status)

	// Idempotent: nothing left on the second pass.
	count, err = sweeper.SweepOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(count)
}

func TestReplayRebuildsState(t *testing.T) {
	negID := uuid.New()
	offers := []*model.NegotiationOffer{
		{NegotiationID: negID, Round: 1, By: model.SideSell, Price: d("61000"), Status: model.OfferStatusCountered},
		{NegotiationID: negID, Round: 2, By: model.SideBuy, Price: d("60000"), Status: model.OfferStatusCountered},
		{NegotiationID: negID, Round: 3, By: model.SideSell, Price: d("60500"), Status: model.OfferStatusAccepted},
	}

	st, err := Replay(offers)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st.Round != 3 || st.LastOfferBy != model.SideSell {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.Status != model.NegotiationStatusAccepted {
		t.Fatalf("expected accepted, got %s", st.Status)
	}
	if !st.Price.Price.Equal(d("60500")) {
		t.Fatalf("expected final price 60500, got %s", st.Price.Price)
	}
}

func TestReplayDetectsGapsAndRepeats(t *testing.T) {
	negID := uuid.New()

	_, err := Replay([]*model.NegotiationOffer{
		{NegotiationID: negID, Round: 1, By: model.SideSell},
		{NegotiationID: negID, Round: 3, By: model.SideBuy},
	})
	if !errors.IsInvalidTransition(err) {
		t.Fatalf("expected gap detection, got %v", err)
	}

	_, err = Replay([]*model.NegotiationOffer{
		{NegotiationID: negID, Round: 1, By: model.SideSell},
		{NegotiationID: negID, Round: 2, By: model.SideSell},
	})
	if !errors.IsInvalidTransition(err) {
		t.Fatalf("expected alternation check, got %v", err)
	}

	st, err := Replay(nil)
	if err != nil {
		t.Fatalf("replay empty: %v", err)
	}
	if st.Round != 0 || st.Status != model.NegotiationStatusInitiated {
		t.Fatalf("unexpected empty state: %+v", st)
	}
}

func TestMidpointSuggester(t *testing.T) {
	buyer, seller := uuid.New(), uuid.New()
	n := &model.Negotiation{
		ID:              uuid.New(),
		BuyerPartnerID:  buyer,
		SellerPartnerID: seller,
		Round:           2,
		CurrentPrice:    d("61000"),
		CurrentQuantity: d("300"),
		LastOfferBy:     model.SideSell,
		Status:          model.NegotiationStatusInProgress,
	}
	history := []*model.NegotiationOffer{
		{Round: 1, By: model.SideBuy, Price: d("59000"), Quantity: d("300")},
		{Round: 2, By: model.SideSell, Price: d("61000"), Quantity: d("300")},
	}

	s := NewMidpointSuggester()
	p, err := s.SuggestCounter(context.Background(), n, history, model.SideBuy)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if !p.AIAssisted {
		t.Fatal("suggested proposal must be marked AI-assisted")
	}
	// Midpoint of 59000 and 61000.
	if !p.Price.Equal(d("60000")) {
		t.Fatalf("expected midpoint 60000, got %s", p.Price)
	}
	if p.AIConfidence == nil || p.AIConfidence.LessThan(d("0.5")) {
		t.Fatalf("confidence out of range: %v", p.AIConfidence)
	}
}
