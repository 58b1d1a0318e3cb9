// Package engine wires the matching pipeline together: risk precheck,
// scoring against the incremental book, token issuance, negotiation, and
// the compare-and-swap allocation protocol.
package engine

import (
	"context"
	"fmt"
	"time"

	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/allocation"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/events"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/negotiation"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/refdata"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/risk"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/scorer"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/token"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// candidateLimit bounds how many counterparties one posting is paired
// against in a single discovery pass.
const candidateLimit = 10

// Service is the engine facade. All operations take an explicit
// SecurityContext; the service never reads identity from ambient state.
type Service struct {
	cfg       *config.Config
	repo      model.Repository
	validator *risk.Validator
	scorer    *scorer.Scorer
	book      *scorer.Book
	tokens    *token.Manager
	allocator *allocation.Manager
	machine   *negotiation.Machine
	suggester negotiation.Suggester
	ref       refdata.Gateway
	publisher events.Publisher
	validate  *playground.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewService assembles the engine from its collaborators. feed may be nil.
func NewService(
	cfg *config.Config,
	repo model.Repository,
	directory risk.PartnerDirectory,
	feed risk.ScoreFeed,
	ref refdata.Gateway,
	publisher events.Publisher,
	logger *zap.Logger,
) *Service {
	sc := scorer.NewScorer(cfg.Scorer, cfg.Warn, ref, feed, logger.Named("scorer"))
	return &Service{
		cfg:       cfg,
		repo:      repo,
		validator: risk.NewValidator(cfg.Risk, directory, repo, feed, logger.Named("risk")),
		scorer:    sc,
		book:      scorer.NewBook(sc, logger.Named("book")),
		tokens:    token.NewManager(cfg.Token, repo, logger.Named("token")),
		allocator: allocation.NewManager(cfg.Allocation, repo, publisher, logger.Named("allocation")),
		machine:   negotiation.NewMachine(cfg.Negotiation, repo, logger.Named("negotiation")),
		suggester: negotiation.NewMidpointSuggester(),
		ref:       ref,
		publisher: publisher,
		validate:  playground.New(playground.WithRequiredStructEnabled()),
		logger:    logger.Named("engine"),
		now:       time.Now,
	}
}

// Book exposes the incremental match book, mainly for warm-up and tests.
func (s *Service) Book() *scorer.Book { return s.book }

// Tokens exposes the token manager for sweeper wiring.
func (s *Service) Tokens() *token.Manager { return s.tokens }

// Negotiations exposes the negotiation machine for sweeper wiring.
func (s *Service) Negotiations() *negotiation.Machine { return s.machine }

// WarmBook reloads open postings for the given commodities into the book,
// used after a restart before the service accepts traffic.
func (s *Service) WarmBook(ctx context.Context, commodityIDs []string) error {
	for _, id := range commodityIDs {
		reqs, err := s.repo.ListOpenRequirementsByCommodity(ctx, id)
		if err != nil {
			return fmt.Errorf("warm book requirements %s: %w", id, err)
		}
		for _, r := range reqs {
			s.book.UpsertRequirement(r)
		}
		avails, err := s.repo.ListOpenAvailabilitiesByCommodity(ctx, id)
		if err != nil {
			return fmt.Errorf("warm book availabilities %s: %w", id, err)
		}
		for _, a := range avails {
			s.book.UpsertAvailability(a)
		}
	}
	return nil
}

// MatchProposal is one surfaced match: the token plus the anonymous view
// the counterparty sees at the MATCHED disclosure level.
type MatchProposal struct {
	Token     *model.MatchToken `json:"token"`
	Redacted  token.Redacted    `json:"redacted"`
	Breakdown model.ScoreBreakdown `json:"breakdown"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// PostRequirementInput is the buyer-side posting request.
type PostRequirementInput struct {
	BranchID    uuid.UUID `validate:"required"`
	CommodityID string    `validate:"required"`
	VarietyID   string

	Quantity         model.QuantityRange
	Quality          []model.QualityWindow
	MaxBudgetPerUnit decimal.Decimal
	PreferredPrice   *decimal.Decimal

	PaymentTermIDs     []string
	DeliveryTermIDs    []string
	DeliveryLocationID string `validate:"required"`
	DeliveryWindow     model.DeliveryWindow

	Visibility string `validate:"required,oneof=PUBLIC PRIVATE RESTRICTED INTERNAL"`
	IntentType string `validate:"required,oneof=DIRECT_BUY NEGOTIATION AUCTION_REQUEST PRICE_DISCOVERY_ONLY"`
	ValidUntil time.Time `validate:"required"`
}

// PostAvailabilityInput is the seller-side posting request.
type PostAvailabilityInput struct {
	BranchID    uuid.UUID `validate:"required"`
	CommodityID string    `validate:"required"`
	VarietyID   string

	TotalQuantity decimal.Decimal
	Quality       *model.QualitySpec
	PriceOptions  []model.PriceOption `validate:"required,min=1"`

	LocationID        string `validate:"required"`
	Visibility        string `validate:"required,oneof=PUBLIC PRIVATE RESTRICTED INTERNAL"`
	AllowPartialOrder bool

	ValidFrom  time.Time
	ValidUntil time.Time `validate:"required"`
}

// PostRequirement validates, risk-checks, persists, and match-discovers a
// buyer requirement. A FAIL verdict is persisted for audit but the posting
// never enters the book; the caller receives the typed rejection.
func (s *Service) PostRequirement(ctx context.Context, sec model.SecurityContext, in PostRequirementInput) (*model.Requirement, []MatchProposal, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, errors.Validation("invalid requirement input").Wrap(err)
	}
	if err := in.Quantity.Validate(); err != nil {
		return nil, nil, errors.Validation("%s", err)
	}
	if in.MaxBudgetPerUnit.LessThanOrEqual(decimal.Zero) {
		return nil, nil, errors.Validation("max budget per unit must be positive")
	}
	for _, w := range in.Quality {
		if err := w.Validate(); err != nil {
			return nil, nil, errors.Validation("%s", err)
		}
	}
	if !in.DeliveryWindow.From.IsZero() && in.DeliveryWindow.To.Before(in.DeliveryWindow.From) {
		return nil, nil, errors.Validation("delivery window end precedes start")
	}
	if err := s.checkReferences(ctx, in.CommodityID, in.DeliveryLocationID, in.PaymentTermIDs, in.DeliveryTermIDs); err != nil {
		return nil, nil, err
	}

	now := s.now()
	if !in.ValidUntil.After(now) {
		return nil, nil, errors.Validation("valid_until must be in the future")
	}
	req := &model.Requirement{
		ID:                 uuid.New(),
		PartnerID:          sec.PartnerID,
		BranchID:           in.BranchID,
		CommodityID:        in.CommodityID,
		VarietyID:          in.VarietyID,
		Quantity:           in.Quantity,
		Quality:            in.Quality,
		MaxBudgetPerUnit:   in.MaxBudgetPerUnit,
		PreferredPrice:     in.PreferredPrice,
		PaymentTermIDs:     in.PaymentTermIDs,
		DeliveryTermIDs:    in.DeliveryTermIDs,
		DeliveryLocationID: in.DeliveryLocationID,
		DeliveryWindow:     in.DeliveryWindow,
		Visibility:         in.Visibility,
		IntentType:         in.IntentType,
		Status:             model.RequirementStatusActive,
		ValidUntil:         in.ValidUntil,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	verdict, err := s.validator.ValidateRequirement(ctx, sec, req)
	if err != nil {
		return nil, nil, err
	}
	s.applyVerdict(&req.RiskVerdict, &req.RiskScore, &req.RiskFlags, verdict)

	if err := s.repo.CreateRequirement(ctx, req); err != nil {
		return nil, nil, err
	}

	if verdict.Blocked() {
		s.publishRejection(ctx, &req.ID, nil, "risk_precheck", verdict)
		return req, nil, verdict.RejectionError()
	}

	s.book.UpsertRequirement(req)
	if req.IntentType == model.IntentPriceDiscoveryOnly {
		// Price discovery surfaces candidates without issuing tokens.
		return req, nil, nil
	}

	proposals := s.discoverForRequirement(ctx, req)
	return req, proposals, nil
}

// PostAvailability validates, risk-checks, persists, and match-discovers a
// seller lot.
func (s *Service) PostAvailability(ctx context.Context, sec model.SecurityContext, in PostAvailabilityInput) (*model.Availability, []MatchProposal, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, errors.Validation("invalid availability input").Wrap(err)
	}
	if in.TotalQuantity.LessThanOrEqual(decimal.Zero) {
		return nil, nil, errors.Validation("total quantity must be positive")
	}
	for _, opt := range in.PriceOptions {
		if opt.PricePerUnit.LessThanOrEqual(decimal.Zero) {
			return nil, nil, errors.Validation("price option must have a positive price per unit")
		}
	}
	if in.Quality != nil {
		if err := in.Quality.Validate(); err != nil {
			return nil, nil, errors.Validation("%s", err)
		}
	}
	if err := s.checkReferences(ctx, in.CommodityID, in.LocationID, nil, nil); err != nil {
		return nil, nil, err
	}
	if in.Quality != nil {
		commodity, err := s.ref.Commodity(ctx, in.CommodityID)
		if err == nil && commodity.QualityCategory != "" &&
			commodity.QualityCategory != in.Quality.Category {
			return nil, nil, errors.Validation(
				"quality category %s does not match commodity category %s",
				in.Quality.Category, commodity.QualityCategory)
		}
	}

	now := s.now()
	if !in.ValidUntil.After(now) {
		return nil, nil, errors.Validation("valid_until must be in the future")
	}
	avail := &model.Availability{
		ID:                uuid.New(),
		PartnerID:         sec.PartnerID,
		BranchID:          in.BranchID,
		CommodityID:       in.CommodityID,
		VarietyID:         in.VarietyID,
		TotalQuantity:     in.TotalQuantity,
		Quality:           in.Quality,
		PriceOptions:      in.PriceOptions,
		LocationID:        in.LocationID,
		Visibility:        in.Visibility,
		AllowPartialOrder: in.AllowPartialOrder,
		Status:            model.AvailabilityStatusAvailable,
		Version:           1,
		ValidFrom:         in.ValidFrom,
		ValidUntil:        in.ValidUntil,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	verdict, err := s.validator.ValidateAvailability(ctx, sec, avail)
	if err != nil {
		return nil, nil, err
	}
	s.applyVerdict(&avail.RiskVerdict, &avail.RiskScore, &avail.RiskFlags, verdict)

	if err := s.repo.CreateAvailability(ctx, avail); err != nil {
		return nil, nil, err
	}

	if verdict.Blocked() {
		s.publishRejection(ctx, nil, &avail.ID, "risk_precheck", verdict)
		return avail, nil, verdict.RejectionError()
	}

	s.book.UpsertAvailability(avail)
	proposals := s.discoverForAvailability(ctx, avail)
	return avail, proposals, nil
}

// CancelRequirement withdraws an open requirement. Only the posting
// partner may cancel.
func (s *Service) CancelRequirement(ctx context.Context, sec model.SecurityContext, id uuid.UUID) (*model.Requirement, error) {
	req, err := s.repo.GetRequirementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.PartnerID != sec.PartnerID {
		return nil, errors.Validation("partner %s does not own requirement %s", sec.PartnerID, id)
	}
	if !req.Open() && req.Status != model.RequirementStatusDraft {
		return nil, errors.InvalidStateTransition(
			"requirement %s is %s and cannot be cancelled", id, req.Status)
	}
	req.Status = model.RequirementStatusCancelled
	req.UpdatedAt = s.now()
	if err := s.repo.UpdateRequirement(ctx, req); err != nil {
		return nil, err
	}
	s.book.RemoveRequirement(req.CommodityID, req.ID)
	return req, nil
}

// CancelAvailability withdraws an open lot. Quantities already sold stay
// sold; the cancellation only stops further matching.
func (s *Service) CancelAvailability(ctx context.Context, sec model.SecurityContext, id uuid.UUID) (*model.Availability, error) {
	cur, err := s.repo.GetAvailabilityByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.PartnerID != sec.PartnerID {
		return nil, errors.Validation("partner %s does not own availability %s", sec.PartnerID, id)
	}
	if !cur.Open() {
		return nil, errors.InvalidStateTransition(
			"availability %s is %s and cannot be cancelled", id, cur.Status)
	}
	updated, err := s.repo.CompareAndSwapAvailability(ctx, id, cur.Version, func(a *model.Availability) error {
		if !a.Open() {
			return errors.InvalidStateTransition(
				"availability %s is %s and cannot be cancelled", id, a.Status)
		}
		a.Status = model.AvailabilityStatusCancelled
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.book.RemoveAvailability(id)
	return updated, nil
}

// AcceptMatch is either party's direct acceptance of a surfaced match:
// disclosure jumps to TRADE, quantity is reserved under the CAS protocol,
// and the token is consumed. A WARN match held for review must be approved
// first. On a lost allocation race the next-best candidate is re-surfaced
// and the conflict is returned for the caller to retry against.
func (s *Service) AcceptMatch(ctx context.Context, sec model.SecurityContext, tokenID uuid.UUID, quantity decimal.Decimal, allowPartial bool) (*model.AllocationResult, error) {
	t, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if sec.PartnerID != t.BuyerPartnerID && sec.PartnerID != t.SellerPartnerID {
		return nil, errors.Validation("partner %s is not a party to match %s", sec.PartnerID, t.Code)
	}
	if t.ReviewRequired && !t.ReviewApproved {
		return nil, errors.InvalidStateTransition(
			"match %s is held for manual review", t.Code)
	}

	req, err := s.repo.GetRequirementByID(ctx, t.RequirementID)
	if err != nil {
		return nil, err
	}
	if !req.Open() {
		return nil, errors.InvalidStateTransition(
			"requirement %s is %s; the match cannot be accepted", req.ID, req.Status)
	}
	avail, err := s.repo.GetAvailabilityByID(ctx, t.AvailabilityID)
	if err != nil {
		return nil, err
	}
	price, found := avail.BestPrice(req.PaymentTermIDs, req.DeliveryTermIDs)
	if !found || price.PricePerUnit.GreaterThan(req.MaxBudgetPerUnit) {
		return nil, errors.Validation(
			"no price option on %s fits the requirement terms and budget", avail.ID)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		quantity = req.RemainingQuantity()
	}

	if _, err := s.tokens.Advance(ctx, t.ID, model.DisclosureTrade); err != nil {
		return nil, err
	}

	result, err := s.allocator.Reserve(ctx, allocation.Request{
		TokenID:        t.ID,
		RequirementID:  req.ID,
		AvailabilityID: avail.ID,
		Quantity:       quantity,
		PricePerUnit:   price.PricePerUnit,
		MinAcceptable:  req.Quantity.Min,
		AllowPartial:   allowPartial,
	})
	if err != nil {
		if errors.IsAllocationConflict(err) {
			s.resurface(ctx, req, avail.ID)
		}
		return nil, err
	}

	if err := s.finalizeTrade(ctx, t, req, result, 0); err != nil {
		return nil, err
	}
	return result, nil
}

// ApproveMatch clears the manual-review hold on a WARN-flagged match.
func (s *Service) ApproveMatch(ctx context.Context, sec model.SecurityContext, tokenID uuid.UUID) (*model.MatchToken, error) {
	return s.tokens.Approve(ctx, tokenID)
}

// InitiateNegotiation opens a bargaining session against an active token
// and raises disclosure to NEGOTIATING. Either party may initiate.
func (s *Service) InitiateNegotiation(ctx context.Context, sec model.SecurityContext, tokenID uuid.UUID, maxRounds int) (*model.Negotiation, error) {
	t, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if sec.PartnerID != t.BuyerPartnerID && sec.PartnerID != t.SellerPartnerID {
		return nil, errors.Validation("partner %s is not a party to match %s", sec.PartnerID, t.Code)
	}
	if t.ReviewRequired && !t.ReviewApproved {
		return nil, errors.InvalidStateTransition(
			"match %s is held for manual review", t.Code)
	}
	n, err := s.machine.Initiate(ctx, t, maxRounds)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.Advance(ctx, t.ID, model.DisclosureNegotiating); err != nil {
		return nil, err
	}
	return n, nil
}

// SubmitOffer places the acting partner's next offer. expectedRound is the
// round being countered; stale submissions are rejected, never merged.
func (s *Service) SubmitOffer(ctx context.Context, sec model.SecurityContext, negotiationID uuid.UUID, expectedRound int, p negotiation.Proposal) (*model.Negotiation, *model.NegotiationOffer, error) {
	n, err := s.repo.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, nil, err
	}
	side, err := negotiation.SideOf(n, sec.PartnerID)
	if err != nil {
		return nil, nil, err
	}
	return s.machine.SubmitOffer(ctx, negotiationID, side, expectedRound, p)
}

// RespondToOffer accepts or rejects the standing offer. Acceptance drives
// the full settlement path: allocation of the agreed quantity, disclosure
// to TRADE, token consumption, and the outcome record.
func (s *Service) RespondToOffer(ctx context.Context, sec model.SecurityContext, negotiationID uuid.UUID, accept bool, reason string) (*model.Negotiation, *model.AllocationResult, error) {
	n, err := s.repo.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return nil, nil, err
	}
	side, err := negotiation.SideOf(n, sec.PartnerID)
	if err != nil {
		return nil, nil, err
	}

	if !accept {
		rejected, err := s.machine.Reject(ctx, negotiationID, side, reason)
		if err != nil {
			return nil, nil, err
		}
		// The negotiation's conclusion destroys the token: a rejected
		// pairing must not stay directly acceptable.
		if err := s.tokens.Consume(ctx, n.TokenID); err != nil {
			return rejected, nil, err
		}
		s.recordOutcome(ctx, n.TokenID, n.RequirementID, n.AvailabilityID,
			rejected.Round, rejected.CurrentPrice, rejected.CurrentQuantity, false)
		return rejected, nil, nil
	}

	accepted, err := s.machine.Accept(ctx, negotiationID, side)
	if err != nil {
		return nil, nil, err
	}

	t, err := s.tokens.Get(ctx, n.TokenID)
	if err != nil {
		return accepted, nil, err
	}
	req, err := s.repo.GetRequirementByID(ctx, n.RequirementID)
	if err != nil {
		return accepted, nil, err
	}
	if _, err := s.tokens.Advance(ctx, t.ID, model.DisclosureTrade); err != nil {
		return accepted, nil, err
	}

	result, err := s.allocator.Reserve(ctx, allocation.Request{
		TokenID:        t.ID,
		RequirementID:  req.ID,
		AvailabilityID: n.AvailabilityID,
		Quantity:       accepted.CurrentQuantity,
		PricePerUnit:   accepted.CurrentPrice,
		MinAcceptable:  req.Quantity.Min,
		AllowPartial:   true,
	})
	if err != nil {
		return accepted, nil, err
	}
	if err := s.finalizeTrade(ctx, t, req, result, accepted.Round); err != nil {
		return accepted, result, err
	}
	return accepted, result, nil
}

// SuggestCounter computes an AI-assisted counter-proposal for the acting
// side without submitting it; the caller reviews and submits explicitly.
func (s *Service) SuggestCounter(ctx context.Context, sec model.SecurityContext, negotiationID uuid.UUID) (negotiation.Proposal, error) {
	n, err := s.repo.GetNegotiationByID(ctx, negotiationID)
	if err != nil {
		return negotiation.Proposal{}, err
	}
	side, err := negotiation.SideOf(n, sec.PartnerID)
	if err != nil {
		return negotiation.Proposal{}, err
	}
	history, err := s.machine.Offers(ctx, negotiationID)
	if err != nil {
		return negotiation.Proposal{}, err
	}
	return s.suggester.SuggestCounter(ctx, n, history, side)
}

// MatchView returns what the acting partner may see of a match: the full
// token once that side's disclosure passed MATCHED, the redacted view
// before.
func (s *Service) MatchView(ctx context.Context, sec model.SecurityContext, tokenID uuid.UUID) (*model.MatchToken, *token.Redacted, error) {
	t, err := s.repo.GetTokenByID(ctx, tokenID)
	if err != nil {
		return nil, nil, err
	}
	var disclosure string
	switch sec.PartnerID {
	case t.BuyerPartnerID:
		disclosure = t.BuyerDisclosure
	case t.SellerPartnerID:
		disclosure = t.SellerDisclosure
	default:
		return nil, nil, errors.Validation("partner %s is not a party to match %s", sec.PartnerID, t.Code)
	}
	if disclosure != model.DisclosureMatched {
		return t, nil, nil
	}
	req, err := s.repo.GetRequirementByID(ctx, t.RequirementID)
	if err != nil {
		return nil, nil, err
	}
	redacted := token.Redact(t, req.CommodityID, req.RemainingQuantity())
	return nil, &redacted, nil
}

// ReleaseReservation returns reserved quantity to the pool when a
// downstream trade falls through, and refreshes the book.
func (s *Service) ReleaseReservation(ctx context.Context, availabilityID uuid.UUID, quantity decimal.Decimal) error {
	if err := s.allocator.ReleaseReservation(ctx, availabilityID, quantity); err != nil {
		return err
	}
	return s.refreshAvailability(ctx, availabilityID)
}

// ConfirmSale moves reserved quantity to sold once the downstream trade is
// final.
func (s *Service) ConfirmSale(ctx context.Context, availabilityID uuid.UUID, quantity decimal.Decimal) error {
	if err := s.allocator.ConfirmSale(ctx, availabilityID, quantity); err != nil {
		return err
	}
	return s.refreshAvailability(ctx, availabilityID)
}

// --- internals ---

func (s *Service) checkReferences(ctx context.Context, commodityID, locationID string, paymentTermIDs, deliveryTermIDs []string) error {
	if _, err := s.ref.Commodity(ctx, commodityID); err != nil {
		return errors.Validation("unknown commodity %s", commodityID).Wrap(err)
	}
	if _, err := s.ref.Location(ctx, locationID); err != nil {
		return errors.Validation("unknown location %s", locationID).Wrap(err)
	}
	for _, id := range paymentTermIDs {
		term, err := s.ref.Term(ctx, id)
		if err != nil {
			return errors.Validation("unknown payment term %s", id).Wrap(err)
		}
		if term.Kind != "PAYMENT" {
			return errors.Validation("term %s is not a payment term", id)
		}
	}
	for _, id := range deliveryTermIDs {
		term, err := s.ref.Term(ctx, id)
		if err != nil {
			return errors.Validation("unknown delivery term %s", id).Wrap(err)
		}
		if term.Kind != "DELIVERY" {
			return errors.Validation("term %s is not a delivery term", id)
		}
	}
	return nil
}

func (s *Service) applyVerdict(status *string, score *decimal.Decimal, flags *[]string, v risk.Verdict) {
	*status = v.Status
	*score = v.Score
	names := make([]string, 0, len(v.Flags))
	for _, f := range v.Flags {
		names = append(names, f.Rule)
	}
	*flags = names
}

func (s *Service) publishRejection(ctx context.Context, reqID, availID *uuid.UUID, stage string, v risk.Verdict) {
	var rules, warnings []string
	reason := ""
	for _, f := range v.Flags {
		if f.Severity == risk.SeverityBlock {
			rules = append(rules, f.Rule)
			if reason == "" {
				reason = f.Message
			}
		} else {
			warnings = append(warnings, f.Rule)
		}
	}
	s.publisher.Publish(ctx, events.NewEvent(events.TypeMatchRejected, events.MatchRejected{
		RequirementID:  reqID,
		AvailabilityID: availID,
		Stage:          stage,
		Rules:          rules,
		Warnings:       warnings,
		Reason:         reason,
	}))
}

// discoverForRequirement walks the book for a fresh requirement and issues
// tokens for qualifying pairs that clear the party-link check.
func (s *Service) discoverForRequirement(ctx context.Context, req *model.Requirement) []MatchProposal {
	var proposals []MatchProposal
	for _, cand := range s.book.CandidatesForRequirement(ctx, req, candidateLimit) {
		p, ok := s.pairMatch(ctx, req, cand.Availability, cand.Breakdown)
		if ok {
			proposals = append(proposals, p)
		}
	}
	return proposals
}

func (s *Service) discoverForAvailability(ctx context.Context, avail *model.Availability) []MatchProposal {
	var proposals []MatchProposal
	for _, req := range s.book.RequirementsForAvailability(ctx, avail, candidateLimit) {
		if req.IntentType == model.IntentPriceDiscoveryOnly {
			continue
		}
		breakdown, _, ok := s.scorer.Score(ctx, req, avail)
		if !ok || !s.scorer.Qualifies(breakdown) {
			continue
		}
		p, ok := s.pairMatch(ctx, req, avail, breakdown)
		if ok {
			proposals = append(proposals, p)
		}
	}
	return proposals
}

// pairMatch runs the pairing-time checks and issues a token for the pair
// unless one already exists. ok is false when the pair is vetoed or the
// pair already carries a token.
func (s *Service) pairMatch(ctx context.Context, req *model.Requirement, avail *model.Availability, breakdown model.ScoreBreakdown) (MatchProposal, bool) {
	now := s.now()
	if now.After(req.ValidUntil) {
		s.lapseRequirement(ctx, req)
		return MatchProposal{}, false
	}
	if now.After(avail.ValidUntil) {
		s.lapseAvailability(ctx, avail)
		return MatchProposal{}, false
	}

	if _, err := s.repo.GetTokenByPair(ctx, req.ID, avail.ID); err == nil {
		return MatchProposal{}, false
	} else if !errors.IsNotFound(err) {
		s.logger.Error("token pair lookup", zap.Error(err))
		return MatchProposal{}, false
	}

	flags, err := s.validator.CheckPartyLink(ctx, req.PartnerID, avail.PartnerID)
	if err != nil {
		s.logger.Error("party link check", zap.Error(err))
		return MatchProposal{}, false
	}
	var warnings []string
	for _, f := range flags {
		if f.Severity == risk.SeverityBlock {
			s.publishRejection(ctx, &req.ID, &avail.ID, "party_link",
				risk.Verdict{Status: model.RiskVerdictFail, Flags: flags})
			return MatchProposal{}, false
		}
		warnings = append(warnings, f.Rule)
	}

	warned := breakdown.WarnPenalized || len(warnings) > 0
	reviewRequired := warned && s.cfg.Warn.RequireManualApproval

	t, err := s.tokens.Issue(ctx, req, avail, breakdown, reviewRequired)
	if err != nil {
		s.logger.Error("issue match token", zap.Error(err))
		return MatchProposal{}, false
	}

	s.publisher.Publish(ctx, events.NewEvent(events.TypeMatchFound, events.MatchFound{
		TokenID:        t.ID,
		TokenCode:      t.Code,
		RequirementID:  req.ID,
		AvailabilityID: avail.ID,
		CommodityID:    req.CommodityID,
		Quantity:       req.RemainingQuantity(),
		Breakdown:      breakdown,
		ReviewRequired: reviewRequired,
	}))

	return MatchProposal{
		Token:     t,
		Redacted:  token.Redact(t, req.CommodityID, req.RemainingQuantity()),
		Breakdown: breakdown,
		Warnings:  warnings,
	}, true
}

// finalizeTrade applies a successful allocation to the requirement side,
// consumes the token, refreshes the book, and records the outcome.
func (s *Service) finalizeTrade(ctx context.Context, t *model.MatchToken, req *model.Requirement, result *model.AllocationResult, rounds int) error {
	if err := s.tokens.Consume(ctx, t.ID); err != nil {
		return err
	}

	req.MatchedQuantity = req.MatchedQuantity.Add(result.AllocatedQuantity)
	req.PurchasedQuantity = req.PurchasedQuantity.Add(result.AllocatedQuantity)
	req.TotalSpend = req.TotalSpend.Add(result.AllocatedQuantity.Mul(result.PricePerUnit))
	switch {
	case req.PurchasedQuantity.GreaterThanOrEqual(req.Quantity.Max):
		req.Status = model.RequirementStatusFulfilled
	case req.PurchasedQuantity.GreaterThan(decimal.Zero):
		req.Status = model.RequirementStatusPartiallyFulfilled
	}
	req.UpdatedAt = s.now()
	if err := s.repo.UpdateRequirement(ctx, req); err != nil {
		return err
	}
	s.book.UpsertRequirement(req)
	if err := s.refreshAvailability(ctx, result.AvailabilityID); err != nil {
		s.logger.Warn("refresh availability after trade",
			zap.String("availability_id", result.AvailabilityID.String()), zap.Error(err))
	}

	s.recordOutcome(ctx, t.ID, req.ID, result.AvailabilityID,
		rounds, result.PricePerUnit, result.AllocatedQuantity, true)
	return nil
}

func (s *Service) recordOutcome(ctx context.Context, tokenID, reqID, availID uuid.UUID, rounds int, price, quantity decimal.Decimal, completed bool) {
	t, err := s.repo.GetTokenByID(ctx, tokenID)
	if err != nil {
		s.logger.Warn("record outcome: token lookup", zap.Error(err))
		return
	}
	outcome := &model.MatchOutcome{
		ID:             uuid.New(),
		TokenID:        tokenID,
		RequirementID:  reqID,
		AvailabilityID: availID,
		Breakdown:      t.Breakdown,
		DistanceKM:     t.Breakdown.DistanceKM,
		Rounds:         rounds,
		FinalPrice:     price,
		FinalQuantity:  quantity,
		Completed:      completed,
		QualityOK:      completed,
		PaymentOK:      completed,
		DeliveryOK:     completed,
		RecordedAt:     s.now(),
	}
	if err := s.repo.AppendOutcome(ctx, outcome); err != nil {
		s.logger.Warn("record outcome", zap.Error(err))
	}
}

// lapseRequirement retires a requirement whose validity window elapsed:
// status moves to EXPIRED and the posting leaves the book.
func (s *Service) lapseRequirement(ctx context.Context, req *model.Requirement) {
	s.book.RemoveRequirement(req.CommodityID, req.ID)
	if !req.Open() {
		return
	}
	req.Status = model.RequirementStatusExpired
	req.UpdatedAt = s.now()
	if err := s.repo.UpdateRequirement(ctx, req); err != nil {
		s.logger.Warn("lapse requirement",
			zap.String("requirement_id", req.ID.String()), zap.Error(err))
	}
}

// lapseAvailability retires a lot whose validity window elapsed. The
// status write goes through the CAS like every other status change; a
// lost race just means another writer already moved the lot on.
func (s *Service) lapseAvailability(ctx context.Context, avail *model.Availability) {
	s.book.RemoveAvailability(avail.ID)
	if !avail.Open() {
		return
	}
	_, err := s.repo.CompareAndSwapAvailability(ctx, avail.ID, avail.Version, func(a *model.Availability) error {
		if !a.Open() {
			return errors.InvalidStateTransition(
				"availability %s is %s", a.ID, a.Status)
		}
		a.Status = model.AvailabilityStatusExpired
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		s.logger.Warn("lapse availability",
			zap.String("availability_id", avail.ID.String()), zap.Error(err))
	}
}

// refreshAvailability re-reads a lot and replays it into the book so the
// derived available quantity stays current after allocation traffic.
func (s *Service) refreshAvailability(ctx context.Context, id uuid.UUID) error {
	a, err := s.repo.GetAvailabilityByID(ctx, id)
	if err != nil {
		return err
	}
	s.book.UpsertAvailability(a)
	return nil
}

// resurface refreshes the contested lot and re-runs discovery so the buyer
// immediately sees the next-best candidates after a lost race.
func (s *Service) resurface(ctx context.Context, req *model.Requirement, availabilityID uuid.UUID) {
	if err := s.refreshAvailability(ctx, availabilityID); err != nil {
		s.logger.Warn("resurface after conflict", zap.Error(err))
	}
	s.discoverForRequirement(ctx, req)
}
