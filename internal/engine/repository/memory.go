// Package repository provides the engine's persistence implementations:
// an in-memory store for tests and embedded use, and a GORM store for
// Postgres deployments. Both honor the compare-and-swap-on-version
// contract guarding availability quantities.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// MemoryRepository is a mutex-guarded map store implementing the full
// model.Repository contract.
type MemoryRepository struct {
	mu           sync.RWMutex
	requirements map[uuid.UUID]*model.Requirement
	avails       map[uuid.UUID]*model.Availability
	tokens       map[uuid.UUID]*model.MatchToken
	tokenByCode  map[string]uuid.UUID
	negotiations map[uuid.UUID]*model.Negotiation
	negByToken   map[uuid.UUID]uuid.UUID
	offers       map[uuid.UUID][]*model.NegotiationOffer
	outcomes     map[uuid.UUID][]*model.MatchOutcome
}

var _ model.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requirements: make(map[uuid.UUID]*model.Requirement),
		avails:       make(map[uuid.UUID]*model.Availability),
		tokens:       make(map[uuid.UUID]*model.MatchToken),
		tokenByCode:  make(map[string]uuid.UUID),
		negotiations: make(map[uuid.UUID]*model.Negotiation),
		negByToken:   make(map[uuid.UUID]uuid.UUID),
		offers:       make(map[uuid.UUID][]*model.NegotiationOffer),
		outcomes:     make(map[uuid.UUID][]*model.MatchOutcome),
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Copies handed out or taken in must not share slice or pointer backing
// with the store, or callers could mutate stored state behind the lock.

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyRequirement(req *model.Requirement) *model.Requirement {
	cp := *req
	cp.Quality = append([]model.QualityWindow(nil), req.Quality...)
	cp.PaymentTermIDs = copyStrings(req.PaymentTermIDs)
	cp.DeliveryTermIDs = copyStrings(req.DeliveryTermIDs)
	cp.RiskFlags = copyStrings(req.RiskFlags)
	if req.PreferredPrice != nil {
		p := *req.PreferredPrice
		cp.PreferredPrice = &p
	}
	return &cp
}

func copyAvailability(a *model.Availability) *model.Availability {
	cp := *a
	cp.PriceOptions = append([]model.PriceOption(nil), a.PriceOptions...)
	cp.RiskFlags = copyStrings(a.RiskFlags)
	if a.Quality != nil {
		q := *a.Quality
		if a.Quality.Cotton != nil {
			c := *a.Quality.Cotton
			q.Cotton = &c
		}
		if a.Quality.Grain != nil {
			g := *a.Quality.Grain
			q.Grain = &g
		}
		if a.Quality.Generic != nil {
			q.Generic = make(map[string]decimal.Decimal, len(a.Quality.Generic))
			for k, v := range a.Quality.Generic {
				q.Generic[k] = v
			}
		}
		if a.Quality.Extensions != nil {
			q.Extensions = make(map[string]string, len(a.Quality.Extensions))
			for k, v := range a.Quality.Extensions {
				q.Extensions[k] = v
			}
		}
		cp.Quality = &q
	}
	return &cp
}

func copyNegotiation(n *model.Negotiation) *model.Negotiation {
	cp := *n
	if n.TradeID != nil {
		id := *n.TradeID
		cp.TradeID = &id
	}
	return &cp
}

func copyOffer(o *model.NegotiationOffer) *model.NegotiationOffer {
	cp := *o
	if o.AIConfidence != nil {
		c := *o.AIConfidence
		cp.AIConfidence = &c
	}
	return &cp
}

// --- requirements ---

func (r *MemoryRepository) CreateRequirement(ctx context.Context, req *model.Requirement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requirements[req.ID] = copyRequirement(req)
	return nil
}

func (r *MemoryRepository) GetRequirementByID(ctx context.Context, id uuid.UUID) (*model.Requirement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requirements[id]
	if !ok {
		return nil, errors.NotFound("requirement %s not found", id)
	}
	return copyRequirement(req), nil
}

func (r *MemoryRepository) UpdateRequirement(ctx context.Context, req *model.Requirement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requirements[req.ID]; !ok {
		return errors.NotFound("requirement %s not found", req.ID)
	}
	r.requirements[req.ID] = copyRequirement(req)
	return nil
}

func (r *MemoryRepository) ListOpenRequirementsByCommodity(ctx context.Context, commodityID string) ([]*model.Requirement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Requirement
	for _, req := range r.requirements {
		if req.CommodityID == commodityID && req.Open() {
			out = append(out, copyRequirement(req))
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListRequirementsByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*model.Requirement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Requirement
	for _, req := range r.requirements {
		if req.PartnerID == partnerID && sameDay(req.CreatedAt, day) {
			out = append(out, copyRequirement(req))
		}
	}
	return out, nil
}

// --- availabilities ---

func (r *MemoryRepository) CreateAvailability(ctx context.Context, a *model.Availability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := copyAvailability(a)
	if cp.Version == 0 {
		cp.Version = 1
	}
	r.avails[cp.ID] = cp
	a.Version = cp.Version
	return nil
}

func (r *MemoryRepository) GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*model.Availability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.avails[id]
	if !ok {
		return nil, errors.NotFound("availability %s not found", id)
	}
	return copyAvailability(a), nil
}

func (r *MemoryRepository) UpdateAvailability(ctx context.Context, a *model.Availability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.avails[a.ID]
	if !ok {
		return errors.NotFound("availability %s not found", a.ID)
	}
	cp := copyAvailability(a)
	cp.Version = cur.Version
	r.avails[cp.ID] = cp
	return nil
}

func (r *MemoryRepository) ListOpenAvailabilitiesByCommodity(ctx context.Context, commodityID string) ([]*model.Availability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Availability
	for _, a := range r.avails {
		if a.CommodityID == commodityID && a.Open() {
			out = append(out, copyAvailability(a))
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListAvailabilitiesByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*model.Availability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Availability
	for _, a := range r.avails {
		if a.PartnerID == partnerID && sameDay(a.CreatedAt, day) {
			out = append(out, copyAvailability(a))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CompareAndSwapAvailability(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate model.MutateAvailability) (*model.Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.avails[id]
	if !ok {
		return nil, errors.NotFound("availability %s not found", id)
	}
	if cur.Version != expectedVersion {
		return nil, errors.AllocationConflict(
			"availability %s version is %d, expected %d", id, cur.Version, expectedVersion)
	}
	cp := copyAvailability(cur)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	if !cp.CheckQuantityInvariant() {
		return nil, errors.AllocationConflict(
			"mutation violates reserved+sold <= total on %s", id)
	}
	cp.Version = expectedVersion + 1
	r.avails[id] = cp
	return copyAvailability(cp), nil
}

// --- tokens ---

func (r *MemoryRepository) CreateToken(ctx context.Context, t *model.MatchToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tokens[cp.ID] = &cp
	r.tokenByCode[cp.Code] = cp.ID
	return nil
}

func (r *MemoryRepository) GetTokenByID(ctx context.Context, id uuid.UUID) (*model.MatchToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, errors.NotFound("match token %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) GetTokenByCode(ctx context.Context, code string) (*model.MatchToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokenByCode[code]
	if !ok {
		return nil, errors.NotFound("match token with code %s not found", code)
	}
	cp := *r.tokens[id]
	return &cp, nil
}

func (r *MemoryRepository) GetTokenByPair(ctx context.Context, requirementID, availabilityID uuid.UUID) (*model.MatchToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tokens {
		if t.RequirementID == requirementID && t.AvailabilityID == availabilityID &&
			t.Status == model.TokenStatusActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errors.NotFound("no active match token for requirement %s and availability %s", requirementID, availabilityID)
}

func (r *MemoryRepository) UpdateToken(ctx context.Context, t *model.MatchToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[t.ID]; !ok {
		return errors.NotFound("match token %s not found", t.ID)
	}
	cp := *t
	r.tokens[cp.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListActiveTokensByRequirement(ctx context.Context, requirementID uuid.UUID) ([]*model.MatchToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.MatchToken
	for _, t := range r.tokens {
		if t.RequirementID == requirementID && t.Status == model.TokenStatusActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]*model.MatchToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.MatchToken
	for _, t := range r.tokens {
		if t.Status == model.TokenStatusActive && !t.ExpiresAt.After(now) {
			cp := *t
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- negotiations ---

func (r *MemoryRepository) CreateNegotiation(ctx context.Context, n *model.Negotiation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.negByToken[n.TokenID]; exists {
		return errors.InvalidStateTransition(
			"token %s already has a negotiation", n.TokenID)
	}
	cp := copyNegotiation(n)
	r.negotiations[cp.ID] = cp
	r.negByToken[cp.TokenID] = cp.ID
	return nil
}

func (r *MemoryRepository) GetNegotiationByID(ctx context.Context, id uuid.UUID) (*model.Negotiation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.negotiations[id]
	if !ok {
		return nil, errors.NotFound("negotiation %s not found", id)
	}
	return copyNegotiation(n), nil
}

func (r *MemoryRepository) GetNegotiationByToken(ctx context.Context, tokenID uuid.UUID) (*model.Negotiation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.negByToken[tokenID]
	if !ok {
		return nil, errors.NotFound("no negotiation for token %s", tokenID)
	}
	return copyNegotiation(r.negotiations[id]), nil
}

func (r *MemoryRepository) UpdateNegotiationCAS(ctx context.Context, n *model.Negotiation, expectedRound int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.negotiations[n.ID]
	if !ok {
		return errors.NotFound("negotiation %s not found", n.ID)
	}
	if cur.Round != expectedRound {
		return errors.InvalidStateTransition(
			"negotiation %s is at round %d, expected %d", n.ID, cur.Round, expectedRound)
	}
	r.negotiations[n.ID] = copyNegotiation(n)
	return nil
}

func (r *MemoryRepository) AppendOffer(ctx context.Context, offer *model.NegotiationOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// One offer per round, matching the unique (negotiation_id, round)
	// index on the SQL side. The append is what serializes concurrent
	// counters racing for the same round.
	for _, o := range r.offers[offer.NegotiationID] {
		if o.Round == offer.Round {
			return errors.InvalidStateTransition(
				"negotiation %s already has an offer at round %d", offer.NegotiationID, offer.Round)
		}
	}
	r.offers[offer.NegotiationID] = append(r.offers[offer.NegotiationID], copyOffer(offer))
	return nil
}

func (r *MemoryRepository) UpdateOfferStatus(ctx context.Context, offerID uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rows := range r.offers {
		for _, o := range rows {
			if o.ID == offerID {
				o.Status = status
				return nil
			}
		}
	}
	return errors.NotFound("offer %s not found", offerID)
}

func (r *MemoryRepository) ListOffers(ctx context.Context, negotiationID uuid.UUID) ([]*model.NegotiationOffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.offers[negotiationID]
	out := make([]*model.NegotiationOffer, 0, len(rows))
	for _, o := range rows {
		out = append(out, copyOffer(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (r *MemoryRepository) ListExpiredNegotiations(ctx context.Context, now time.Time, limit int) ([]*model.Negotiation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Negotiation
	for _, n := range r.negotiations {
		if !n.Terminal() && !n.ExpiresAt.After(now) {
			out = append(out, copyNegotiation(n))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- outcomes ---

func (r *MemoryRepository) AppendOutcome(ctx context.Context, o *model.MatchOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.outcomes[cp.TokenID] = append(r.outcomes[cp.TokenID], &cp)
	return nil
}

func (r *MemoryRepository) ListOutcomesByToken(ctx context.Context, tokenID uuid.UUID) ([]*model.MatchOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.outcomes[tokenID]
	out := make([]*model.MatchOutcome, 0, len(rows))
	for _, o := range rows {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}
