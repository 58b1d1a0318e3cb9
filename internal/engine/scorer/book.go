package scorer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
)

// availEntry is the match book index key: open availabilities per commodity
// ordered by lowest offered price, then posting time for FIFO fairness.
type availEntry struct {
	minPrice decimal.Decimal
	postedAt time.Time
	id       uuid.UUID
}

func availEntryLess(a, b availEntry) bool {
	if !a.minPrice.Equal(b.minPrice) {
		return a.minPrice.LessThan(b.minPrice)
	}
	if !a.postedAt.Equal(b.postedAt) {
		return a.postedAt.Before(b.postedAt)
	}
	return a.id.String() < b.id.String()
}

// Book is the incremental match book: it receives deltas whenever a
// posting is created, updated, or has quantity allocated, and candidate
// generation walks only the relevant commodity subtree. The whole order
// book is never rescanned per request.
type Book struct {
	mu     sync.RWMutex
	scorer *Scorer
	logger *zap.Logger

	// per-commodity price-ordered index plus payload maps
	trees  map[string]*btree.BTreeG[availEntry]
	avails map[uuid.UUID]*model.Availability
	reqs   map[string]map[uuid.UUID]*model.Requirement
}

func NewBook(scorer *Scorer, logger *zap.Logger) *Book {
	return &Book{
		scorer: scorer,
		logger: logger,
		trees:  make(map[string]*btree.BTreeG[availEntry]),
		avails: make(map[uuid.UUID]*model.Availability),
		reqs:   make(map[string]map[uuid.UUID]*model.Requirement),
	}
}

func minOfferedPrice(a *model.Availability) decimal.Decimal {
	min := decimal.Zero
	for i, opt := range a.PriceOptions {
		if i == 0 || opt.PricePerUnit.LessThan(min) {
			min = opt.PricePerUnit
		}
	}
	return min
}

func (b *Book) entryFor(a *model.Availability) availEntry {
	return availEntry{minPrice: minOfferedPrice(a), postedAt: a.CreatedAt, id: a.ID}
}

// UpsertAvailability adds or refreshes a lot in the book. Closed, failed,
// or non-public lots are removed instead.
func (b *Book) UpsertAvailability(a *model.Availability) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.avails[a.ID]; ok {
		if tree, ok := b.trees[prev.CommodityID]; ok {
			tree.Delete(b.entryFor(prev))
		}
		delete(b.avails, a.ID)
	}
	if !a.Open() || a.RiskVerdict == model.RiskVerdictFail ||
		a.Visibility != model.VisibilityPublic ||
		a.AvailableQuantity().LessThanOrEqual(decimal.Zero) {
		return
	}

	cp := *a
	tree, ok := b.trees[cp.CommodityID]
	if !ok {
		tree = btree.NewBTreeG(availEntryLess)
		b.trees[cp.CommodityID] = tree
	}
	tree.Set(b.entryFor(&cp))
	b.avails[cp.ID] = &cp
}

// RemoveAvailability drops a lot from the book.
func (b *Book) RemoveAvailability(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.avails[id]
	if !ok {
		return
	}
	if tree, ok := b.trees[prev.CommodityID]; ok {
		tree.Delete(b.entryFor(prev))
	}
	delete(b.avails, id)
}

// UpsertRequirement adds or refreshes a requirement. Closed, failed,
// non-public, or price-discovery-only requirements are removed instead.
func (b *Book) UpsertRequirement(r *model.Requirement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.reqs[r.CommodityID]
	if !ok {
		byID = make(map[uuid.UUID]*model.Requirement)
		b.reqs[r.CommodityID] = byID
	}
	if !r.Open() || r.RiskVerdict == model.RiskVerdictFail ||
		r.Visibility != model.VisibilityPublic {
		delete(byID, r.ID)
		return
	}
	cp := *r
	byID[cp.ID] = &cp
}

// RemoveRequirement drops a requirement from the book.
func (b *Book) RemoveRequirement(commodityID string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID, ok := b.reqs[commodityID]; ok {
		delete(byID, id)
	}
}

// CandidatesForRequirement walks the requirement's commodity subtree and
// returns qualifying availabilities in tie-break order: score desc, price
// asc, seller reliability desc, posting time asc. limit <= 0 returns all.
func (b *Book) CandidatesForRequirement(ctx context.Context, req *model.Requirement, limit int) []Candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree, ok := b.trees[req.CommodityID]
	if !ok {
		return nil
	}

	var out []Candidate
	tree.Scan(func(e availEntry) bool {
		a, ok := b.avails[e.id]
		if !ok {
			return true
		}
		if a.PartnerID == req.PartnerID {
			return true
		}
		if req.VarietyID != "" && a.VarietyID != "" && req.VarietyID != a.VarietyID {
			return true
		}
		if a.AvailableQuantity().LessThan(req.Quantity.Min) && !a.AllowPartialOrder {
			return true
		}
		breakdown, price, qualified := b.scorer.Score(ctx, req, a)
		if !qualified || !b.scorer.Qualifies(breakdown) {
			return true
		}
		out = append(out, Candidate{
			Availability: a,
			Breakdown:    breakdown,
			Price:        price,
			Reliability:  b.scorer.reliability(ctx, a),
		})
		return true
	})

	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RequirementsForAvailability returns open requirements the lot qualifies
// against, best composite first.
func (b *Book) RequirementsForAvailability(ctx context.Context, avail *model.Availability, limit int) []*model.Requirement {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byID, ok := b.reqs[avail.CommodityID]
	if !ok {
		return nil
	}

	type scored struct {
		req       *model.Requirement
		composite decimal.Decimal
	}
	var matches []scored
	for _, r := range byID {
		if r.PartnerID == avail.PartnerID {
			continue
		}
		if r.VarietyID != "" && avail.VarietyID != "" && r.VarietyID != avail.VarietyID {
			continue
		}
		breakdown, _, qualified := b.scorer.Score(ctx, r, avail)
		if !qualified || !b.scorer.Qualifies(breakdown) {
			continue
		}
		matches = append(matches, scored{req: r, composite: breakdown.Composite})
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].composite.Equal(matches[j].composite) {
			return matches[i].composite.GreaterThan(matches[j].composite)
		}
		return matches[i].req.CreatedAt.Before(matches[j].req.CreatedAt)
	})

	out := make([]*model.Requirement, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.req)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sortCandidates applies the tie-break order.
func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.Breakdown.Composite.Equal(b.Breakdown.Composite) {
			return a.Breakdown.Composite.GreaterThan(b.Breakdown.Composite)
		}
		if !a.Price.PricePerUnit.Equal(b.Price.PricePerUnit) {
			return a.Price.PricePerUnit.LessThan(b.Price.PricePerUnit)
		}
		if !a.Reliability.Equal(b.Reliability) {
			return a.Reliability.GreaterThan(b.Reliability)
		}
		return a.Availability.CreatedAt.Before(b.Availability.CreatedAt)
	})
}
