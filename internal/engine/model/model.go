package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, visibility, intent, lifecycle statuses,
// disclosure levels, and risk verdicts.
const (
	// Order sides
	SideBuy  = "BUY"
	SideSell = "SELL"

	// Partner roles
	RoleBuyer  = "BUYER"
	RoleSeller = "SELLER"
	RoleTrader = "TRADER"

	// Market visibility
	VisibilityPublic     = "PUBLIC"
	VisibilityPrivate    = "PRIVATE"
	VisibilityRestricted = "RESTRICTED"
	VisibilityInternal   = "INTERNAL"

	// Requirement intent types
	IntentDirectBuy          = "DIRECT_BUY"
	IntentNegotiation        = "NEGOTIATION"
	IntentAuctionRequest     = "AUCTION_REQUEST"
	IntentPriceDiscoveryOnly = "PRICE_DISCOVERY_ONLY"

	// Requirement statuses
	RequirementStatusDraft              = "DRAFT"
	RequirementStatusActive             = "ACTIVE"
	RequirementStatusPartiallyFulfilled = "PARTIALLY_FULFILLED"
	RequirementStatusFulfilled          = "FULFILLED"
	RequirementStatusExpired            = "EXPIRED"
	RequirementStatusCancelled          = "CANCELLED"

	// Availability statuses
	AvailabilityStatusAvailable     = "AVAILABLE"
	AvailabilityStatusPartiallySold = "PARTIALLY_SOLD"
	AvailabilityStatusSold          = "SOLD"
	AvailabilityStatusExpired       = "EXPIRED"
	AvailabilityStatusCancelled     = "CANCELLED"

	// Risk verdicts
	RiskVerdictPass = "PASS"
	RiskVerdictWarn = "WARN"
	RiskVerdictFail = "FAIL"

	// Disclosure levels, strictly increasing
	DisclosureMatched     = "MATCHED"
	DisclosureNegotiating = "NEGOTIATING"
	DisclosureTrade       = "TRADE"

	// Match token statuses
	TokenStatusActive   = "ACTIVE"
	TokenStatusConsumed = "CONSUMED"
	TokenStatusExpired  = "EXPIRED"

	// Negotiation statuses
	NegotiationStatusInitiated  = "INITIATED"
	NegotiationStatusInProgress = "IN_PROGRESS"
	NegotiationStatusAccepted   = "ACCEPTED"
	NegotiationStatusRejected   = "REJECTED"
	NegotiationStatusExpired    = "EXPIRED"

	// Negotiation offer statuses
	OfferStatusPending   = "PENDING"
	OfferStatusAccepted  = "ACCEPTED"
	OfferStatusRejected  = "REJECTED"
	OfferStatusCountered = "COUNTERED"
	OfferStatusExpired   = "EXPIRED"

	// Allocation types
	AllocationFull    = "FULL"
	AllocationPartial = "PARTIAL"
)

// disclosureRank orders disclosure levels; a level may only move to a
// higher rank, never back.
var disclosureRank = map[string]int{
	DisclosureMatched:     0,
	DisclosureNegotiating: 1,
	DisclosureTrade:       2,
}

// DisclosureAdvances reports whether moving from to next is a forward
// transition.
func DisclosureAdvances(from, to string) bool {
	a, okA := disclosureRank[from]
	b, okB := disclosureRank[to]
	return okA && okB && b > a
}

// SecurityContext is the explicit acting-party context threaded through
// every engine call. The engine never reads identity from ambient state.
type SecurityContext struct {
	PartnerID    uuid.UUID
	Role         string // RoleBuyer, RoleSeller, RoleTrader
	RiskOverride *decimal.Decimal
}

// Terms is the payment/delivery term pair a price or offer applies to.
// Term identifiers are opaque validated references from the reference data
// gateway.
type Terms struct {
	PaymentTermID  string `json:"payment_term_id"`
	DeliveryTermID string `json:"delivery_term_id"`
}

// PriceOption is one availability price for a specific term combination.
type PriceOption struct {
	Terms        Terms           `json:"terms"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// QuantityRange bounds a requirement's acceptable quantity. Preferred is
// optional; when set, Min <= Preferred <= Max must hold.
type QuantityRange struct {
	Min       decimal.Decimal  `json:"min"`
	Max       decimal.Decimal  `json:"max"`
	Preferred *decimal.Decimal `json:"preferred,omitempty"`
}

// Validate checks the range ordering invariants.
func (q QuantityRange) Validate() error {
	if q.Min.LessThanOrEqual(decimal.Zero) || q.Max.LessThan(q.Min) {
		return errQuantityRange
	}
	if q.Preferred != nil &&
		(q.Preferred.LessThan(q.Min) || q.Preferred.GreaterThan(q.Max)) {
		return errQuantityRange
	}
	return nil
}

// DeliveryWindow is the requirement's accepted delivery period.
type DeliveryWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window, inclusive.
func (w DeliveryWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Requirement is a buyer's standing order.
type Requirement struct {
	ID          uuid.UUID `json:"id"`
	PartnerID   uuid.UUID `json:"partner_id"`
	BranchID    uuid.UUID `json:"branch_id"`
	CommodityID string    `json:"commodity_id"`
	VarietyID   string    `json:"variety_id,omitempty"`

	Quantity        QuantityRange   `json:"quantity"`
	Quality         []QualityWindow `json:"quality,omitempty"`
	MaxBudgetPerUnit decimal.Decimal `json:"max_budget_per_unit"`
	PreferredPrice  *decimal.Decimal `json:"preferred_price,omitempty"`

	PaymentTermIDs     []string       `json:"payment_term_ids,omitempty"`
	DeliveryTermIDs    []string       `json:"delivery_term_ids,omitempty"`
	DeliveryLocationID string         `json:"delivery_location_id"`
	DeliveryWindow     DeliveryWindow `json:"delivery_window"`

	Visibility string `json:"visibility"`
	IntentType string `json:"intent_type"`
	Status     string `json:"status"`

	RiskVerdict string          `json:"risk_verdict,omitempty"`
	RiskScore   decimal.Decimal `json:"risk_score"`
	RiskFlags   []string        `json:"risk_flags,omitempty"`

	MatchedQuantity   decimal.Decimal `json:"matched_quantity"`
	PurchasedQuantity decimal.Decimal `json:"purchased_quantity"`
	TotalSpend        decimal.Decimal `json:"total_spend"`

	ValidUntil time.Time `json:"valid_until"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Open reports whether the requirement still participates in matching.
func (r *Requirement) Open() bool {
	return r.Status == RequirementStatusActive ||
		r.Status == RequirementStatusPartiallyFulfilled
}

// RemainingQuantity is the quantity still purchasable under the max bound.
func (r *Requirement) RemainingQuantity() decimal.Decimal {
	rem := r.Quantity.Max.Sub(r.PurchasedQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Availability is a seller's standing lot. AvailableQuantity is always
// derived, never stored.
type Availability struct {
	ID          uuid.UUID `json:"id"`
	PartnerID   uuid.UUID `json:"partner_id"`
	BranchID    uuid.UUID `json:"branch_id"`
	CommodityID string    `json:"commodity_id"`
	VarietyID   string    `json:"variety_id,omitempty"`

	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity"`
	SoldQuantity     decimal.Decimal `json:"sold_quantity"`

	Quality      *QualitySpec  `json:"quality,omitempty"`
	PriceOptions []PriceOption `json:"price_options"`

	LocationID        string `json:"location_id"`
	Visibility        string `json:"visibility"`
	AllowPartialOrder bool   `json:"allow_partial_order"`

	Status  string `json:"status"`
	Version int64  `json:"version"`

	RiskVerdict string          `json:"risk_verdict,omitempty"`
	RiskScore   decimal.Decimal `json:"risk_score"`
	RiskFlags   []string        `json:"risk_flags,omitempty"`

	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AvailableQuantity derives the sellable remainder: total - reserved - sold.
func (a *Availability) AvailableQuantity() decimal.Decimal {
	return a.TotalQuantity.Sub(a.ReservedQuantity).Sub(a.SoldQuantity)
}

// DeriveStatus computes lifecycle status from quantities. Cancelled and
// expired are terminal and never recomputed.
func (a *Availability) DeriveStatus() string {
	if a.Status == AvailabilityStatusCancelled || a.Status == AvailabilityStatusExpired {
		return a.Status
	}
	consumed := a.ReservedQuantity.Add(a.SoldQuantity)
	switch {
	case consumed.GreaterThanOrEqual(a.TotalQuantity):
		return AvailabilityStatusSold
	case consumed.GreaterThan(decimal.Zero):
		return AvailabilityStatusPartiallySold
	default:
		return AvailabilityStatusAvailable
	}
}

// Open reports whether the availability still participates in matching.
func (a *Availability) Open() bool {
	return a.Status == AvailabilityStatusAvailable ||
		a.Status == AvailabilityStatusPartiallySold
}

// CheckQuantityInvariant verifies reserved + sold <= total.
func (a *Availability) CheckQuantityInvariant() bool {
	return a.ReservedQuantity.Add(a.SoldQuantity).LessThanOrEqual(a.TotalQuantity) &&
		!a.ReservedQuantity.IsNegative() && !a.SoldQuantity.IsNegative()
}

// BestPrice returns the lowest price option applicable to the given term
// preferences. Empty preference slices accept any term. The boolean is
// false when no option applies.
func (a *Availability) BestPrice(paymentTermIDs, deliveryTermIDs []string) (PriceOption, bool) {
	accepts := func(set []string, id string) bool {
		if len(set) == 0 {
			return true
		}
		for _, s := range set {
			if s == id {
				return true
			}
		}
		return false
	}
	var best PriceOption
	found := false
	for _, opt := range a.PriceOptions {
		if !accepts(paymentTermIDs, opt.Terms.PaymentTermID) ||
			!accepts(deliveryTermIDs, opt.Terms.DeliveryTermID) {
			continue
		}
		if !found || opt.PricePerUnit.LessThan(best.PricePerUnit) {
			best = opt
			found = true
		}
	}
	return best, found
}

// MatchToken is the anonymous handle linking one requirement to one
// availability. Identity disclosure is tracked per side and only ever
// advances.
type MatchToken struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	RequirementID  uuid.UUID `json:"requirement_id"`
	AvailabilityID uuid.UUID `json:"availability_id"`
	BuyerPartnerID  uuid.UUID `json:"buyer_partner_id"`
	SellerPartnerID uuid.UUID `json:"seller_partner_id"`

	Score     decimal.Decimal `json:"score"`
	Breakdown ScoreBreakdown  `json:"breakdown"`

	BuyerDisclosure  string `json:"buyer_disclosure"`
	SellerDisclosure string `json:"seller_disclosure"`

	Status         string `json:"status"`
	ReviewRequired bool   `json:"review_required"`
	ReviewApproved bool   `json:"review_approved"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the token is usable at time now.
func (t *MatchToken) Active(now time.Time) bool {
	return t.Status == TokenStatusActive && now.Before(t.ExpiresAt)
}

// ScoreBreakdown is the per-component score detail attached to a match.
type ScoreBreakdown struct {
	Quality  decimal.Decimal `json:"quality"`
	Price    decimal.Decimal `json:"price"`
	Delivery decimal.Decimal `json:"delivery"`
	Risk     decimal.Decimal `json:"risk"`
	Composite decimal.Decimal `json:"composite"`
	WarnPenalized bool        `json:"warn_penalized,omitempty"`
	DistanceKM    decimal.Decimal `json:"distance_km"`
}

// Negotiation is the live bargaining session spawned from a MatchToken,
// 1:1 with the token.
type Negotiation struct {
	ID             uuid.UUID `json:"id"`
	TokenID        uuid.UUID `json:"token_id"`
	RequirementID  uuid.UUID `json:"requirement_id"`
	AvailabilityID uuid.UUID `json:"availability_id"`
	BuyerPartnerID  uuid.UUID `json:"buyer_partner_id"`
	SellerPartnerID uuid.UUID `json:"seller_partner_id"`

	Round           int             `json:"round"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	CurrentTerms    Terms           `json:"current_terms"`
	LastOfferBy     string          `json:"last_offer_by,omitempty"` // SideBuy or SideSell

	Status       string     `json:"status"`
	RejectReason string     `json:"reject_reason,omitempty"`
	MaxRounds    int        `json:"max_rounds"`
	TradeID      *uuid.UUID `json:"trade_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Terminal reports whether the negotiation reached a final state.
func (n *Negotiation) Terminal() bool {
	switch n.Status {
	case NegotiationStatusAccepted, NegotiationStatusRejected, NegotiationStatusExpired:
		return true
	}
	return false
}

// NegotiationOffer is one round's proposal. Offers are immutable once
// created; a counter-offer is a new row.
type NegotiationOffer struct {
	ID            uuid.UUID       `json:"id"`
	NegotiationID uuid.UUID       `json:"negotiation_id"`
	Round         int             `json:"round"`
	By            string          `json:"by"` // SideBuy or SideSell
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Terms         Terms           `json:"terms"`

	AIAssisted   bool             `json:"ai_assisted,omitempty"`
	AIConfidence *decimal.Decimal `json:"ai_confidence,omitempty"`
	AIReasoning  string           `json:"ai_reasoning,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// MatchOutcome is the write-once record of a match's full lifecycle, used
// for scoring-model feedback.
type MatchOutcome struct {
	ID             uuid.UUID       `json:"id"`
	TokenID        uuid.UUID       `json:"token_id"`
	RequirementID  uuid.UUID       `json:"requirement_id"`
	AvailabilityID uuid.UUID       `json:"availability_id"`
	Breakdown      ScoreBreakdown  `json:"breakdown"`
	DistanceKM     decimal.Decimal `json:"distance_km"`
	Rounds         int             `json:"rounds"`
	FinalPrice     decimal.Decimal `json:"final_price"`
	FinalQuantity  decimal.Decimal `json:"final_quantity"`
	Completed      bool            `json:"completed"`
	QualityOK      bool            `json:"quality_ok"`
	PaymentOK      bool            `json:"payment_ok"`
	DeliveryOK     bool            `json:"delivery_ok"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// AllocationResult describes a successful reservation against an
// availability.
type AllocationResult struct {
	AvailabilityID    uuid.UUID       `json:"availability_id"`
	RequirementID     uuid.UUID       `json:"requirement_id"`
	TokenID           uuid.UUID       `json:"token_id"`
	Type              string          `json:"type"` // AllocationFull or AllocationPartial
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	VersionBefore     int64           `json:"version_before"`
	VersionAfter      int64           `json:"version_after"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
	AllocatedAt       time.Time       `json:"allocated_at"`
}
