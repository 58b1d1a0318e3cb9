// Package events defines the engine's domain events and publishers.
// Publication is fire-and-forget: engine invariants never depend on a
// subscriber seeing an event, and events may be delivered more than once.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
)

// Event kinds
const (
	TypeMatchFound     = "match.found"
	TypeMatchRejected  = "match.rejected"
	TypeMatchAllocated = "match.allocated"
)

// Event is the envelope every engine event goes out in.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// MatchFound is emitted when a qualifying pair receives a token.
type MatchFound struct {
	TokenID        uuid.UUID            `json:"token_id"`
	TokenCode      string               `json:"token_code"`
	RequirementID  uuid.UUID            `json:"requirement_id"`
	AvailabilityID uuid.UUID            `json:"availability_id"`
	CommodityID    string               `json:"commodity_id"`
	Quantity       decimal.Decimal      `json:"quantity"`
	Breakdown      model.ScoreBreakdown `json:"breakdown"`
	ReviewRequired bool                 `json:"review_required"`
}

// MatchRejected is emitted when a posting or pairing is vetoed, naming the
// stage and rules that rejected it.
type MatchRejected struct {
	RequirementID  *uuid.UUID `json:"requirement_id,omitempty"`
	AvailabilityID *uuid.UUID `json:"availability_id,omitempty"`
	Stage          string     `json:"stage"` // "risk_precheck" or "party_link"
	Rules          []string   `json:"rules"`
	Warnings       []string   `json:"warnings,omitempty"`
	Reason         string     `json:"reason"`
}

// MatchAllocated is emitted on a successful reservation.
type MatchAllocated struct {
	TokenID           uuid.UUID       `json:"token_id"`
	RequirementID     uuid.UUID       `json:"requirement_id"`
	AvailabilityID    uuid.UUID       `json:"availability_id"`
	AllocationType    string          `json:"allocation_type"` // FULL or PARTIAL
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	VersionBefore     int64           `json:"version_before"`
	VersionAfter      int64           `json:"version_after"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(eventType string, payload interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
