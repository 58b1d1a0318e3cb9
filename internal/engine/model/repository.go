package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MutateAvailability is the conditional-write body passed to
// CompareAndSwapAvailability. It runs against a copy of the current record;
// the write is applied only if the record's version is still the expected
// one.
type MutateAvailability func(a *Availability) error

// RequirementRepository defines storage operations for buyer requirements.
type RequirementRepository interface {
	CreateRequirement(ctx context.Context, r *Requirement) error
	GetRequirementByID(ctx context.Context, id uuid.UUID) (*Requirement, error)
	UpdateRequirement(ctx context.Context, r *Requirement) error
	ListOpenRequirementsByCommodity(ctx context.Context, commodityID string) ([]*Requirement, error)
	// ListRequirementsByPartnerOnDay returns the partner's requirements
	// posted on the calendar day containing day, any status. Risk checks
	// filter by openness themselves so cancelled history stays visible.
	ListRequirementsByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*Requirement, error)
}

// AvailabilityRepository defines storage operations for seller lots,
// including the compare-and-swap primitive guarding quantity writes.
type AvailabilityRepository interface {
	CreateAvailability(ctx context.Context, a *Availability) error
	GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error)
	// UpdateAvailability writes non-quantity fields without a version bump.
	// Quantity and status writes must go through CompareAndSwapAvailability.
	UpdateAvailability(ctx context.Context, a *Availability) error
	ListOpenAvailabilitiesByCommodity(ctx context.Context, commodityID string) ([]*Availability, error)
	ListAvailabilitiesByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*Availability, error)
	// CompareAndSwapAvailability applies mutate to the record identified by
	// id iff its stored version equals expectedVersion, bumping the version
	// on success. A version mismatch returns an AllocationConflict error
	// and writes nothing.
	CompareAndSwapAvailability(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate MutateAvailability) (*Availability, error)
}

// TokenRepository defines storage operations for match tokens.
type TokenRepository interface {
	CreateToken(ctx context.Context, t *MatchToken) error
	GetTokenByID(ctx context.Context, id uuid.UUID) (*MatchToken, error)
	GetTokenByCode(ctx context.Context, code string) (*MatchToken, error)
	// GetTokenByPair returns the pair's ACTIVE token. Consumed and
	// expired tokens never block re-pairing; discovery may issue a fresh
	// token for the pair once the previous one is gone.
	GetTokenByPair(ctx context.Context, requirementID, availabilityID uuid.UUID) (*MatchToken, error)
	UpdateToken(ctx context.Context, t *MatchToken) error
	ListActiveTokensByRequirement(ctx context.Context, requirementID uuid.UUID) ([]*MatchToken, error)
	// ListExpiredTokens returns active tokens whose expiry elapsed at or
	// before now, bounded by limit for sweep batching.
	ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]*MatchToken, error)
}

// NegotiationRepository defines storage for negotiations and their
// append-only offer rows.
type NegotiationRepository interface {
	// CreateNegotiation fails when a negotiation already exists for the
	// token (1:1 with the MatchToken).
	CreateNegotiation(ctx context.Context, n *Negotiation) error
	GetNegotiationByID(ctx context.Context, id uuid.UUID) (*Negotiation, error)
	GetNegotiationByToken(ctx context.Context, tokenID uuid.UUID) (*Negotiation, error)
	// UpdateNegotiationCAS writes n iff the stored round still equals
	// expectedRound, serializing concurrent counter-offers. A stale round
	// returns an InvalidStateTransition error.
	UpdateNegotiationCAS(ctx context.Context, n *Negotiation, expectedRound int) error
	AppendOffer(ctx context.Context, offer *NegotiationOffer) error
	UpdateOfferStatus(ctx context.Context, offerID uuid.UUID, status string) error
	// ListOffers returns all offers of a negotiation in ascending round
	// order.
	ListOffers(ctx context.Context, negotiationID uuid.UUID) ([]*NegotiationOffer, error)
	ListExpiredNegotiations(ctx context.Context, now time.Time, limit int) ([]*Negotiation, error)
}

// OutcomeRepository stores write-once match lifecycle outcomes.
type OutcomeRepository interface {
	AppendOutcome(ctx context.Context, o *MatchOutcome) error
	ListOutcomesByToken(ctx context.Context, tokenID uuid.UUID) ([]*MatchOutcome, error)
}

// Repository aggregates the engine's full persistence contract.
type Repository interface {
	RequirementRepository
	AvailabilityRepository
	TokenRepository
	NegotiationRepository
	OutcomeRepository
}
