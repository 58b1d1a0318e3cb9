package risk

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Partner is the slice of partner master data the validator reads.
// Identifier fields are normalized strings; empty means not registered.
type Partner struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"` // model.RoleBuyer, RoleSeller, RoleTrader
	Approved    bool      `json:"approved"`
	PAN         string    `json:"pan"`
	GST         string    `json:"gst"`
	Mobile      string    `json:"mobile"`
	BankAccount string    `json:"bank_account"`
}

// PartnerDirectory resolves partner identity attributes. Onboarding and
// KYC own the data; the engine only reads it.
type PartnerDirectory interface {
	GetPartner(ctx context.Context, id uuid.UUID) (*Partner, error)
}

// ScoreFeed optionally supplies an external base risk and reliability
// score for a partner. A feed returning ok=false leaves the engine's
// internal scoring untouched.
type ScoreFeed interface {
	BaseScores(ctx context.Context, partnerID uuid.UUID) (risk, reliability decimal.Decimal, ok bool)
}

// StaticDirectory is an in-memory PartnerDirectory for tests and seeded
// deployments.
type StaticDirectory struct {
	partners map[uuid.UUID]Partner
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{partners: make(map[uuid.UUID]Partner)}
}

func (d *StaticDirectory) Put(p Partner) {
	d.partners[p.ID] = p
}

func (d *StaticDirectory) GetPartner(ctx context.Context, id uuid.UUID) (*Partner, error) {
	p, ok := d.partners[id]
	if !ok {
		return nil, errPartnerUnknown
	}
	return &p, nil
}
