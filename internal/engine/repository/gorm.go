package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

// GormRepository implements model.Repository on a SQL database through
// GORM. The availability CAS maps to a conditional UPDATE on (id,
// version); zero rows affected is a conflict, never an exception.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ model.Repository = (*GormRepository)(nil)

func NewGormRepository(db *gorm.DB, logger *zap.Logger) *GormRepository {
	return &GormRepository{db: db, logger: logger}
}

// AutoMigrate creates the engine tables. Schema ownership ultimately
// belongs to the migration tooling; this covers embedded and test use.
func (r *GormRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&requirementRow{},
		&availabilityRow{},
		&tokenRow{},
		&negotiationRow{},
		&offerRow{},
		&outcomeRow{},
	)
}

type requirementRow struct {
	ID                 uuid.UUID `gorm:"primaryKey;type:uuid"`
	PartnerID          uuid.UUID `gorm:"index;type:uuid"`
	BranchID           uuid.UUID `gorm:"type:uuid"`
	CommodityID        string    `gorm:"index"`
	VarietyID          string
	Body               []byte `gorm:"type:jsonb"` // quantity, quality, terms, window
	MaxBudgetPerUnit   decimal.Decimal `gorm:"type:numeric"`
	DeliveryLocationID string
	Visibility         string
	IntentType         string
	Status             string `gorm:"index"`
	RiskVerdict        string
	RiskScore          decimal.Decimal `gorm:"type:numeric"`
	MatchedQuantity    decimal.Decimal `gorm:"type:numeric"`
	PurchasedQuantity  decimal.Decimal `gorm:"type:numeric"`
	TotalSpend         decimal.Decimal `gorm:"type:numeric"`
	ValidUntil         time.Time
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
}

func (requirementRow) TableName() string { return "engine_requirements" }

// requirementBody carries the fields serialized into the jsonb column.
type requirementBody struct {
	Quantity        model.QuantityRange   `json:"quantity"`
	Quality         []model.QualityWindow `json:"quality,omitempty"`
	PreferredPrice  *decimal.Decimal      `json:"preferred_price,omitempty"`
	PaymentTermIDs  []string              `json:"payment_term_ids,omitempty"`
	DeliveryTermIDs []string              `json:"delivery_term_ids,omitempty"`
	DeliveryWindow  model.DeliveryWindow  `json:"delivery_window"`
	RiskFlags       []string              `json:"risk_flags,omitempty"`
}

func toRequirementRow(r *model.Requirement) (*requirementRow, error) {
	body, err := json.Marshal(requirementBody{
		Quantity:        r.Quantity,
		Quality:         r.Quality,
		PreferredPrice:  r.PreferredPrice,
		PaymentTermIDs:  r.PaymentTermIDs,
		DeliveryTermIDs: r.DeliveryTermIDs,
		DeliveryWindow:  r.DeliveryWindow,
		RiskFlags:       r.RiskFlags,
	})
	if err != nil {
		return nil, err
	}
	return &requirementRow{
		ID:                 r.ID,
		PartnerID:          r.PartnerID,
		BranchID:           r.BranchID,
		CommodityID:        r.CommodityID,
		VarietyID:          r.VarietyID,
		Body:               body,
		MaxBudgetPerUnit:   r.MaxBudgetPerUnit,
		DeliveryLocationID: r.DeliveryLocationID,
		Visibility:         r.Visibility,
		IntentType:         r.IntentType,
		Status:             r.Status,
		RiskVerdict:        r.RiskVerdict,
		RiskScore:          r.RiskScore,
		MatchedQuantity:    r.MatchedQuantity,
		PurchasedQuantity:  r.PurchasedQuantity,
		TotalSpend:         r.TotalSpend,
		ValidUntil:         r.ValidUntil,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

func (row *requirementRow) toModel() (*model.Requirement, error) {
	var body requirementBody
	if len(row.Body) > 0 {
		if err := json.Unmarshal(row.Body, &body); err != nil {
			return nil, err
		}
	}
	return &model.Requirement{
		ID:                 row.ID,
		PartnerID:          row.PartnerID,
		BranchID:           row.BranchID,
		CommodityID:        row.CommodityID,
		VarietyID:          row.VarietyID,
		Quantity:           body.Quantity,
		Quality:            body.Quality,
		MaxBudgetPerUnit:   row.MaxBudgetPerUnit,
		PreferredPrice:     body.PreferredPrice,
		PaymentTermIDs:     body.PaymentTermIDs,
		DeliveryTermIDs:    body.DeliveryTermIDs,
		DeliveryLocationID: row.DeliveryLocationID,
		DeliveryWindow:     body.DeliveryWindow,
		Visibility:         row.Visibility,
		IntentType:         row.IntentType,
		Status:             row.Status,
		RiskVerdict:        row.RiskVerdict,
		RiskScore:          row.RiskScore,
		RiskFlags:          body.RiskFlags,
		MatchedQuantity:    row.MatchedQuantity,
		PurchasedQuantity:  row.PurchasedQuantity,
		TotalSpend:         row.TotalSpend,
		ValidUntil:         row.ValidUntil,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

type availabilityRow struct {
	ID                uuid.UUID `gorm:"primaryKey;type:uuid"`
	PartnerID         uuid.UUID `gorm:"index;type:uuid"`
	BranchID          uuid.UUID `gorm:"type:uuid"`
	CommodityID       string    `gorm:"index"`
	VarietyID         string
	TotalQuantity     decimal.Decimal `gorm:"type:numeric"`
	ReservedQuantity  decimal.Decimal `gorm:"type:numeric"`
	SoldQuantity      decimal.Decimal `gorm:"type:numeric"`
	Body              []byte          `gorm:"type:jsonb"` // quality, price options, flags
	LocationID        string
	Visibility        string
	AllowPartialOrder bool
	Status            string `gorm:"index"`
	Version           int64
	RiskVerdict       string
	RiskScore         decimal.Decimal `gorm:"type:numeric"`
	ValidFrom         time.Time
	ValidUntil        time.Time
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
}

func (availabilityRow) TableName() string { return "engine_availabilities" }

type availabilityBody struct {
	Quality      *model.QualitySpec  `json:"quality,omitempty"`
	PriceOptions []model.PriceOption `json:"price_options"`
	RiskFlags    []string            `json:"risk_flags,omitempty"`
}

func toAvailabilityRow(a *model.Availability) (*availabilityRow, error) {
	body, err := json.Marshal(availabilityBody{
		Quality:      a.Quality,
		PriceOptions: a.PriceOptions,
		RiskFlags:    a.RiskFlags,
	})
	if err != nil {
		return nil, err
	}
	return &availabilityRow{
		ID:                a.ID,
		PartnerID:         a.PartnerID,
		BranchID:          a.BranchID,
		CommodityID:       a.CommodityID,
		VarietyID:         a.VarietyID,
		TotalQuantity:     a.TotalQuantity,
		ReservedQuantity:  a.ReservedQuantity,
		SoldQuantity:      a.SoldQuantity,
		Body:              body,
		LocationID:        a.LocationID,
		Visibility:        a.Visibility,
		AllowPartialOrder: a.AllowPartialOrder,
		Status:            a.Status,
		Version:           a.Version,
		RiskVerdict:       a.RiskVerdict,
		RiskScore:         a.RiskScore,
		ValidFrom:         a.ValidFrom,
		ValidUntil:        a.ValidUntil,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}, nil
}

func (row *availabilityRow) toModel() (*model.Availability, error) {
	var body availabilityBody
	if len(row.Body) > 0 {
		if err := json.Unmarshal(row.Body, &body); err != nil {
			return nil, err
		}
	}
	return &model.Availability{
		ID:                row.ID,
		PartnerID:         row.PartnerID,
		BranchID:          row.BranchID,
		CommodityID:       row.CommodityID,
		VarietyID:         row.VarietyID,
		TotalQuantity:     row.TotalQuantity,
		ReservedQuantity:  row.ReservedQuantity,
		SoldQuantity:      row.SoldQuantity,
		Quality:           body.Quality,
		PriceOptions:      body.PriceOptions,
		LocationID:        row.LocationID,
		Visibility:        row.Visibility,
		AllowPartialOrder: row.AllowPartialOrder,
		Status:            row.Status,
		Version:           row.Version,
		RiskVerdict:       row.RiskVerdict,
		RiskScore:         row.RiskScore,
		RiskFlags:         body.RiskFlags,
		ValidFrom:         row.ValidFrom,
		ValidUntil:        row.ValidUntil,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

type tokenRow struct {
	ID              uuid.UUID `gorm:"primaryKey;type:uuid"`
	Code            string    `gorm:"uniqueIndex"`
	RequirementID   uuid.UUID `gorm:"index;type:uuid"`
	AvailabilityID  uuid.UUID `gorm:"index;type:uuid"`
	BuyerPartnerID  uuid.UUID `gorm:"type:uuid"`
	SellerPartnerID uuid.UUID `gorm:"type:uuid"`
	Score           decimal.Decimal `gorm:"type:numeric"`
	Breakdown       []byte          `gorm:"type:jsonb"`
	BuyerDisclosure  string
	SellerDisclosure string
	Status          string `gorm:"index"`
	ReviewRequired  bool
	ReviewApproved  bool
	CreatedAt       time.Time
	ExpiresAt       time.Time `gorm:"index"`
}

func (tokenRow) TableName() string { return "engine_match_tokens" }

func toTokenRow(t *model.MatchToken) (*tokenRow, error) {
	breakdown, err := json.Marshal(t.Breakdown)
	if err != nil {
		return nil, err
	}
	return &tokenRow{
		ID:               t.ID,
		Code:             t.Code,
		RequirementID:    t.RequirementID,
		AvailabilityID:   t.AvailabilityID,
		BuyerPartnerID:   t.BuyerPartnerID,
		SellerPartnerID:  t.SellerPartnerID,
		Score:            t.Score,
		Breakdown:        breakdown,
		BuyerDisclosure:  t.BuyerDisclosure,
		SellerDisclosure: t.SellerDisclosure,
		Status:           t.Status,
		ReviewRequired:   t.ReviewRequired,
		ReviewApproved:   t.ReviewApproved,
		CreatedAt:        t.CreatedAt,
		ExpiresAt:        t.ExpiresAt,
	}, nil
}

func (row *tokenRow) toModel() (*model.MatchToken, error) {
	var breakdown model.ScoreBreakdown
	if len(row.Breakdown) > 0 {
		if err := json.Unmarshal(row.Breakdown, &breakdown); err != nil {
			return nil, err
		}
	}
	return &model.MatchToken{
		ID:               row.ID,
		Code:             row.Code,
		RequirementID:    row.RequirementID,
		AvailabilityID:   row.AvailabilityID,
		BuyerPartnerID:   row.BuyerPartnerID,
		SellerPartnerID:  row.SellerPartnerID,
		Score:            row.Score,
		Breakdown:        breakdown,
		BuyerDisclosure:  row.BuyerDisclosure,
		SellerDisclosure: row.SellerDisclosure,
		Status:           row.Status,
		ReviewRequired:   row.ReviewRequired,
		ReviewApproved:   row.ReviewApproved,
		CreatedAt:        row.CreatedAt,
		ExpiresAt:        row.ExpiresAt,
	}, nil
}

type negotiationRow struct {
	ID              uuid.UUID `gorm:"primaryKey;type:uuid"`
	TokenID         uuid.UUID `gorm:"uniqueIndex;type:uuid"`
	RequirementID   uuid.UUID `gorm:"type:uuid"`
	AvailabilityID  uuid.UUID `gorm:"type:uuid"`
	BuyerPartnerID  uuid.UUID `gorm:"type:uuid"`
	SellerPartnerID uuid.UUID `gorm:"type:uuid"`
	Round           int
	CurrentPrice    decimal.Decimal `gorm:"type:numeric"`
	CurrentQuantity decimal.Decimal `gorm:"type:numeric"`
	CurrentTerms    []byte          `gorm:"type:jsonb"`
	LastOfferBy     string
	Status          string `gorm:"index"`
	RejectReason    string
	MaxRounds       int
	TradeID         *uuid.UUID `gorm:"type:uuid"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time `gorm:"index"`
}

func (negotiationRow) TableName() string { return "engine_negotiations" }

func toNegotiationRow(n *model.Negotiation) (*negotiationRow, error) {
	terms, err := json.Marshal(n.CurrentTerms)
	if err != nil {
		return nil, err
	}
	return &negotiationRow{
		ID:              n.ID,
		TokenID:         n.TokenID,
		RequirementID:   n.RequirementID,
		AvailabilityID:  n.AvailabilityID,
		BuyerPartnerID:  n.BuyerPartnerID,
		SellerPartnerID: n.SellerPartnerID,
		Round:           n.Round,
		CurrentPrice:    n.CurrentPrice,
		CurrentQuantity: n.CurrentQuantity,
		CurrentTerms:    terms,
		LastOfferBy:     n.LastOfferBy,
		Status:          n.Status,
		RejectReason:    n.RejectReason,
		MaxRounds:       n.MaxRounds,
		TradeID:         n.TradeID,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
		ExpiresAt:       n.ExpiresAt,
	}, nil
}

func (row *negotiationRow) toModel() (*model.Negotiation, error) {
	var terms model.Terms
	if len(row.CurrentTerms) > 0 {
		if err := json.Unmarshal(row.CurrentTerms, &terms); err != nil {
			return nil, err
		}
	}
	return &model.Negotiation{
		ID:              row.ID,
		TokenID:         row.TokenID,
		RequirementID:   row.RequirementID,
		AvailabilityID:  row.AvailabilityID,
		BuyerPartnerID:  row.BuyerPartnerID,
		SellerPartnerID: row.SellerPartnerID,
		Round:           row.Round,
		CurrentPrice:    row.CurrentPrice,
		CurrentQuantity: row.CurrentQuantity,
		CurrentTerms:    terms,
		LastOfferBy:     row.LastOfferBy,
		Status:          row.Status,
		RejectReason:    row.RejectReason,
		MaxRounds:       row.MaxRounds,
		TradeID:         row.TradeID,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		ExpiresAt:       row.ExpiresAt,
	}, nil
}

type offerRow struct {
	ID            uuid.UUID `gorm:"primaryKey;type:uuid"`
	NegotiationID uuid.UUID `gorm:"index:idx_offer_round,unique;type:uuid"`
	Round         int       `gorm:"index:idx_offer_round,unique"`
	By            string
	Price         decimal.Decimal `gorm:"type:numeric"`
	Quantity      decimal.Decimal `gorm:"type:numeric"`
	Terms         []byte          `gorm:"type:jsonb"`
	AIAssisted    bool
	AIConfidence  *decimal.Decimal `gorm:"type:numeric"`
	AIReasoning   string
	Status        string
	CreatedAt     time.Time
}

func (offerRow) TableName() string { return "engine_negotiation_offers" }

func toOfferRow(o *model.NegotiationOffer) (*offerRow, error) {
	terms, err := json.Marshal(o.Terms)
	if err != nil {
		return nil, err
	}
	return &offerRow{
		ID:            o.ID,
		NegotiationID: o.NegotiationID,
		Round:         o.Round,
		By:            o.By,
		Price:         o.Price,
		Quantity:      o.Quantity,
		Terms:         terms,
		AIAssisted:    o.AIAssisted,
		AIConfidence:  o.AIConfidence,
		AIReasoning:   o.AIReasoning,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
	}, nil
}

func (row *offerRow) toModel() (*model.NegotiationOffer, error) {
	var terms model.Terms
	if len(row.Terms) > 0 {
		if err := json.Unmarshal(row.Terms, &terms); err != nil {
			return nil, err
		}
	}
	return &model.NegotiationOffer{
		ID:            row.ID,
		NegotiationID: row.NegotiationID,
		Round:         row.Round,
		By:            row.By,
		Price:         row.Price,
		Quantity:      row.Quantity,
		Terms:         terms,
		AIAssisted:    row.AIAssisted,
		AIConfidence:  row.AIConfidence,
		AIReasoning:   row.AIReasoning,
		Status:        row.Status,
		CreatedAt:     row.CreatedAt,
	}, nil
}

type outcomeRow struct {
	ID             uuid.UUID `gorm:"primaryKey;type:uuid"`
	TokenID        uuid.UUID `gorm:"index;type:uuid"`
	RequirementID  uuid.UUID `gorm:"type:uuid"`
	AvailabilityID uuid.UUID `gorm:"type:uuid"`
	Body           []byte    `gorm:"type:jsonb"`
	RecordedAt     time.Time
}

func (outcomeRow) TableName() string { return "engine_match_outcomes" }

// --- RequirementRepository ---

func (r *GormRepository) CreateRequirement(ctx context.Context, req *model.Requirement) error {
	row, err := toRequirementRow(req)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) GetRequirementByID(ctx context.Context, id uuid.UUID) (*model.Requirement, error) {
	var row requirementRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("requirement %s not found", id)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) UpdateRequirement(ctx context.Context, req *model.Requirement) error {
	row, err := toRequirementRow(req)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(row).Error
}

var openRequirementStatuses = []string{
	model.RequirementStatusActive,
	model.RequirementStatusPartiallyFulfilled,
}

func (r *GormRepository) ListOpenRequirementsByCommodity(ctx context.Context, commodityID string) ([]*model.Requirement, error) {
	var rows []requirementRow
	err := r.db.WithContext(ctx).
		Where("commodity_id = ? AND status IN ?", commodityID, openRequirementStatuses).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return requirementRowsToModels(rows)
}

func (r *GormRepository) ListRequirementsByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*model.Requirement, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var rows []requirementRow
	err := r.db.WithContext(ctx).
		Where("partner_id = ? AND created_at >= ? AND created_at < ?", partnerID, start, end).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return requirementRowsToModels(rows)
}

func requirementRowsToModels(rows []requirementRow) ([]*model.Requirement, error) {
	out := make([]*model.Requirement, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- AvailabilityRepository ---

func (r *GormRepository) CreateAvailability(ctx context.Context, a *model.Availability) error {
	if a.Version == 0 {
		a.Version = 1
	}
	row, err := toAvailabilityRow(a)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*model.Availability, error) {
	var row availabilityRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("availability %s not found", id)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) UpdateAvailability(ctx context.Context, a *model.Availability) error {
	cur, err := r.GetAvailabilityByID(ctx, a.ID)
	if err != nil {
		return err
	}
	a.Version = cur.Version
	row, err := toAvailabilityRow(a)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(row).Error
}

var openAvailabilityStatuses = []string{
	model.AvailabilityStatusAvailable,
	model.AvailabilityStatusPartiallySold,
}

func (r *GormRepository) ListOpenAvailabilitiesByCommodity(ctx context.Context, commodityID string) ([]*model.Availability, error) {
	var rows []availabilityRow
	err := r.db.WithContext(ctx).
		Where("commodity_id = ? AND status IN ?", commodityID, openAvailabilityStatuses).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return availabilityRowsToModels(rows)
}

func (r *GormRepository) ListAvailabilitiesByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*model.Availability, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var rows []availabilityRow
	err := r.db.WithContext(ctx).
		Where("partner_id = ? AND created_at >= ? AND created_at < ?", partnerID, start, end).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return availabilityRowsToModels(rows)
}

func availabilityRowsToModels(rows []availabilityRow) ([]*model.Availability, error) {
	out := make([]*model.Availability, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *GormRepository) CompareAndSwapAvailability(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate model.MutateAvailability) (*model.Availability, error) {
	var result *model.Availability
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row availabilityRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("availability %s not found", id)
			}
			return err
		}
		if row.Version != expectedVersion {
			return errors.AllocationConflict(
				"availability %s version is %d, expected %d", id, row.Version, expectedVersion)
		}
		cur, err := row.toModel()
		if err != nil {
			return err
		}
		if err := mutate(cur); err != nil {
			return err
		}
		if !cur.CheckQuantityInvariant() {
			return errors.AllocationConflict(
				"mutation violates reserved+sold <= total on %s", id)
		}
		cur.Version = expectedVersion + 1
		newRow, err := toAvailabilityRow(cur)
		if err != nil {
			return err
		}
		// Conditional write: the version predicate makes this a CAS even
		// against writers outside this transaction's snapshot.
		res := tx.Model(&availabilityRow{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Select("*").Omit("id", "created_at").
			Updates(newRow)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.AllocationConflict(
				"availability %s version moved past %d", id, expectedVersion)
		}
		result = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- TokenRepository ---

func (r *GormRepository) CreateToken(ctx context.Context, t *model.MatchToken) error {
	row, err := toTokenRow(t)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) GetTokenByID(ctx context.Context, id uuid.UUID) (*model.MatchToken, error) {
	var row tokenRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("match token %s not found", id)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) GetTokenByCode(ctx context.Context, code string) (*model.MatchToken, error) {
	var row tokenRow
	if err := r.db.WithContext(ctx).First(&row, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("match token with code %s not found", code)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) GetTokenByPair(ctx context.Context, requirementID, availabilityID uuid.UUID) (*model.MatchToken, error) {
	var row tokenRow
	err := r.db.WithContext(ctx).
		First(&row, "requirement_id = ? AND availability_id = ? AND status = ?",
			requirementID, availabilityID, model.TokenStatusActive).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("no active match token for requirement %s and availability %s", requirementID, availabilityID)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) UpdateToken(ctx context.Context, t *model.MatchToken) error {
	row, err := toTokenRow(t)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(row).Error
}

func (r *GormRepository) ListActiveTokensByRequirement(ctx context.Context, requirementID uuid.UUID) ([]*model.MatchToken, error) {
	var rows []tokenRow
	err := r.db.WithContext(ctx).
		Where("requirement_id = ? AND status = ?", requirementID, model.TokenStatusActive).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.MatchToken, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *GormRepository) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]*model.MatchToken, error) {
	var rows []tokenRow
	q := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", model.TokenStatusActive, now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.MatchToken, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- NegotiationRepository ---

func (r *GormRepository) CreateNegotiation(ctx context.Context, n *model.Negotiation) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&negotiationRow{}).
		Where("token_id = ?", n.TokenID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.InvalidStateTransition("token %s already has a negotiation", n.TokenID)
	}
	row, err := toNegotiationRow(n)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) GetNegotiationByID(ctx context.Context, id uuid.UUID) (*model.Negotiation, error) {
	var row negotiationRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("negotiation %s not found", id)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) GetNegotiationByToken(ctx context.Context, tokenID uuid.UUID) (*model.Negotiation, error) {
	var row negotiationRow
	if err := r.db.WithContext(ctx).First(&row, "token_id = ?", tokenID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("no negotiation for token %s", tokenID)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *GormRepository) UpdateNegotiationCAS(ctx context.Context, n *model.Negotiation, expectedRound int) error {
	row, err := toNegotiationRow(n)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&negotiationRow{}).
		Where("id = ? AND round = ?", n.ID, expectedRound).
		Select("*").Omit("id", "created_at").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.InvalidStateTransition(
			"negotiation %s moved past round %d", n.ID, expectedRound)
	}
	return nil
}

func (r *GormRepository) AppendOffer(ctx context.Context, offer *model.NegotiationOffer) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&offerRow{}).
		Where("negotiation_id = ? AND round = ?", offer.NegotiationID, offer.Round).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.InvalidStateTransition(
			"negotiation %s already has an offer at round %d", offer.NegotiationID, offer.Round)
	}
	row, err := toOfferRow(offer)
	if err != nil {
		return err
	}
	// The unique (negotiation_id, round) index backstops the pre-check
	// against a concurrent append.
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) UpdateOfferStatus(ctx context.Context, offerID uuid.UUID, status string) error {
	res := r.db.WithContext(ctx).Model(&offerRow{}).
		Where("id = ?", offerID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("offer %s not found", offerID)
	}
	return nil
}

func (r *GormRepository) ListOffers(ctx context.Context, negotiationID uuid.UUID) ([]*model.NegotiationOffer, error) {
	var rows []offerRow
	err := r.db.WithContext(ctx).
		Where("negotiation_id = ?", negotiationID).
		Order("round asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.NegotiationOffer, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *GormRepository) ListExpiredNegotiations(ctx context.Context, now time.Time, limit int) ([]*model.Negotiation, error) {
	var rows []negotiationRow
	q := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?",
			[]string{model.NegotiationStatusInitiated, model.NegotiationStatusInProgress}, now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Negotiation, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- OutcomeRepository ---

func (r *GormRepository) AppendOutcome(ctx context.Context, o *model.MatchOutcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	row := &outcomeRow{
		ID:             o.ID,
		TokenID:        o.TokenID,
		RequirementID:  o.RequirementID,
		AvailabilityID: o.AvailabilityID,
		Body:           body,
		RecordedAt:     o.RecordedAt,
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *GormRepository) ListOutcomesByToken(ctx context.Context, tokenID uuid.UUID) ([]*model.MatchOutcome, error) {
	var rows []outcomeRow
	err := r.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Order("recorded_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.MatchOutcome, 0, len(rows))
	for _, row := range rows {
		var o model.MatchOutcome
		if err := json.Unmarshal(row.Body, &o); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, nil
}
