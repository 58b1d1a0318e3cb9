// Package risk implements the precheck validator gating every posting
// before it becomes matchable: duplicate orders, circular trading,
// party-link detection, and role restrictions.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/errors"
)

var errPartnerUnknown = errors.NotFound("partner not found in directory")

// Rule identifiers reported with every veto or warning.
const (
	RuleDuplicateOrder  = "duplicate_order"
	RuleCircularTrading = "circular_trading"
	RulePartyLinkPAN    = "party_link_pan"
	RulePartyLinkGST    = "party_link_gst"
	RulePartyLinkMobile = "party_link_mobile"
	RulePartyLinkBank   = "party_link_bank"
	RuleRoleRestriction = "role_restriction"
	RuleSameDayReversal = "same_day_reversal"
)

// Flag severities
const (
	SeverityBlock = "BLOCK"
	SeverityWarn  = "WARN"
)

// Flag is one raised rule with its severity and explanation.
type Flag struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Verdict is the precheck result: PASS, WARN, or FAIL with a 0-100 score
// derived from weighted per-flag deductions.
type Verdict struct {
	Status string          `json:"status"`
	Score  decimal.Decimal `json:"score"`
	Flags  []Flag          `json:"flags,omitempty"`
}

// Blocked reports whether the verdict excludes the posting from matching.
func (v Verdict) Blocked() bool { return v.Status == model.RiskVerdictFail }

// OrderHistory is the slice of the repository the validator reads: a
// partner's same-day postings on both sides.
type OrderHistory interface {
	ListRequirementsByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*model.Requirement, error)
	ListAvailabilitiesByPartnerOnDay(ctx context.Context, partnerID uuid.UUID, day time.Time) ([]*model.Availability, error)
}

// Validator runs the precheck rules. Stateless and safe for concurrent
// use; all state lives in the directory and order history.
type Validator struct {
	cfg       config.RiskConfig
	directory PartnerDirectory
	history   OrderHistory
	feed      ScoreFeed // may be nil
	logger    *zap.Logger
	now       func() time.Time
}

func NewValidator(cfg config.RiskConfig, directory PartnerDirectory, history OrderHistory, feed ScoreFeed, logger *zap.Logger) *Validator {
	return &Validator{
		cfg:       cfg,
		directory: directory,
		history:   history,
		feed:      feed,
		logger:    logger,
		now:       time.Now,
	}
}

// ValidateRequirement gates a draft buyer requirement.
func (v *Validator) ValidateRequirement(ctx context.Context, sec model.SecurityContext, req *model.Requirement) (Verdict, error) {
	partner, err := v.directory.GetPartner(ctx, sec.PartnerID)
	if err != nil {
		return Verdict{}, err
	}

	var flags []Flag
	if f := v.checkRole(partner, model.SideBuy); f != nil {
		flags = append(flags, *f)
	}

	day := req.CreatedAt
	if day.IsZero() {
		day = v.now()
	}
	reqs, err := v.history.ListRequirementsByPartnerOnDay(ctx, sec.PartnerID, day)
	if err != nil {
		return Verdict{}, err
	}
	for _, prior := range reqs {
		if prior.ID == req.ID || !prior.Open() {
			continue
		}
		if prior.CommodityID == req.CommodityID &&
			prior.BranchID == req.BranchID &&
			prior.DeliveryLocationID == req.DeliveryLocationID &&
			prior.Quantity.Min.Equal(req.Quantity.Min) &&
			prior.Quantity.Max.Equal(req.Quantity.Max) {
			flags = append(flags, Flag{
				Rule:     RuleDuplicateOrder,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("open requirement %s for the same commodity, quantity and location exists today", prior.ID),
			})
			break
		}
	}

	avails, err := v.history.ListAvailabilitiesByPartnerOnDay(ctx, sec.PartnerID, day)
	if err != nil {
		return Verdict{}, err
	}
	for _, a := range avails {
		if !a.Open() {
			continue
		}
		if a.CommodityID == req.CommodityID {
			rule := RuleCircularTrading
			if partner.Type == model.RoleTrader {
				rule = RuleSameDayReversal
			}
			flags = append(flags, Flag{
				Rule:     rule,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("open SELL %s of the same commodity blocks a same-day BUY", a.ID),
			})
			break
		}
	}

	return v.verdict(ctx, sec, flags), nil
}

// ValidateAvailability gates a draft seller lot.
func (v *Validator) ValidateAvailability(ctx context.Context, sec model.SecurityContext, avail *model.Availability) (Verdict, error) {
	partner, err := v.directory.GetPartner(ctx, sec.PartnerID)
	if err != nil {
		return Verdict{}, err
	}

	var flags []Flag
	if f := v.checkRole(partner, model.SideSell); f != nil {
		flags = append(flags, *f)
	}

	day := avail.CreatedAt
	if day.IsZero() {
		day = v.now()
	}
	avails, err := v.history.ListAvailabilitiesByPartnerOnDay(ctx, sec.PartnerID, day)
	if err != nil {
		return Verdict{}, err
	}
	for _, prior := range avails {
		if prior.ID == avail.ID || !prior.Open() {
			continue
		}
		if prior.CommodityID == avail.CommodityID &&
			prior.BranchID == avail.BranchID &&
			prior.LocationID == avail.LocationID &&
			prior.TotalQuantity.Equal(avail.TotalQuantity) {
			flags = append(flags, Flag{
				Rule:     RuleDuplicateOrder,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("open availability %s for the same commodity, quantity and location exists today", prior.ID),
			})
			break
		}
	}

	reqs, err := v.history.ListRequirementsByPartnerOnDay(ctx, sec.PartnerID, day)
	if err != nil {
		return Verdict{}, err
	}
	for _, r := range reqs {
		if !r.Open() {
			continue
		}
		if r.CommodityID == avail.CommodityID {
			rule := RuleCircularTrading
			if partner.Type == model.RoleTrader {
				rule = RuleSameDayReversal
			}
			flags = append(flags, Flag{
				Rule:     rule,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("open BUY %s of the same commodity blocks a same-day SELL", r.ID),
			})
			break
		}
	}

	return v.verdict(ctx, sec, flags), nil
}

// CheckPartyLink inspects a candidate buyer/seller pairing for shared
// identity fingerprints. PAN or GST overlap is a hard block; shared mobile
// or bank identifiers only warn.
func (v *Validator) CheckPartyLink(ctx context.Context, buyerID, sellerID uuid.UUID) ([]Flag, error) {
	if buyerID == sellerID {
		return []Flag{{
			Rule:     RuleCircularTrading,
			Severity: SeverityBlock,
			Message:  "buyer and seller are the same partner",
		}}, nil
	}
	buyer, err := v.directory.GetPartner(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	seller, err := v.directory.GetPartner(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if !buyer.Approved || !seller.Approved {
		// Party-link rules compare approved partners only; unapproved
		// parties never reach counterparty resolution.
		return nil, nil
	}

	var flags []Flag
	if buyer.PAN != "" && buyer.PAN == seller.PAN {
		flags = append(flags, Flag{Rule: RulePartyLinkPAN, Severity: SeverityBlock,
			Message: "counterparties share the same PAN"})
	}
	if buyer.GST != "" && buyer.GST == seller.GST {
		flags = append(flags, Flag{Rule: RulePartyLinkGST, Severity: SeverityBlock,
			Message: "counterparties share the same GST number"})
	}
	if buyer.Mobile != "" && buyer.Mobile == seller.Mobile {
		flags = append(flags, Flag{Rule: RulePartyLinkMobile, Severity: SeverityWarn,
			Message: "counterparties share the same registered mobile"})
	}
	if buyer.BankAccount != "" && buyer.BankAccount == seller.BankAccount {
		flags = append(flags, Flag{Rule: RulePartyLinkBank, Severity: SeverityWarn,
			Message: "counterparties share the same bank identifier"})
	}
	return flags, nil
}

func (v *Validator) checkRole(partner *Partner, side string) *Flag {
	switch partner.Type {
	case model.RoleTrader:
		return nil // traders post both sides; reversals are caught per day
	case model.RoleBuyer:
		if side == model.SideSell {
			return &Flag{Rule: RuleRoleRestriction, Severity: SeverityBlock,
				Message: "buyer-registered partner may not post a SELL order"}
		}
	case model.RoleSeller:
		if side == model.SideBuy {
			return &Flag{Rule: RuleRoleRestriction, Severity: SeverityBlock,
				Message: "seller-registered partner may not post a BUY order"}
		}
	}
	return nil
}

// verdict derives the status and 0-100 score from the raised flags. An
// explicit risk override on the security context replaces the base of 100.
func (v *Validator) verdict(ctx context.Context, sec model.SecurityContext, flags []Flag) Verdict {
	base := decimal.NewFromInt(100)
	if sec.RiskOverride != nil {
		base = *sec.RiskOverride
	} else if v.feed != nil {
		if riskBase, _, ok := v.feed.BaseScores(ctx, sec.PartnerID); ok {
			base = riskBase
		}
	}

	score := base
	status := model.RiskVerdictPass
	for _, f := range flags {
		score = score.Sub(decimal.NewFromInt(int64(v.penalty(f.Rule))))
		if f.Severity == SeverityBlock {
			status = model.RiskVerdictFail
		} else if status == model.RiskVerdictPass {
			status = model.RiskVerdictWarn
		}
	}
	if score.IsNegative() {
		score = decimal.Zero
	}

	if status != model.RiskVerdictPass {
		v.logger.Info("risk precheck raised flags",
			zap.String("partner_id", sec.PartnerID.String()),
			zap.String("status", status),
			zap.String("score", score.String()),
			zap.Int("flags", len(flags)))
	}
	return Verdict{Status: status, Score: score, Flags: flags}
}

func (v *Validator) penalty(rule string) int {
	switch rule {
	case RuleDuplicateOrder:
		return v.cfg.PenaltyDuplicate
	case RuleCircularTrading:
		return v.cfg.PenaltyCircular
	case RulePartyLinkPAN, RulePartyLinkGST:
		return v.cfg.PenaltyPartyLink
	case RulePartyLinkMobile, RulePartyLinkBank:
		return v.cfg.PenaltyPartyLinkWarn
	case RuleRoleRestriction:
		return v.cfg.PenaltyRoleViolation
	case RuleSameDayReversal:
		return v.cfg.PenaltyReversal
	default:
		return 0
	}
}

// RejectionError converts a FAIL verdict into the typed engine error naming
// the first blocking rule.
func (v Verdict) RejectionError() error {
	for _, f := range v.Flags {
		if f.Severity == SeverityBlock {
			return errors.RiskRejected(f.Rule, f.Message)
		}
	}
	return nil
}
