package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var errQuantityRange = fmt.Errorf("quantity range must satisfy 0 < min <= preferred <= max")

// Commodity quality categories. Each category carries its own named
// parameter set; nothing in the matching path reads an untyped map except
// the explicitly experimental Extensions.
const (
	QualityCategoryCotton  = "COTTON"
	QualityCategoryGrain   = "GRAIN"
	QualityCategoryGeneric = "GENERIC"
)

// Canonical quality parameter names shared between availabilities and
// requirement tolerance windows.
const (
	ParamStapleLengthMM  = "staple_length_mm"
	ParamMicronaire      = "micronaire"
	ParamTrashPercent    = "trash_percent"
	ParamMoisturePercent = "moisture_percent"
	ParamProteinPercent  = "protein_percent"
	ParamForeignMatter   = "foreign_matter_percent"
)

// CottonQuality holds the cotton parameter set with its ingestion bounds.
type CottonQuality struct {
	StapleLengthMM decimal.Decimal `json:"staple_length_mm"`
	Micronaire     decimal.Decimal `json:"micronaire"`
	TrashPercent   decimal.Decimal `json:"trash_percent"`
}

// GrainQuality holds the grain parameter set with its ingestion bounds.
type GrainQuality struct {
	MoisturePercent decimal.Decimal `json:"moisture_percent"`
	ProteinPercent  decimal.Decimal `json:"protein_percent"`
	ForeignMatter   decimal.Decimal `json:"foreign_matter_percent"`
}

// QualitySpec is the tagged quality variant attached to an availability,
// keyed by commodity category. Exactly one variant field is set per
// category. Extensions carries experimental parameters outside the core
// matching contract.
type QualitySpec struct {
	Category   string                     `json:"category"`
	Cotton     *CottonQuality             `json:"cotton,omitempty"`
	Grain      *GrainQuality              `json:"grain,omitempty"`
	Generic    map[string]decimal.Decimal `json:"generic,omitempty"`
	Extensions map[string]string          `json:"extensions,omitempty"`
}

// Validate checks variant shape and per-field bounds. Called on ingestion;
// readers assume a validated spec.
func (q *QualitySpec) Validate() error {
	switch q.Category {
	case QualityCategoryCotton:
		if q.Cotton == nil || q.Grain != nil || len(q.Generic) > 0 {
			return fmt.Errorf("cotton quality spec must set exactly the cotton variant")
		}
		c := q.Cotton
		if c.StapleLengthMM.LessThan(decimal.NewFromInt(10)) ||
			c.StapleLengthMM.GreaterThan(decimal.NewFromInt(60)) {
			return fmt.Errorf("staple_length_mm out of bounds [10,60]: %s", c.StapleLengthMM)
		}
		if c.Micronaire.LessThan(decimal.NewFromInt(2)) ||
			c.Micronaire.GreaterThan(decimal.NewFromInt(8)) {
			return fmt.Errorf("micronaire out of bounds [2,8]: %s", c.Micronaire)
		}
		if c.TrashPercent.IsNegative() || c.TrashPercent.GreaterThan(decimal.NewFromInt(25)) {
			return fmt.Errorf("trash_percent out of bounds [0,25]: %s", c.TrashPercent)
		}
	case QualityCategoryGrain:
		if q.Grain == nil || q.Cotton != nil || len(q.Generic) > 0 {
			return fmt.Errorf("grain quality spec must set exactly the grain variant")
		}
		g := q.Grain
		if g.MoisturePercent.IsNegative() || g.MoisturePercent.GreaterThan(decimal.NewFromInt(40)) {
			return fmt.Errorf("moisture_percent out of bounds [0,40]: %s", g.MoisturePercent)
		}
		if g.ProteinPercent.IsNegative() || g.ProteinPercent.GreaterThan(decimal.NewFromInt(60)) {
			return fmt.Errorf("protein_percent out of bounds [0,60]: %s", g.ProteinPercent)
		}
		if g.ForeignMatter.IsNegative() || g.ForeignMatter.GreaterThan(decimal.NewFromInt(25)) {
			return fmt.Errorf("foreign_matter_percent out of bounds [0,25]: %s", g.ForeignMatter)
		}
	case QualityCategoryGeneric:
		if q.Cotton != nil || q.Grain != nil {
			return fmt.Errorf("generic quality spec may not set a named variant")
		}
		for name, v := range q.Generic {
			if v.IsNegative() {
				return fmt.Errorf("generic quality parameter %q must be non-negative", name)
			}
		}
	default:
		return fmt.Errorf("unknown quality category %q", q.Category)
	}
	return nil
}

// Parameters flattens the active variant into canonical name/value pairs
// for tolerance-window evaluation.
func (q *QualitySpec) Parameters() map[string]decimal.Decimal {
	params := make(map[string]decimal.Decimal)
	switch q.Category {
	case QualityCategoryCotton:
		if q.Cotton != nil {
			params[ParamStapleLengthMM] = q.Cotton.StapleLengthMM
			params[ParamMicronaire] = q.Cotton.Micronaire
			params[ParamTrashPercent] = q.Cotton.TrashPercent
		}
	case QualityCategoryGrain:
		if q.Grain != nil {
			params[ParamMoisturePercent] = q.Grain.MoisturePercent
			params[ParamProteinPercent] = q.Grain.ProteinPercent
			params[ParamForeignMatter] = q.Grain.ForeignMatter
		}
	case QualityCategoryGeneric:
		for name, v := range q.Generic {
			params[name] = v
		}
	}
	return params
}

// QualityWindow is one tolerance window on a requirement. Soft windows
// degrade the quality sub-score when missed; hard windows zero it out.
type QualityWindow struct {
	Parameter string           `json:"parameter"`
	Min       decimal.Decimal  `json:"min"`
	Max       decimal.Decimal  `json:"max"`
	Preferred *decimal.Decimal `json:"preferred,omitempty"`
	Soft      bool             `json:"soft,omitempty"`
}

// Validate checks window ordering.
func (w QualityWindow) Validate() error {
	if w.Parameter == "" {
		return fmt.Errorf("quality window parameter name is required")
	}
	if w.Max.LessThan(w.Min) {
		return fmt.Errorf("quality window %q: max < min", w.Parameter)
	}
	if w.Preferred != nil &&
		(w.Preferred.LessThan(w.Min) || w.Preferred.GreaterThan(w.Max)) {
		return fmt.Errorf("quality window %q: preferred outside [min,max]", w.Parameter)
	}
	return nil
}

// Satisfied reports whether value falls inside the window, inclusive.
func (w QualityWindow) Satisfied(value decimal.Decimal) bool {
	return value.GreaterThanOrEqual(w.Min) && value.LessThanOrEqual(w.Max)
}
