// Package refdata is the engine's read-only view of commodity, location,
// and trade-term master data. The engine treats identifiers as opaque
// validated references; ownership of the master data lives elsewhere.
package refdata

import (
	"context"
	"fmt"
	"sync"
)

// Commodity is the subset of commodity master data the engine reads.
type Commodity struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	QualityCategory string `json:"quality_category"` // model.QualityCategory*
	Unit            string `json:"unit"`
}

// Location carries the coordinates used for delivery-distance scoring.
type Location struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Term is a payment or delivery term reference.
type Term struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "PAYMENT" or "DELIVERY"
	Name string `json:"name"`
}

// Gateway supplies reference lookups. Implementations must be safe for
// concurrent use.
type Gateway interface {
	Commodity(ctx context.Context, id string) (*Commodity, error)
	Location(ctx context.Context, id string) (*Location, error)
	Term(ctx context.Context, id string) (*Term, error)
}

// StaticGateway is an in-memory Gateway seeded at construction, used in
// tests and for deployments that sync master data at startup.
type StaticGateway struct {
	mu          sync.RWMutex
	commodities map[string]Commodity
	locations   map[string]Location
	terms       map[string]Term
}

func NewStaticGateway() *StaticGateway {
	return &StaticGateway{
		commodities: make(map[string]Commodity),
		locations:   make(map[string]Location),
		terms:       make(map[string]Term),
	}
}

func (g *StaticGateway) PutCommodity(c Commodity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commodities[c.ID] = c
}

func (g *StaticGateway) PutLocation(l Location) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations[l.ID] = l
}

func (g *StaticGateway) PutTerm(t Term) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terms[t.ID] = t
}

func (g *StaticGateway) Commodity(ctx context.Context, id string) (*Commodity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.commodities[id]
	if !ok {
		return nil, fmt.Errorf("unknown commodity %q", id)
	}
	return &c, nil
}

func (g *StaticGateway) Location(ctx context.Context, id string) (*Location, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.locations[id]
	if !ok {
		return nil, fmt.Errorf("unknown location %q", id)
	}
	return &l, nil
}

func (g *StaticGateway) Term(ctx context.Context, id string) (*Term, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.terms[id]
	if !ok {
		return nil, fmt.Errorf("unknown term %q", id)
	}
	return &t, nil
}
