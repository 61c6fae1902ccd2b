package subscription

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Plan describes a worksheet subscription plan. PriceIDs maps each billing
// cycle the plan is sold under to the provider's price id for that cycle;
// the reverse mapping is how an inbound provider price change resolves back
// to a local plan.
type Plan struct {
	ID       string
	Name     string
	Cycle    BillingCycle
	PriceIDs map[BillingCycle]string
	Features []string
	Active   bool
}

// PriceID returns the provider price id for the plan's own billing cycle.
func (p Plan) PriceID() (string, bool) {
	id, ok := p.PriceIDs[p.Cycle]
	return id, ok && id != ""
}

// PlanSource defines how plans are loaded into the catalog.
type PlanSource interface {
	Load(ctx context.Context) ([]Plan, error)
}

type inMemSource struct {
	plans []Plan
}

// NewInMemSource returns an in-memory PlanSource with a deep copy of the
// given plans. Panics if no plans are provided so the catalog always has at
// least one valid plan.
func NewInMemSource(plans ...Plan) PlanSource {
	if len(plans) < 1 {
		panic("subscription: at least one plan is required")
	}
	return &inMemSource{plans: clonePlans(plans)}
}

func (s *inMemSource) Load(ctx context.Context) ([]Plan, error) {
	return clonePlans(s.plans), nil
}

func clonePlans(plans []Plan) []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, Plan{
			ID:       p.ID,
			Name:     p.Name,
			Cycle:    p.Cycle,
			PriceIDs: maps.Clone(p.PriceIDs),
			Features: slices.Clone(p.Features),
			Active:   p.Active,
		})
	}
	return out
}

// Catalog is the read-only plan mapping consulted by the reconciler. It is
// loaded once at construction; plan administration happens elsewhere.
type Catalog struct {
	byID    map[string]Plan
	byPrice map[string][]priceMatch
}

type priceMatch struct {
	planID string
	cycle  BillingCycle
}

// NewCatalog loads plans from the source and validates them.
func NewCatalog(ctx context.Context, src PlanSource) (*Catalog, error) {
	if src == nil {
		panic("subscription: PlanSource is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	c := &Catalog{
		byID:    make(map[string]Plan, len(plans)),
		byPrice: make(map[string][]priceMatch),
	}

	for _, plan := range plans {
		if plan.ID == "" {
			return nil, errors.Join(ErrInvalidPlanConfiguration, errors.New("plan with empty id"))
		}
		if !plan.Cycle.Valid() {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has invalid billing cycle %q", plan.ID, plan.Cycle))
		}
		if _, exists := c.byID[plan.ID]; exists {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("duplicate plan id %s", plan.ID))
		}
		c.byID[plan.ID] = plan

		for cycle, priceID := range plan.PriceIDs {
			if priceID == "" {
				continue
			}
			c.byPrice[priceID] = append(c.byPrice[priceID], priceMatch{planID: plan.ID, cycle: cycle})
		}
	}

	return c, nil
}

// ByID looks up a plan by its local identifier.
func (c *Catalog) ByID(id string) (Plan, error) {
	plan, ok := c.byID[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return plan, nil
}

// ResolvePrice maps a provider price id back to the local plan and cycle it
// belongs to. Exactly one match is required; zero or multiple matches reject
// the resolution so the caller never guesses.
func (c *Catalog) ResolvePrice(priceID string) (Plan, BillingCycle, error) {
	matches := c.byPrice[priceID]
	if len(matches) != 1 {
		return Plan{}, "", fmt.Errorf("%w: price %s has %d matches", ErrAmbiguousPriceID, priceID, len(matches))
	}
	return c.byID[matches[0].planID], matches[0].cycle, nil
}

// Plans returns all plans in the catalog.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Plan) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
