package plans

import "strings"

// Tier is the internal plan level an account is entitled to.
type Tier string

const (
	TierFree    Tier = "free"
	TierMonthly Tier = "recurring-monthly"
	TierAnnual  Tier = "recurring-annual"
)

// Resource identifies a quota-gated resource type.
type Resource string

const (
	ResourceProject Resource = "project"
	ResourceClient  Resource = "client"
	ResourceTask    Resource = "task"
)

// Plan is one immutable catalog entry. A limit of 0 means unlimited.
type Plan struct {
	Tier               Tier
	Name               string
	MaxProjects        int
	MaxClients         int
	MaxTasksPerProject int
	PriceIDs           []string
}

func (p Plan) Limit(r Resource) int {
	switch r {
	case ResourceProject:
		return p.MaxProjects
	case ResourceClient:
		return p.MaxClients
	case ResourceTask:
		return p.MaxTasksPerProject
	default:
		return 0
	}
}

// Catalog maps billing-provider price ids to plans. Built once at startup
// from configuration; never mutated afterwards.
type Catalog struct {
	byTier  map[Tier]Plan
	byPrice map[string]Tier
}

// NewCatalog wires the configured Stripe price ids to the paid tiers.
// Empty price ids are simply left unmapped (webhooks for them will fail
// entitlement resolution, which is the safe outcome for a misconfigured
// deployment).
func NewCatalog(monthlyPriceID, annualPriceID string) *Catalog {
	free := Plan{
		Tier:               TierFree,
		Name:               "Free Tier",
		MaxProjects:        3,
		MaxClients:         5,
		MaxTasksPerProject: 10,
	}
	monthly := Plan{
		Tier: TierMonthly,
		Name: "Pro Monthly",
	}
	annual := Plan{
		Tier: TierAnnual,
		Name: "Pro Yearly",
	}
	if id := strings.TrimSpace(monthlyPriceID); id != "" {
		monthly.PriceIDs = []string{id}
	}
	if id := strings.TrimSpace(annualPriceID); id != "" {
		annual.PriceIDs = []string{id}
	}

	c := &Catalog{
		byTier:  map[Tier]Plan{},
		byPrice: map[string]Tier{},
	}
	for _, p := range []Plan{free, monthly, annual} {
		c.byTier[p.Tier] = p
		for _, priceID := range p.PriceIDs {
			c.byPrice[priceID] = p.Tier
		}
	}
	return c
}

// PlanByPriceID resolves a provider price id to its plan.
func (c *Catalog) PlanByPriceID(priceID string) (Plan, bool) {
	tier, ok := c.byPrice[strings.TrimSpace(priceID)]
	if !ok {
		return Plan{}, false
	}
	return c.byTier[tier], true
}

// PlanForTier returns the plan for a tier, defaulting to free for
// unknown or empty tiers.
func (c *Catalog) PlanForTier(t Tier) Plan {
	if p, ok := c.byTier[t]; ok {
		return p
	}
	return c.byTier[TierFree]
}

// StatusGrantsAccess reports whether a subscription status counts as an
// active entitlement.
func StatusGrantsAccess(status string) bool {
	return status == "active" || status == "trialing"
}

// IsCancellationStatus reports whether a status terminally ends the
// entitlement regardless of the price mapping.
func IsCancellationStatus(status string) bool {
	return status == "canceled" || status == "incomplete_expired"
}

func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.TrimSpace(strings.ToLower(s))) {
	case TierFree:
		return TierFree, true
	case TierMonthly:
		return TierMonthly, true
	case TierAnnual:
		return TierAnnual, true
	default:
		return "", false
	}
}
