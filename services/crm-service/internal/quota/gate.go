package quota

import (
	"fmt"

	"github.com/constructcrm/constructcrm/libs/plans"
)

// ExceededError reports a blocked create. Handlers map it to 402 so the
// client can surface an upgrade prompt with the exact limit.
type ExceededError struct {
	Resource plans.Resource
	Limit    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s limit reached (%d on the free plan); upgrade required", e.Resource, e.Limit)
}

// Gate decides whether an account may create one more resource. It must
// be consulted inside the transaction that inserts the resource, after
// the caller has locked the account's profile row, so concurrent creates
// for one account serialize instead of racing past the count.
type Gate struct {
	catalog *plans.Catalog
}

func NewGate(catalog *plans.Catalog) *Gate {
	return &Gate{catalog: catalog}
}

// EffectivePlan maps stored billing state to the plan that actually
// applies: a paid tier only counts while its status grants access, and
// anything else falls back to free limits.
func (g *Gate) EffectivePlan(tier plans.Tier, status string) plans.Plan {
	if tier != plans.TierFree && plans.StatusGrantsAccess(status) {
		return g.catalog.PlanForTier(tier)
	}
	return g.catalog.PlanForTier(plans.TierFree)
}

// Check returns nil when the account may create one more of the resource
// given the current owned count, and *ExceededError when it may not.
func (g *Gate) Check(tier plans.Tier, status string, resource plans.Resource, current int) error {
	plan := g.EffectivePlan(tier, status)
	limit := plan.Limit(resource)
	if limit == 0 {
		return nil
	}
	if current >= limit {
		return &ExceededError{Resource: resource, Limit: limit}
	}
	return nil
}
