package entitlements

import (
	"errors"
	"time"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/stripe/stripe-go/v79"
)

// ErrUnresolvable means the subscription reports a price id the catalog
// does not know and the status is not a cancellation. The caller must
// leave the stored entitlement untouched rather than guess.
var ErrUnresolvable = errors.New("entitlement unresolvable: price id not in plan catalog")

// Entitlement is the canonical resolution of a subscription snapshot:
// which tier the account holds, whether it currently grants access, and
// when the period renews.
type Entitlement struct {
	Tier             plans.Tier
	Status           string
	Active           bool
	ClearBillingIDs  bool
	CurrentPeriodEnd *time.Time
}

// Resolve computes the entitlement for a (status, price id, period end)
// triple. Cancellation statuses always win over the price mapping: a
// canceled subscription drops to free even if the price id still maps to
// a paid plan.
func Resolve(catalog *plans.Catalog, status stripe.SubscriptionStatus, priceID string, periodEnd *time.Time) (Entitlement, error) {
	st := string(status)

	if plans.IsCancellationStatus(st) {
		return Entitlement{
			Tier:            plans.TierFree,
			Status:          st,
			ClearBillingIDs: true,
		}, nil
	}

	plan, ok := catalog.PlanByPriceID(priceID)
	if !ok {
		return Entitlement{}, ErrUnresolvable
	}

	return Entitlement{
		Tier:             plan.Tier,
		Status:           st,
		Active:           plans.StatusGrantsAccess(st),
		CurrentPeriodEnd: periodEnd,
	}, nil
}
