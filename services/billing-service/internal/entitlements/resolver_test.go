package entitlements

import (
	"errors"
	"testing"
	"time"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/stripe/stripe-go/v79"
)

func testCatalog() *plans.Catalog {
	return plans.NewCatalog("price_monthly", "price_annual")
}

func TestResolveCancellationAlwaysWins(t *testing.T) {
	c := testCatalog()
	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for _, status := range []stripe.SubscriptionStatus{
		stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusIncompleteExpired,
	} {
		// Even a price id that maps to a paid plan must not survive cancellation.
		for _, priceID := range []string{"price_monthly", "price_annual", "price_unknown", ""} {
			ent, err := Resolve(c, status, priceID, &periodEnd)
			if err != nil {
				t.Fatalf("Resolve(%s, %q) failed: %v", status, priceID, err)
			}
			if ent.Tier != plans.TierFree {
				t.Fatalf("Resolve(%s, %q): expected free tier, got %s", status, priceID, ent.Tier)
			}
			if !ent.ClearBillingIDs {
				t.Fatalf("Resolve(%s, %q): expected billing ids cleared", status, priceID)
			}
			if ent.Active {
				t.Fatalf("Resolve(%s, %q): canceled entitlement must not be active", status, priceID)
			}
		}
	}
}

func TestResolveMappedPrices(t *testing.T) {
	c := testCatalog()
	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		priceID string
		tier    plans.Tier
	}{
		{"price_monthly", plans.TierMonthly},
		{"price_annual", plans.TierAnnual},
	}
	statuses := []stripe.SubscriptionStatus{
		stripe.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncomplete,
	}
	for _, tc := range cases {
		for _, status := range statuses {
			ent, err := Resolve(c, status, tc.priceID, &periodEnd)
			if err != nil {
				t.Fatalf("Resolve(%s, %q) failed: %v", status, tc.priceID, err)
			}
			if ent.Tier != tc.tier {
				t.Fatalf("Resolve(%s, %q): expected tier %s, got %s", status, tc.priceID, tc.tier, ent.Tier)
			}
			wantActive := status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
			if ent.Active != wantActive {
				t.Fatalf("Resolve(%s, %q): active=%v, want %v", status, tc.priceID, ent.Active, wantActive)
			}
			if ent.CurrentPeriodEnd == nil || !ent.CurrentPeriodEnd.Equal(periodEnd) {
				t.Fatalf("Resolve(%s, %q): period end not carried through", status, tc.priceID)
			}
		}
	}
}

func TestResolveUnmappedPriceFails(t *testing.T) {
	c := testCatalog()
	_, err := Resolve(c, stripe.SubscriptionStatusActive, "price_dashboard_manual", nil)
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
	_, err = Resolve(c, stripe.SubscriptionStatusActive, "", nil)
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable for absent price id, got %v", err)
	}
}
