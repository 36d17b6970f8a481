package plans

import "testing"

func TestCatalogPriceMapping(t *testing.T) {
	c := NewCatalog("price_monthly", "price_annual")

	p, ok := c.PlanByPriceID("price_monthly")
	if !ok || p.Tier != TierMonthly {
		t.Fatalf("expected monthly tier for price_monthly, got %+v ok=%v", p, ok)
	}
	p, ok = c.PlanByPriceID("price_annual")
	if !ok || p.Tier != TierAnnual {
		t.Fatalf("expected annual tier for price_annual, got %+v ok=%v", p, ok)
	}
	if _, ok := c.PlanByPriceID("price_unknown"); ok {
		t.Fatal("unknown price id must not resolve")
	}
	if _, ok := c.PlanByPriceID(""); ok {
		t.Fatal("empty price id must not resolve")
	}
}

func TestCatalogUnmappedEmptyPrices(t *testing.T) {
	c := NewCatalog("", "")
	if _, ok := c.PlanByPriceID(""); ok {
		t.Fatal("empty configured price must not map empty price ids")
	}
}

func TestPlanForTierDefaultsToFree(t *testing.T) {
	c := NewCatalog("pm", "pa")
	if got := c.PlanForTier("nonsense"); got.Tier != TierFree {
		t.Fatalf("unknown tier should default to free, got %s", got.Tier)
	}
	if got := c.PlanForTier(TierMonthly); got.Tier != TierMonthly {
		t.Fatalf("expected monthly plan, got %s", got.Tier)
	}
}

func TestFreeTierLimits(t *testing.T) {
	c := NewCatalog("pm", "pa")
	free := c.PlanForTier(TierFree)
	if free.Limit(ResourceProject) != 3 {
		t.Fatalf("expected 3 projects on free tier, got %d", free.Limit(ResourceProject))
	}
	if free.Limit(ResourceClient) != 5 {
		t.Fatalf("expected 5 clients on free tier, got %d", free.Limit(ResourceClient))
	}
	if free.Limit(ResourceTask) != 10 {
		t.Fatalf("expected 10 tasks per project on free tier, got %d", free.Limit(ResourceTask))
	}
	for _, tier := range []Tier{TierMonthly, TierAnnual} {
		paid := c.PlanForTier(tier)
		for _, r := range []Resource{ResourceProject, ResourceClient, ResourceTask} {
			if paid.Limit(r) != 0 {
				t.Fatalf("paid tier %s should be unlimited for %s", tier, r)
			}
		}
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []string{"active", "trialing"} {
		if !StatusGrantsAccess(s) {
			t.Fatalf("status %q should grant access", s)
		}
	}
	for _, s := range []string{"incomplete", "incomplete_expired", "past_due", "canceled", "unpaid", ""} {
		if StatusGrantsAccess(s) {
			t.Fatalf("status %q should not grant access", s)
		}
	}
	for _, s := range []string{"canceled", "incomplete_expired"} {
		if !IsCancellationStatus(s) {
			t.Fatalf("status %q should be terminal", s)
		}
	}
	if IsCancellationStatus("past_due") {
		t.Fatal("past_due is not a cancellation status")
	}
}
