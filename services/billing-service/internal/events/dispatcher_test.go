package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/entitlements"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/outbox"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
)

const (
	testPriceMonthly = "price_monthly_123"
	testPriceAnnual  = "price_annual_456"
)

// fakeStore mirrors the repository's merge and ordering semantics in
// memory so the dispatch paths can be exercised without Postgres.
type fakeStore struct {
	profiles  map[string]storage.Profile
	byCust    map[string]string
	applies   int
	resets    int
	staleHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: map[string]storage.Profile{},
		byCust:   map[string]string{},
	}
}

func (s *fakeStore) seed(p storage.Profile) {
	s.profiles[p.AccountID] = p
	if p.StripeCustomerID != "" {
		s.byCust[p.StripeCustomerID] = p.AccountID
	}
}

func (s *fakeStore) GetProfileForUpdate(_ context.Context, _ pgx.Tx, accountID string) (storage.Profile, bool, error) {
	p, ok := s.profiles[accountID]
	return p, ok, nil
}

func (s *fakeStore) FindAccountIDByCustomer(_ context.Context, _ pgx.Tx, customerID string) (string, bool, error) {
	id, ok := s.byCust[customerID]
	return id, ok, nil
}

func (s *fakeStore) stale(accountID string, occurredAt time.Time) bool {
	p, ok := s.profiles[accountID]
	return ok && p.EntitlementEventAt != nil && p.EntitlementEventAt.After(occurredAt)
}

func (s *fakeStore) ApplyEntitlement(_ context.Context, _ pgx.Tx, accountID string, patch storage.EntitlementPatch) (bool, error) {
	if s.stale(accountID, patch.OccurredAt) {
		s.staleHits++
		return false, nil
	}
	p := s.profiles[accountID]
	p.AccountID = accountID
	if patch.CustomerID != nil && *patch.CustomerID != "" {
		p.StripeCustomerID = *patch.CustomerID
		s.byCust[*patch.CustomerID] = accountID
	}
	if patch.SubscriptionID != nil && *patch.SubscriptionID != "" {
		p.StripeSubscriptionID = *patch.SubscriptionID
	}
	if patch.PriceID != nil && *patch.PriceID != "" {
		p.StripePriceID = *patch.PriceID
	}
	if patch.Status != nil && *patch.Status != "" {
		p.SubscriptionStatus = *patch.Status
	}
	if patch.Tier != nil {
		p.Tier = *patch.Tier
	}
	if patch.CurrentPeriodEnd != nil {
		p.CurrentPeriodEnd = patch.CurrentPeriodEnd
	}
	at := patch.OccurredAt
	p.EntitlementEventAt = &at
	s.profiles[accountID] = p
	s.applies++
	return true, nil
}

func (s *fakeStore) ResetToFree(_ context.Context, _ pgx.Tx, accountID string, occurredAt time.Time) (bool, error) {
	if s.stale(accountID, occurredAt) {
		s.staleHits++
		return false, nil
	}
	p := s.profiles[accountID]
	p.AccountID = accountID
	p.Tier = plans.TierFree
	p.SubscriptionStatus = "canceled"
	p.StripeSubscriptionID = ""
	p.StripePriceID = ""
	p.CurrentPeriodEnd = nil
	at := occurredAt
	p.EntitlementEventAt = &at
	s.profiles[accountID] = p
	s.resets++
	return true, nil
}

type fakeSink struct {
	events []outbox.Event
}

func (s *fakeSink) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	s.events = append(s.events, evt)
	return nil
}

type fakeFetcher struct {
	subs map[string]*stripe.Subscription
}

func (f *fakeFetcher) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func testDispatcher(store *fakeStore, sink *fakeSink, fetcher *fakeFetcher) *Dispatcher {
	catalog := plans.NewCatalog(testPriceMonthly, testPriceAnnual)
	return NewDispatcher(store, sink, fetcher, catalog, slog.New(slog.DiscardHandler))
}

func subscriptionEvent(t *testing.T, eventType string, created time.Time, payload map[string]any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return stripe.Event{
		ID:      "evt_" + eventType,
		Type:    stripe.EventType(eventType),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func subscriptionPayload(subID, custID, priceID, status string, extra map[string]any) map[string]any {
	p := map[string]any{
		"id":       subID,
		"customer": custID,
		"status":   status,
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func TestDispatch_CheckoutCompletedUpgradesToMonthly(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{AccountID: "acct-1", Tier: plans.TierFree})
	sink := &fakeSink{}
	fetcher := &fakeFetcher{subs: map[string]*stripe.Subscription{}}

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	subRaw, _ := json.Marshal(subscriptionPayload("sub_1", "cus_1", testPriceMonthly, "active", map[string]any{
		"current_period_end": periodEnd,
	}))
	var sub stripe.Subscription
	if err := json.Unmarshal(subRaw, &sub); err != nil {
		t.Fatalf("build subscription: %v", err)
	}
	fetcher.subs["sub_1"] = &sub

	d := testDispatcher(store, sink, fetcher)
	evt := subscriptionEvent(t, "checkout.session.completed", time.Now(), map[string]any{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"account_id": "acct-1"},
	})
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	p := store.profiles["acct-1"]
	if p.Tier != plans.TierMonthly {
		t.Fatalf("tier = %s, want %s", p.Tier, plans.TierMonthly)
	}
	if p.SubscriptionStatus != "active" {
		t.Fatalf("status = %s, want active", p.SubscriptionStatus)
	}
	if p.StripeCustomerID != "cus_1" || p.StripeSubscriptionID != "sub_1" || p.StripePriceID != testPriceMonthly {
		t.Fatalf("provider ids not persisted: %+v", p)
	}
	if p.CurrentPeriodEnd == nil {
		t.Fatal("expected current period end to be set")
	}
	if len(sink.events) != 1 || sink.events[0].EventType != "billing.entitlement.changed.v1" {
		t.Fatalf("expected one entitlement change event, got %+v", sink.events)
	}
}

func TestDispatch_CheckoutCompletedMissingFields(t *testing.T) {
	d := testDispatcher(newFakeStore(), &fakeSink{}, &fakeFetcher{})
	evt := subscriptionEvent(t, "checkout.session.completed", time.Now(), map[string]any{
		"id": "cs_1",
	})
	err := d.Dispatch(context.Background(), nil, evt)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}
}

func TestDispatch_CheckoutCompletedWithoutProviderClientFails(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{AccountID: "acct-1", Tier: plans.TierFree})
	sink := &fakeSink{}
	catalog := plans.NewCatalog(testPriceMonthly, testPriceAnnual)
	d := NewDispatcher(store, sink, nil, catalog, slog.New(slog.DiscardHandler))

	// A valid delivery that needs a subscription fetch must fail the
	// request (so the provider redelivers), not panic the handler.
	evt := subscriptionEvent(t, "checkout.session.completed", time.Now(), map[string]any{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"account_id": "acct-1"},
	})
	err := d.Dispatch(context.Background(), nil, evt)
	if err == nil {
		t.Fatal("expected an error when no provider client is configured")
	}
	if errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("missing client is a deployment problem, not a payload one: %v", err)
	}
	if store.applies != 0 || len(sink.events) != 0 {
		t.Fatal("no mutation or fan-out expected without a provider client")
	}
}

func TestDispatch_SubscriptionUpdatedResolvesByStoredCustomer(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{AccountID: "acct-9", Tier: plans.TierFree, StripeCustomerID: "cus_9"})
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	// No account metadata; resolution falls back to the customer id.
	evt := subscriptionEvent(t, "customer.subscription.updated", time.Now(),
		subscriptionPayload("sub_9", "cus_9", testPriceAnnual, "trialing", nil))
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	p := store.profiles["acct-9"]
	if p.Tier != plans.TierAnnual {
		t.Fatalf("tier = %s, want %s", p.Tier, plans.TierAnnual)
	}
	if p.SubscriptionStatus != "trialing" {
		t.Fatalf("status = %s, want trialing", p.SubscriptionStatus)
	}
}

func TestDispatch_SubscriptionUpdatedUnresolvedAccountFails(t *testing.T) {
	store := newFakeStore()
	d := testDispatcher(store, &fakeSink{}, nil)

	evt := subscriptionEvent(t, "customer.subscription.updated", time.Now(),
		subscriptionPayload("sub_x", "cus_unknown", testPriceMonthly, "active", nil))
	err := d.Dispatch(context.Background(), nil, evt)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
	if store.applies != 0 {
		t.Fatal("no write should happen for an unresolved account")
	}
}

func TestDispatch_SubscriptionDeletedResetsToFree(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{
		AccountID:            "acct-2",
		Tier:                 plans.TierMonthly,
		SubscriptionStatus:   "active",
		StripeCustomerID:     "cus_2",
		StripeSubscriptionID: "sub_2",
		StripePriceID:        testPriceMonthly,
	})
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	evt := subscriptionEvent(t, "customer.subscription.deleted", time.Now(),
		subscriptionPayload("sub_2", "cus_2", testPriceMonthly, "canceled", nil))
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	p := store.profiles["acct-2"]
	if p.Tier != plans.TierFree || p.SubscriptionStatus != "canceled" {
		t.Fatalf("profile not reset: tier=%s status=%s", p.Tier, p.SubscriptionStatus)
	}
	if p.StripeSubscriptionID != "" || p.StripePriceID != "" {
		t.Fatalf("subscription ids should be cleared: %+v", p)
	}
	if p.StripeCustomerID != "cus_2" {
		t.Fatal("customer id should survive cancellation")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one change event, got %d", len(sink.events))
	}
}

func TestDispatch_SubscriptionDeletedUnknownAccountIsAcked(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	evt := subscriptionEvent(t, "customer.subscription.deleted", time.Now(),
		subscriptionPayload("sub_gone", "cus_gone", testPriceMonthly, "canceled", nil))
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("delete for unknown account must ack, got %v", err)
	}
	if store.resets != 0 || len(sink.events) != 0 {
		t.Fatal("no mutation or fan-out expected for an unknown account")
	}
}

func TestDispatch_StaleEventSkipped(t *testing.T) {
	newer := time.Now().UTC()
	store := newFakeStore()
	store.seed(storage.Profile{
		AccountID:          "acct-3",
		Tier:               plans.TierAnnual,
		SubscriptionStatus: "active",
		StripeCustomerID:   "cus_3",
		EntitlementEventAt: &newer,
	})
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	// Delivered late: the event predates the stored entitlement stamp.
	evt := subscriptionEvent(t, "customer.subscription.updated", newer.Add(-time.Hour),
		subscriptionPayload("sub_3", "cus_3", testPriceMonthly, "past_due", nil))
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("stale delivery must still ack, got %v", err)
	}

	p := store.profiles["acct-3"]
	if p.Tier != plans.TierAnnual || p.SubscriptionStatus != "active" {
		t.Fatalf("stale event must not mutate the profile: %+v", p)
	}
	if store.staleHits != 1 {
		t.Fatalf("staleHits = %d, want 1", store.staleHits)
	}
	if len(sink.events) != 0 {
		t.Fatal("stale delivery must not fan out")
	}
}

func TestDispatch_RedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{AccountID: "acct-4", Tier: plans.TierFree, StripeCustomerID: "cus_4"})
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	evt := subscriptionEvent(t, "customer.subscription.updated", time.Now(),
		subscriptionPayload("sub_4", "cus_4", testPriceMonthly, "active", nil))
	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), nil, evt); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	p := store.profiles["acct-4"]
	if p.Tier != plans.TierMonthly || p.SubscriptionStatus != "active" {
		t.Fatalf("unexpected profile after redelivery: %+v", p)
	}
	// The second apply is a no-op on the effective entitlement, so only
	// the first delivery fans out.
	if len(sink.events) != 1 {
		t.Fatalf("expected one change event across redeliveries, got %d", len(sink.events))
	}
}

func TestDispatch_UnmappedPriceLeavesTierUntouched(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{AccountID: "acct-5", Tier: plans.TierMonthly, SubscriptionStatus: "active", StripeCustomerID: "cus_5"})
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	evt := subscriptionEvent(t, "customer.subscription.updated", time.Now(),
		subscriptionPayload("sub_5", "cus_5", "price_from_another_mode", "active", nil))
	err := d.Dispatch(context.Background(), nil, evt)
	if !errors.Is(err, entitlements.ErrUnresolvable) {
		t.Fatalf("err = %v, want ErrUnresolvable", err)
	}

	p := store.profiles["acct-5"]
	if p.Tier != plans.TierMonthly || p.SubscriptionStatus != "active" {
		t.Fatalf("unresolvable price must not mutate the profile: %+v", p)
	}
}

func TestDispatch_UnknownEventTypeIsAcked(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	evt := subscriptionEvent(t, "invoice.payment_succeeded", time.Now(), map[string]any{"id": "in_1"})
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("unknown event type must ack, got %v", err)
	}
	if store.applies != 0 || store.resets != 0 || len(sink.events) != 0 {
		t.Fatal("unknown event type must not touch anything")
	}
}

func TestDispatch_TrialWillEndEmitsNotification(t *testing.T) {
	store := newFakeStore()
	store.seed(storage.Profile{AccountID: "acct-6", Tier: plans.TierMonthly, StripeCustomerID: "cus_6"})
	sink := &fakeSink{}
	d := testDispatcher(store, sink, nil)

	evt := subscriptionEvent(t, "customer.subscription.trial_will_end", time.Now(),
		subscriptionPayload("sub_6", "cus_6", testPriceMonthly, "trialing", map[string]any{
			"trial_end": time.Now().Add(72 * time.Hour).Unix(),
		}))
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(sink.events) != 1 || sink.events[0].EventType != "billing.subscription.trial_ending.v1" {
		t.Fatalf("expected trial_ending event, got %+v", sink.events)
	}
	var payload struct {
		AccountID string `json:"account_id"`
		TrialEnd  string `json:"trial_end"`
	}
	if err := json.Unmarshal(sink.events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.AccountID != "acct-6" || payload.TrialEnd == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if store.applies != 0 {
		t.Fatal("trial notice must not change the profile")
	}
}

func TestDispatch_TrialWillEndUnresolvedIsAcked(t *testing.T) {
	d := testDispatcher(newFakeStore(), &fakeSink{}, nil)
	evt := subscriptionEvent(t, "customer.subscription.trial_will_end", time.Now(),
		subscriptionPayload("sub_7", "cus_unknown", testPriceMonthly, "trialing", nil))
	if err := d.Dispatch(context.Background(), nil, evt); err != nil {
		t.Fatalf("informational event must ack, got %v", err)
	}
}
