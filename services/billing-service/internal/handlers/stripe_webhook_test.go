package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/events"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/outbox"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	testSigningSecret = "whsec_test_secret"
	testPriceMonthly  = "price_monthly_123"
	testPriceAnnual   = "price_annual_456"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// fakeRepo stands in for the Postgres repository across the HTTP layer
// and the event dispatch layer.
type fakeRepo struct {
	profiles   map[string]storage.Profile
	byCust     map[string]string
	seenEvents map[string]bool
	audits     int
	applies    int
	outbox     []outbox.Event
	lastTx     *fakeTx
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		profiles:   map[string]storage.Profile{},
		byCust:     map[string]string{},
		seenEvents: map[string]bool{},
	}
}

func (r *fakeRepo) seed(p storage.Profile) {
	r.profiles[p.AccountID] = p
	if p.StripeCustomerID != "" {
		r.byCust[p.StripeCustomerID] = p.AccountID
	}
}

func (r *fakeRepo) Begin(context.Context) (pgx.Tx, error) {
	r.lastTx = &fakeTx{}
	return r.lastTx, nil
}

func (r *fakeRepo) CreateProfile(_ context.Context, accountID, email, displayName string) error {
	if _, ok := r.profiles[accountID]; ok {
		return nil
	}
	r.profiles[accountID] = storage.Profile{AccountID: accountID, Email: email, DisplayName: displayName, Tier: plans.TierFree}
	return nil
}

func (r *fakeRepo) GetProfile(_ context.Context, accountID string) (storage.Profile, error) {
	p, ok := r.profiles[accountID]
	if !ok {
		return storage.Profile{}, pgx.ErrNoRows
	}
	return p, nil
}

func (r *fakeRepo) SetStripeCustomerID(_ context.Context, accountID, customerID string) error {
	p := r.profiles[accountID]
	if p.StripeCustomerID == "" {
		p.StripeCustomerID = customerID
		r.profiles[accountID] = p
		r.byCust[customerID] = accountID
	}
	return nil
}

func (r *fakeRepo) InsertProviderEvent(_ context.Context, _ pgx.Tx, evt storage.ProviderEvent) error {
	if r.seenEvents[evt.ProviderEventID] {
		return storage.ErrDuplicateProviderEvent
	}
	r.seenEvents[evt.ProviderEventID] = true
	return nil
}

func (r *fakeRepo) InsertAuditEvent(_ context.Context, _ pgx.Tx, _ storage.AuditEvent) error {
	r.audits++
	return nil
}

func (r *fakeRepo) GetProfileForUpdate(_ context.Context, _ pgx.Tx, accountID string) (storage.Profile, bool, error) {
	p, ok := r.profiles[accountID]
	return p, ok, nil
}

func (r *fakeRepo) FindAccountIDByCustomer(_ context.Context, _ pgx.Tx, customerID string) (string, bool, error) {
	id, ok := r.byCust[customerID]
	return id, ok, nil
}

func (r *fakeRepo) ApplyEntitlement(_ context.Context, _ pgx.Tx, accountID string, patch storage.EntitlementPatch) (bool, error) {
	p := r.profiles[accountID]
	if p.EntitlementEventAt != nil && p.EntitlementEventAt.After(patch.OccurredAt) {
		return false, nil
	}
	p.AccountID = accountID
	if patch.CustomerID != nil && *patch.CustomerID != "" {
		p.StripeCustomerID = *patch.CustomerID
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
	at := patch.OccurredAt
	p.EntitlementEventAt = &at
	r.profiles[accountID] = p
	r.applies++
	return true, nil
}

func (r *fakeRepo) ResetToFree(_ context.Context, _ pgx.Tx, accountID string, occurredAt time.Time) (bool, error) {
	p := r.profiles[accountID]
	if p.EntitlementEventAt != nil && p.EntitlementEventAt.After(occurredAt) {
		return false, nil
	}
	p.AccountID = accountID
	p.Tier = plans.TierFree
	p.SubscriptionStatus = "canceled"
	p.StripeSubscriptionID = ""
	p.StripePriceID = ""
	p.CurrentPeriodEnd = nil
	at := occurredAt
	p.EntitlementEventAt = &at
	r.profiles[accountID] = p
	return true, nil
}

func (r *fakeRepo) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	r.outbox = append(r.outbox, evt)
	return nil
}

func newTestHandler(repo *fakeRepo, secret string) *Handler {
	logger := slog.New(slog.DiscardHandler)
	catalog := plans.NewCatalog(testPriceMonthly, testPriceAnnual)
	dispatcher := events.NewDispatcher(repo, repo, nil, catalog, logger)
	return New(repo, dispatcher, nil, catalog, logger, Config{
		StripeWebhookSecret: secret,
	})
}

func subscriptionEventJSON(t *testing.T, eventID, eventType, subID, custID, priceID, status string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       subID,
				"object":   "subscription",
				"customer": custID,
				"status":   status,
				"items": map[string]any{
					"data": []map[string]any{
						{"price": map[string]any{"id": priceID}},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func postSignedWebhook(h *Handler, payload []byte, secret string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now().UTC(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	return rr
}

func TestStripeWebhook_AppliesSubscriptionUpdate(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(storage.Profile{AccountID: "acct-1", Tier: plans.TierFree, StripeCustomerID: "cus_1"})
	h := newTestHandler(repo, testSigningSecret)

	payload := subscriptionEventJSON(t, "evt_1", "customer.subscription.updated", "sub_1", "cus_1", testPriceMonthly, "active")
	rr := postSignedWebhook(h, payload, testSigningSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, bodyPart %s", rr.Code, rr.Body.String())
	}

	p := repo.profiles["acct-1"]
	if p.Tier != plans.TierMonthly || p.SubscriptionStatus != "active" {
		t.Fatalf("profile not updated: %+v", p)
	}
	if repo.lastTx == nil || !repo.lastTx.committed {
		t.Fatal("transaction should have committed")
	}
	if repo.audits == 0 {
		t.Fatal("webhook should append an audit record")
	}
}

func TestStripeWebhook_DuplicateDeliveryAcknowledged(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(storage.Profile{AccountID: "acct-1", Tier: plans.TierFree, StripeCustomerID: "cus_1"})
	h := newTestHandler(repo, testSigningSecret)

	payload := subscriptionEventJSON(t, "evt_dup", "customer.subscription.updated", "sub_1", "cus_1", testPriceMonthly, "active")
	if rr := postSignedWebhook(h, payload, testSigningSecret); rr.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d", rr.Code)
	}
	rr := postSignedWebhook(h, payload, testSigningSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: status = %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Fatalf("replay response = %v, want duplicate", resp)
	}
	if repo.applies != 1 {
		t.Fatalf("applies = %d, want 1 (replay must not re-apply)", repo.applies)
	}
}

func TestStripeWebhook_BadSignatureRejected(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo, testSigningSecret)

	payload := subscriptionEventJSON(t, "evt_2", "customer.subscription.updated", "sub_1", "cus_1", testPriceMonthly, "active")
	rr := postSignedWebhook(h, payload, "whsec_wrong_secret")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(repo.seenEvents) != 0 {
		t.Fatal("unverified event must not be recorded")
	}
}

func TestStripeWebhook_MissingSignatureRejected(t *testing.T) {
	h := newTestHandler(newFakeRepo(), testSigningSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestStripeWebhook_FailsClosedWithoutSecret(t *testing.T) {
	h := newTestHandler(newFakeRepo(), "")
	payload := subscriptionEventJSON(t, "evt_3", "customer.subscription.updated", "sub_1", "cus_1", testPriceMonthly, "active")
	rr := postSignedWebhook(h, payload, testSigningSecret)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestStripeWebhook_UnresolvedAccountRequestsRetry(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo, testSigningSecret)

	payload := subscriptionEventJSON(t, "evt_4", "customer.subscription.updated", "sub_1", "cus_unknown", testPriceMonthly, "active")
	rr := postSignedWebhook(h, payload, testSigningSecret)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if repo.lastTx == nil || repo.lastTx.committed {
		t.Fatal("failed dispatch must not commit")
	}
	if !repo.lastTx.rolledBack {
		t.Fatal("failed dispatch should roll back")
	}
}

func TestStripeWebhook_UnmappedPriceRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(storage.Profile{AccountID: "acct-1", Tier: plans.TierMonthly, SubscriptionStatus: "active", StripeCustomerID: "cus_1"})
	h := newTestHandler(repo, testSigningSecret)

	payload := subscriptionEventJSON(t, "evt_5", "customer.subscription.updated", "sub_1", "cus_1", "price_not_ours", "active")
	rr := postSignedWebhook(h, payload, testSigningSecret)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	p := repo.profiles["acct-1"]
	if p.Tier != plans.TierMonthly {
		t.Fatalf("profile must be untouched, got tier %s", p.Tier)
	}
}

func TestStripeWebhook_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(newFakeRepo(), testSigningSecret)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/webhooks/stripe", nil)
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
