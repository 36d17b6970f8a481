package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/entitlements"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/outbox"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
)

var (
	// ErrAccountNotFound means neither the event metadata nor the stored
	// customer ids identify an account. Retryable for create/update
	// events; swallowed for deletes.
	ErrAccountNotFound = errors.New("no account found for billing customer")

	// ErrMalformedEvent means the payload is missing fields the event
	// type requires. Redelivery cannot fix this, so it maps to a 4xx.
	ErrMalformedEvent = errors.New("event payload missing required fields")
)

// Store is the slice of the profile repository the dispatcher mutates.
type Store interface {
	GetProfileForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (storage.Profile, bool, error)
	FindAccountIDByCustomer(ctx context.Context, tx pgx.Tx, customerID string) (string, bool, error)
	ApplyEntitlement(ctx context.Context, tx pgx.Tx, accountID string, patch storage.EntitlementPatch) (bool, error)
	ResetToFree(ctx context.Context, tx pgx.Tx, accountID string, occurredAt time.Time) (bool, error)
}

// SubscriptionFetcher fetches a full subscription snapshot from the
// billing provider; checkout events only carry the subscription id.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// EventSink receives domain events emitted alongside profile writes,
// inside the same transaction.
type EventSink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// Dispatcher routes verified billing events to the resolution and write
// sequence each event type requires.
type Dispatcher struct {
	store   Store
	sink    EventSink
	subs    SubscriptionFetcher
	catalog *plans.Catalog
	logger  *slog.Logger
}

func NewDispatcher(store Store, sink EventSink, subs SubscriptionFetcher, catalog *plans.Catalog, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sink:    sink,
		subs:    subs,
		catalog: catalog,
		logger:  logger,
	}
}

const providerFetchTimeout = 10 * time.Second

// Dispatch applies one verified event within the caller's transaction.
// A nil return means the delivery should be acknowledged, including
// deliberate no-ops.
func (d *Dispatcher) Dispatch(ctx context.Context, tx pgx.Tx, evt stripe.Event) error {
	occurredAt := time.Unix(evt.Created, 0).UTC()

	switch string(evt.Type) {
	case "checkout.session.completed":
		return d.handleCheckoutCompleted(ctx, tx, evt.Data.Raw, occurredAt)
	case "customer.subscription.created", "customer.subscription.updated":
		return d.handleSubscriptionChanged(ctx, tx, evt.Data.Raw, occurredAt)
	case "customer.subscription.deleted":
		return d.handleSubscriptionDeleted(ctx, tx, evt.Data.Raw, occurredAt)
	case "customer.subscription.trial_will_end":
		return d.handleTrialWillEnd(ctx, tx, evt.Data.Raw)
	default:
		d.logger.Info("billing event ignored", "event_type", string(evt.Type))
		return nil
	}
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, tx pgx.Tx, raw []byte, occurredAt time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("%w: bad checkout session payload: %v", ErrMalformedEvent, err)
	}

	accountID := strings.TrimSpace(session.Metadata["account_id"])
	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if accountID == "" || customerID == "" || subscriptionID == "" {
		return fmt.Errorf("%w: checkout session needs account_id, customer and subscription", ErrMalformedEvent)
	}

	// The session doesn't carry the price; fetch the full snapshot. With
	// no provider client configured that fetch cannot happen, so fail the
	// delivery and let the provider redeliver once the key is set.
	if d.subs == nil {
		return fmt.Errorf("checkout session for account %s needs a subscription fetch but no provider client is configured", accountID)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, providerFetchTimeout)
	defer cancel()
	sub, err := d.subs.GetSubscription(fetchCtx, subscriptionID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}

	state := subscriptionStateOf(sub)
	if state.CustomerID == "" {
		state.CustomerID = customerID
	}
	if state.SubscriptionID == "" {
		state.SubscriptionID = subscriptionID
	}
	return d.apply(ctx, tx, accountID, state, occurredAt)
}

func (d *Dispatcher) handleSubscriptionChanged(ctx context.Context, tx pgx.Tx, raw []byte, occurredAt time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: bad subscription payload: %v", ErrMalformedEvent, err)
	}

	state := subscriptionStateOf(&sub)
	accountID, err := d.resolveAccount(ctx, tx, state)
	if err != nil {
		return err
	}
	return d.apply(ctx, tx, accountID, state, occurredAt)
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, tx pgx.Tx, raw []byte, occurredAt time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: bad subscription payload: %v", ErrMalformedEvent, err)
	}

	state := subscriptionStateOf(&sub)
	accountID, err := d.resolveAccount(ctx, tx, state)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// A delete for an account we never tracked isn't actionable;
			// blocking acknowledgment would just make the provider retry forever.
			d.logger.Warn("subscription deleted for unknown account; acknowledging",
				"stripe_customer_id", state.CustomerID,
				"stripe_subscription_id", state.SubscriptionID,
			)
			return nil
		}
		return err
	}

	// Deletion forces free regardless of what the price id maps to.
	prior, existed, err := d.store.GetProfileForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	applied, err := d.store.ResetToFree(ctx, tx, accountID, occurredAt)
	if err != nil {
		return err
	}
	if !applied {
		d.logger.Info("stale cancellation skipped", "account_id", accountID, "occurred_at", occurredAt.Format(time.RFC3339))
		return nil
	}
	if !existed || prior.Tier != plans.TierFree || prior.SubscriptionStatus != "canceled" {
		return d.emitEntitlementChanged(ctx, tx, accountID, entitlements.Entitlement{
			Tier:   plans.TierFree,
			Status: "canceled",
		}, occurredAt)
	}
	return nil
}

func (d *Dispatcher) handleTrialWillEnd(ctx context.Context, tx pgx.Tx, raw []byte) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: bad subscription payload: %v", ErrMalformedEvent, err)
	}

	state := subscriptionStateOf(&sub)
	accountID, err := d.resolveAccount(ctx, tx, state)
	if err != nil {
		// Informational event: never block acknowledgment.
		d.logger.Warn("trial ending for unresolved account", "stripe_subscription_id", state.SubscriptionID, "err", err)
		return nil
	}

	var trialEnd string
	if sub.TrialEnd > 0 {
		trialEnd = time.Unix(sub.TrialEnd, 0).UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(map[string]any{
		"account_id":      accountID,
		"subscription_id": state.SubscriptionID,
		"trial_end":       trialEnd,
	})
	if err != nil {
		return err
	}
	return d.sink.Insert(ctx, tx, outbox.Event{
		AccountID: accountID,
		EventType: "billing.subscription.trial_ending.v1",
		Payload:   payload,
	})
}

// resolveAccount tries the direct strategy (metadata stamped at checkout)
// and falls back to the stored customer-id mapping.
func (d *Dispatcher) resolveAccount(ctx context.Context, tx pgx.Tx, state subscriptionState) (string, error) {
	if state.AccountID != "" {
		return state.AccountID, nil
	}
	if state.CustomerID == "" {
		return "", fmt.Errorf("%w: event carries neither account metadata nor customer id", ErrAccountNotFound)
	}
	accountID, ok, err := d.store.FindAccountIDByCustomer(ctx, tx, state.CustomerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: customer %s", ErrAccountNotFound, state.CustomerID)
	}
	return accountID, nil
}

func (d *Dispatcher) apply(ctx context.Context, tx pgx.Tx, accountID string, state subscriptionState, occurredAt time.Time) error {
	ent, err := entitlements.Resolve(d.catalog, state.Status, state.PriceID, state.CurrentPeriodEnd)
	if err != nil {
		// Leave the stored tier untouched rather than corrupt it with a
		// price id we cannot map.
		return fmt.Errorf("account %s, price %q, status %s: %w", accountID, state.PriceID, state.Status, err)
	}

	prior, existed, err := d.store.GetProfileForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}

	var applied bool
	if ent.ClearBillingIDs {
		applied, err = d.store.ResetToFree(ctx, tx, accountID, occurredAt)
		ent.Status = "canceled"
	} else {
		patch := storage.EntitlementPatch{
			SubscriptionID:   strPtr(state.SubscriptionID),
			PriceID:          strPtr(state.PriceID),
			Status:           strPtr(ent.Status),
			Tier:             &ent.Tier,
			CurrentPeriodEnd: ent.CurrentPeriodEnd,
			OccurredAt:       occurredAt,
		}
		if state.CustomerID != "" {
			patch.CustomerID = strPtr(state.CustomerID)
		}
		applied, err = d.store.ApplyEntitlement(ctx, tx, accountID, patch)
	}
	if err != nil {
		return err
	}
	if !applied {
		d.logger.Info("stale entitlement write skipped",
			"account_id", accountID,
			"occurred_at", occurredAt.Format(time.RFC3339),
		)
		return nil
	}

	// Only fan out when the effective entitlement changed; provider-id
	// touch-ups alone shouldn't wake consumers.
	if !existed || prior.Tier != ent.Tier || prior.SubscriptionStatus != ent.Status {
		return d.emitEntitlementChanged(ctx, tx, accountID, ent, occurredAt)
	}
	return nil
}

func (d *Dispatcher) emitEntitlementChanged(ctx context.Context, tx pgx.Tx, accountID string, ent entitlements.Entitlement, occurredAt time.Time) error {
	plan := d.catalog.PlanForTier(ent.Tier)
	payload, err := json.Marshal(map[string]any{
		"account_id":            accountID,
		"tier":                  string(ent.Tier),
		"status":                ent.Status,
		"active":                ent.Active,
		"max_projects":          plan.MaxProjects,
		"max_clients":           plan.MaxClients,
		"max_tasks_per_project": plan.MaxTasksPerProject,
		"occurred_at":           occurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.sink.Insert(ctx, tx, outbox.Event{
		AccountID: accountID,
		EventType: "billing.entitlement.changed.v1",
		Payload:   payload,
	})
}

// ApplySubscription pushes a freshly fetched subscription snapshot
// through the same resolution and write path webhook deliveries use.
// Used by the reconciler to self-heal after missed deliveries.
func (d *Dispatcher) ApplySubscription(ctx context.Context, tx pgx.Tx, accountID string, sub *stripe.Subscription, occurredAt time.Time) error {
	return d.apply(ctx, tx, accountID, subscriptionStateOf(sub), occurredAt)
}

// subscriptionState is the slice of a provider subscription snapshot the
// pipeline needs.
type subscriptionState struct {
	AccountID        string
	CustomerID       string
	SubscriptionID   string
	PriceID          string
	Status           stripe.SubscriptionStatus
	CurrentPeriodEnd *time.Time
}

func subscriptionStateOf(sub *stripe.Subscription) subscriptionState {
	state := subscriptionState{
		AccountID:      strings.TrimSpace(sub.Metadata["account_id"]),
		SubscriptionID: sub.ID,
		Status:         sub.Status,
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		state.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		state.CurrentPeriodEnd = &t
	}
	return state
}

func strPtr(s string) *string {
	return &s
}
