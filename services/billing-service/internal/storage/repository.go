package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/constructcrm/constructcrm/libs/db"
	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/jackc/pgx/v5"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Profile is the per-account record that carries both identity fields and
// the billing state mirrored from the provider. Billing fields are only
// ever mutated through ApplyEntitlement / ResetToFree.
type Profile struct {
	AccountID            string
	Email                string
	DisplayName          string
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	SubscriptionStatus   string
	Tier                 plans.Tier
	CurrentPeriodEnd     *time.Time
	EntitlementEventAt   *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateProfile provisions the account at signup: free tier, no billing
// state. Safe to call more than once.
func (r *Repository) CreateProfile(ctx context.Context, accountID, email, displayName string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO account_profiles (account_id, email, display_name, subscription_tier)
		VALUES ($1, $2, $3, 'free')
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, nullIfEmpty(email), nullIfEmpty(displayName))
	return err
}

const profileColumns = `
		account_id::text, COALESCE(email, ''), COALESCE(display_name, ''),
		COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''), COALESCE(stripe_price_id, ''),
		COALESCE(subscription_status, ''), subscription_tier,
		current_period_end, entitlement_event_at, created_at, updated_at`

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	var tier string
	err := row.Scan(&p.AccountID, &p.Email, &p.DisplayName,
		&p.StripeCustomerID, &p.StripeSubscriptionID, &p.StripePriceID,
		&p.SubscriptionStatus, &tier,
		&p.CurrentPeriodEnd, &p.EntitlementEventAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	p.Tier = plans.Tier(tier)
	return p, nil
}

func (r *Repository) GetProfile(ctx context.Context, accountID string) (Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM account_profiles
		WHERE account_id = $1
	`, accountID))
}

func (r *Repository) GetProfileForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (Profile, bool, error) {
	p, err := scanProfile(tx.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM account_profiles
		WHERE account_id = $1
		FOR UPDATE
	`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, false, nil
		}
		return Profile{}, false, err
	}
	return p, true, nil
}

// FindAccountIDByCustomer is the indirect resolution path: equality query
// on the provider-assigned customer id, capped at one result.
func (r *Repository) FindAccountIDByCustomer(ctx context.Context, tx pgx.Tx, customerID string) (string, bool, error) {
	var accountID string
	err := tx.QueryRow(ctx, `
		SELECT account_id::text
		FROM account_profiles
		WHERE stripe_customer_id = $1
		LIMIT 1
	`, customerID).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return accountID, true, nil
}

// EntitlementPatch is a merge write: nil fields are left untouched.
// OccurredAt is the originating event's timestamp and doubles as the
// monotonic guard against out-of-order deliveries.
type EntitlementPatch struct {
	CustomerID       *string
	SubscriptionID   *string
	PriceID          *string
	Status           *string
	Tier             *plans.Tier
	CurrentPeriodEnd *time.Time
	OccurredAt       time.Time
}

// ApplyEntitlement merges the patch into the profile. Returns false when
// the stored entitlement stamp is newer than the patch (stale delivery)
// and nothing was written. Re-applying an identical patch is a no-op
// beyond updated_at.
func (r *Repository) ApplyEntitlement(ctx context.Context, tx pgx.Tx, accountID string, p EntitlementPatch) (bool, error) {
	var tier *string
	if p.Tier != nil {
		t := string(*p.Tier)
		tier = &t
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO account_profiles (account_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
		                              subscription_status, subscription_tier, current_period_end, entitlement_event_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, 'free'), $7, $8)
		ON CONFLICT (account_id)
		DO UPDATE SET stripe_customer_id     = COALESCE(EXCLUDED.stripe_customer_id, account_profiles.stripe_customer_id),
		              stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, account_profiles.stripe_subscription_id),
		              stripe_price_id        = COALESCE(EXCLUDED.stripe_price_id, account_profiles.stripe_price_id),
		              subscription_status    = COALESCE(EXCLUDED.subscription_status, account_profiles.subscription_status),
		              subscription_tier      = COALESCE($6, account_profiles.subscription_tier),
		              current_period_end     = COALESCE(EXCLUDED.current_period_end, account_profiles.current_period_end),
		              entitlement_event_at   = EXCLUDED.entitlement_event_at,
		              updated_at             = now()
		WHERE account_profiles.entitlement_event_at IS NULL
		   OR account_profiles.entitlement_event_at <= EXCLUDED.entitlement_event_at
	`, accountID, p.CustomerID, p.SubscriptionID, p.PriceID, p.Status, tier, p.CurrentPeriodEnd, p.OccurredAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResetToFree is the cancellation write: tier back to free, provider
// subscription/price ids cleared. Unknown accounts are a no-op.
func (r *Repository) ResetToFree(ctx context.Context, tx pgx.Tx, accountID string, occurredAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE account_profiles
		SET subscription_tier      = 'free',
		    subscription_status    = 'canceled',
		    stripe_subscription_id = NULL,
		    stripe_price_id        = NULL,
		    current_period_end     = NULL,
		    entitlement_event_at   = $2,
		    updated_at             = now()
		WHERE account_id = $1
		  AND (entitlement_event_at IS NULL OR entitlement_event_at <= $2)
	`, accountID, occurredAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetStripeCustomerID records the customer id created during checkout.
// Never overwrites an existing id: the first customer wins.
func (r *Repository) SetStripeCustomerID(ctx context.Context, accountID, customerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE account_profiles
		SET stripe_customer_id = COALESCE(stripe_customer_id, $2),
		    updated_at = now()
		WHERE account_id = $1
	`, accountID, customerID)
	return err
}

// ListProfilesForReconcile returns profiles that carry a provider
// subscription id, most recently touched first.
func (r *Repository) ListProfilesForReconcile(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+profileColumns+`
		FROM account_profiles
		WHERE stripe_subscription_id IS NOT NULL AND stripe_subscription_id <> ''
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

// InsertProviderEvent records a delivery before any mutation. A second
// delivery of the same provider event id returns
// ErrDuplicateProviderEvent so the caller can ack without re-applying.
func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		// A webhook that passed signature verification must be well-formed JSON.
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

type AuditEvent struct {
	EventType string
	ActorType string
	ActorID   string
	AccountID string
	Metadata  []byte
}

func (r *Repository) InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt AuditEvent) error {
	var payload any
	if len(evt.Metadata) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(evt.Metadata, &payload); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_type, actor_id, account_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.EventType, evt.ActorType, nullIfEmpty(evt.ActorID), nullIfEmpty(evt.AccountID), payload)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
