package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/events"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/storage"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/stripeclient"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
)

// Store is the repository surface the HTTP layer needs. Kept as an
// interface so handler tests can run against an in-memory fake.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateProfile(ctx context.Context, accountID, email, displayName string) error
	GetProfile(ctx context.Context, accountID string) (storage.Profile, error)
	SetStripeCustomerID(ctx context.Context, accountID, customerID string) error
	InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt storage.ProviderEvent) error
	InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt storage.AuditEvent) error
}

// Provider is the outbound slice of the billing provider client used by
// checkout and portal flows.
type Provider interface {
	CreateCustomer(ctx context.Context, email, name, accountID string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, p stripeclient.CheckoutParams) (*stripe.CheckoutSession, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error)
}

type Handler struct {
	repo             Store
	dispatcher       *events.Dispatcher
	provider         Provider
	catalog          *plans.Catalog
	logger           *slog.Logger
	webhookSecret    string
	webhookTolerance time.Duration
	successURL       string
	cancelURL        string
	portalReturnURL  string
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
	CheckoutSuccessURL            string
	CheckoutCancelURL             string
	PortalReturnURL               string
}

func New(repo Store, dispatcher *events.Dispatcher, provider Provider, catalog *plans.Catalog, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		repo:             repo,
		dispatcher:       dispatcher,
		provider:         provider,
		catalog:          catalog,
		logger:           logger,
		webhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		webhookTolerance: time.Duration(tolSeconds) * time.Second,
		successURL:       strings.TrimSpace(cfg.CheckoutSuccessURL),
		cancelURL:        strings.TrimSpace(cfg.CheckoutCancelURL),
		portalReturnURL:  strings.TrimSpace(cfg.PortalReturnURL),
	}
}

func accountIDFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Account-Id"))
}

type provisionAccountRequest struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// ProvisionAccount creates the profile at signup: free tier, no billing
// state. Idempotent; repeated calls for the same account are a no-op.
func (h *Handler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req provisionAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Email = strings.TrimSpace(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	if err := h.repo.CreateProfile(r.Context(), req.AccountID, req.Email, req.DisplayName); err != nil {
		http.Error(w, "failed to provision account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "tier": string(plans.TierFree)})
}

// GetSubscription returns the account's current entitlement plus the
// quota limits it implies. Accounts without billing state get free-tier
// defaults.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}

	profile, err := h.repo.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusOK, subscriptionResponse(accountID, storage.Profile{Tier: plans.TierFree}, h.catalog))
			return
		}
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(accountID, profile, h.catalog))
}

func subscriptionResponse(accountID string, p storage.Profile, catalog *plans.Catalog) map[string]any {
	tier := p.Tier
	if tier == "" {
		tier = plans.TierFree
	}
	plan := catalog.PlanForTier(tier)
	resp := map[string]any{
		"account_id": accountID,
		"tier":       string(tier),
		"status":     p.SubscriptionStatus,
		"active":     plans.StatusGrantsAccess(p.SubscriptionStatus),
		"limits": map[string]int{
			"max_projects":          plan.MaxProjects,
			"max_clients":           plan.MaxClients,
			"max_tasks_per_project": plan.MaxTasksPerProject,
		},
	}
	if p.CurrentPeriodEnd != nil {
		resp["renews_at"] = p.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	return resp
}

type checkoutRequest struct {
	Tier       string `json:"tier"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// Checkout creates a subscription checkout session for a paid tier,
// creating the provider customer on first use and persisting its id so
// later webhook deliveries can resolve the account indirectly.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.provider == nil {
		http.Error(w, "stripe checkout not configured (STRIPE_SECRET_KEY missing)", http.StatusNotImplemented)
		return
	}

	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	tier, ok := plans.ParseTier(req.Tier)
	if !ok || tier == plans.TierFree {
		http.Error(w, "unsupported tier", http.StatusBadRequest)
		return
	}
	plan := h.catalog.PlanForTier(tier)
	if len(plan.PriceIDs) == 0 {
		http.Error(w, "stripe price id not configured for tier", http.StatusNotImplemented)
		return
	}

	successURL := strings.TrimSpace(req.SuccessURL)
	if successURL == "" {
		successURL = h.successURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = h.cancelURL
	}
	if successURL == "" || cancelURL == "" {
		http.Error(w, "success_url and cancel_url are required (or configure default URLs)", http.StatusBadRequest)
		return
	}

	profile, err := h.repo.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "account not provisioned", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load account", http.StatusInternalServerError)
		return
	}

	customerID := profile.StripeCustomerID
	if customerID == "" {
		if profile.Email == "" {
			http.Error(w, "account has no email for billing customer creation", http.StatusConflict)
			return
		}
		customer, err := h.provider.CreateCustomer(r.Context(), profile.Email, profile.DisplayName, accountID)
		if err != nil {
			h.logger.Error("stripe customer create failed", "err", err, "account_id", accountID)
			http.Error(w, "failed to create billing customer", http.StatusBadGateway)
			return
		}
		customerID = customer.ID
		if err := h.repo.SetStripeCustomerID(r.Context(), accountID, customerID); err != nil {
			http.Error(w, "failed to persist billing customer", http.StatusInternalServerError)
			return
		}
	}

	sess, err := h.provider.CreateCheckoutSession(r.Context(), stripeclient.CheckoutParams{
		AccountID:      accountID,
		CustomerID:     customerID,
		PriceID:        plan.PriceIDs[0],
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.logger.Error("stripe checkout session create failed", "err", err, "account_id", accountID)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	h.logger.Info("checkout session created", "account_id", accountID, "tier", string(tier), "stripe_session_id", sess.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}

// Portal creates a self-service billing-management session. Requires that
// the account already went through checkout at least once.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.provider == nil {
		http.Error(w, "stripe billing not configured (STRIPE_SECRET_KEY missing)", http.StatusNotImplemented)
		return
	}

	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}

	profile, err := h.repo.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "account not provisioned", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	if profile.StripeCustomerID == "" {
		http.Error(w, "no billing customer on record", http.StatusConflict)
		return
	}

	sess, err := h.provider.CreateBillingPortalSession(r.Context(), profile.StripeCustomerID, h.portalReturnURL)
	if err != nil {
		h.logger.Error("stripe portal session create failed", "err", err, "account_id", accountID)
		http.Error(w, "failed to create portal session", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": sess.URL})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) recordAudit(ctx context.Context, tx pgx.Tx, r *http.Request, eventType string, actorType string, accountID string, metadata map[string]any) error {
	if actorType == "" {
		actorType = "system"
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reqID := strings.TrimSpace(r.Header.Get("X-Request-Id")); reqID != "" {
		metadata["request_id"] = reqID
	}
	raw, _ := json.Marshal(metadata)
	return h.repo.InsertAuditEvent(ctx, tx, storage.AuditEvent{
		EventType: eventType,
		ActorType: actorType,
		ActorID:   accountIDFromHeader(r),
		AccountID: accountID,
		Metadata:  raw,
	})
}
