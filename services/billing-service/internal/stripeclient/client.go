package stripeclient

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Client wraps the Stripe API behind the four capabilities this system
// needs. It is constructed once and injected, never ambient global state,
// so handlers and the reconciler stay testable with a fake.
type Client struct {
	api *client.API
}

func New(secretKey string) *Client {
	api := &client.API{}
	api.Init(strings.TrimSpace(secretKey), nil)
	return &Client{api: api}
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return c.api.Subscriptions.Get(subscriptionID, params)
}

func (c *Client) CreateCustomer(ctx context.Context, email, name, accountID string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"account_id": accountID,
		},
	}
	if strings.TrimSpace(name) != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	return c.api.Customers.New(params)
}

// CheckoutParams carries everything a subscription checkout needs. The
// account id rides along as metadata on both the session and the created
// subscription, which is what lets webhook deliveries resolve the account
// directly.
type CheckoutParams struct {
	AccountID      string
	CustomerID     string
	PriceID        string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	metadata := map[string]string{
		"account_id": p.AccountID,
		"price_id":   p.PriceID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(p.CustomerID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.AccountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		AllowPromotionCodes: stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(p.IdempotencyKey); key != "" {
		params.IdempotencyKey = stripe.String(key)
	}
	return c.api.CheckoutSessions.New(params)
}

func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	return c.api.BillingPortalSessions.New(params)
}
