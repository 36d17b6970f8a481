package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL = flag.String("base-url", getenv("BASE_URL", "http://localhost:8084"), "billing service base url")
		evtType = flag.String("type", getenv("STRIPE_EVENT_TYPE", "customer.subscription.updated"), "stripe event type")
		account = flag.String("account-id", getenv("ACCOUNT_ID", ""), "account_id metadata")
		custID  = flag.String("customer-id", getenv("STRIPE_CUSTOMER_ID", "cus_sim_123"), "stripe customer id")
		subID   = flag.String("subscription-id", getenv("STRIPE_SUBSCRIPTION_ID", "sub_sim_123"), "stripe subscription id")
		priceID = flag.String("price-id", getenv("STRIPE_PRICE_ID", ""), "stripe price id on the subscription item")
		status  = flag.String("status", getenv("STRIPE_SUB_STATUS", "active"), "subscription status")
		secret  = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *account, *custID, *subID, *priceID, *status)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, accountID, customerID, subscriptionID, priceID, status string) ([]byte, error) {
	created := t.Unix()
	metadata := map[string]any{}
	if accountID != "" {
		metadata["account_id"] = accountID
	}

	switch eventType {
	case "checkout.session.completed":
		if accountID == "" {
			return nil, fmt.Errorf("ACCOUNT_ID is required for %s", eventType)
		}
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2024-06-20",
			"data": map[string]any{
				"object": map[string]any{
					"id":           "cs_test_123",
					"object":       "checkout.session",
					"customer":     customerID,
					"subscription": subscriptionID,
					"metadata":     metadata,
				},
			},
		})
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.trial_will_end":
		sub := map[string]any{
			"id":                 subscriptionID,
			"object":             "subscription",
			"customer":           customerID,
			"status":             status,
			"metadata":           metadata,
			"current_period_end": t.AddDate(0, 1, 0).Unix(),
			"items": map[string]any{
				"data": []map[string]any{
					{"price": map[string]any{"id": priceID}},
				},
			},
		}
		if eventType == "customer.subscription.trial_will_end" {
			sub["trial_end"] = t.AddDate(0, 0, 3).Unix()
		}
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2024-06-20",
			"data":        map[string]any{"object": sub},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	os.Exit(1)
}
