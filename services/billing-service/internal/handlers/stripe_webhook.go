package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/constructcrm/constructcrm/services/billing-service/internal/entitlements"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/events"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/storage"
)

// StripeWebhook handles billing provider webhooks (no session auth;
// signature verification is the auth). The gateway exposes this path
// publicly.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := events.Verify(body, r.Header.Get("Stripe-Signature"), h.webhookSecret, h.webhookTolerance)
	if err != nil {
		switch {
		case errors.Is(err, events.ErrNotConfigured):
			http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		case errors.Is(err, events.ErrMissingSignature):
			http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		default:
			http.Error(w, "invalid signature", http.StatusBadRequest)
		}
		return
	}

	occurredAt := time.Unix(evt.Created, 0).UTC()
	evtType := string(evt.Type)
	h.logger.Info("billing provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	// Dedup: replayed deliveries are acknowledged without re-applying.
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("billing provider event duplicate ignored", "provider_event_id", evt.ID, "event_type", evtType)
			_ = tx.Commit(r.Context())
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	if err := h.recordAudit(r.Context(), tx, r, "billing.provider.stripe.webhook", "provider", "", map[string]any{
		"provider_event_id": evt.ID,
		"event_type":        evtType,
		"occurred_at":       occurredAt.Format(time.RFC3339),
	}); err != nil {
		http.Error(w, "failed to record audit event", http.StatusInternalServerError)
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), tx, evt); err != nil {
		switch {
		case errors.Is(err, events.ErrMalformedEvent):
			h.logger.Error("billing event rejected", "err", err, "provider_event_id", evt.ID)
			http.Error(w, "malformed event payload", http.StatusBadRequest)
		case errors.Is(err, events.ErrAccountNotFound):
			// Non-2xx so the provider redelivers; the account row may simply
			// not have its customer id persisted yet.
			h.logger.Warn("billing event for unresolved account; requesting retry", "err", err, "provider_event_id", evt.ID)
			http.Error(w, "account not found for event", http.StatusNotFound)
		case errors.Is(err, entitlements.ErrUnresolvable):
			h.logger.Error("billing event with unmapped price id; profile left untouched", "err", err, "provider_event_id", evt.ID)
			http.Error(w, "unmapped price id", http.StatusUnprocessableEntity)
		default:
			h.logger.Error("billing event failed", "err", err, "provider_event_id", evt.ID)
			http.Error(w, "failed to process event", http.StatusInternalServerError)
		}
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
