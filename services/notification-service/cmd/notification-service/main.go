package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/constructcrm/constructcrm/libs/config"
	"github.com/constructcrm/constructcrm/libs/db"
	"github.com/constructcrm/constructcrm/libs/httpx"
	"github.com/constructcrm/constructcrm/libs/kafkax"
	otelx "github.com/constructcrm/constructcrm/libs/otel"
	"github.com/constructcrm/constructcrm/libs/runtime"
	"github.com/constructcrm/constructcrm/services/notification-service/internal/consumer"
	"github.com/constructcrm/constructcrm/services/notification-service/internal/email"
	"github.com/constructcrm/constructcrm/services/notification-service/internal/inbox"
	"github.com/constructcrm/constructcrm/services/notification-service/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type trialEndingPayload struct {
	AccountID      string `json:"account_id"`
	SubscriptionID string `json:"subscription_id"`
	TrialEnd       string `json:"trial_end"`
}

type entitlementChangedPayload struct {
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
	Status    string `json:"status"`
	Active    bool   `json:"active"`
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	notificationsRepo := storage.NewRepository(pool)

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@constructcrm.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)

	notify := func(ctx context.Context, accountID, eventType, subject, body string, payload map[string]any) error {
		recipient, ok, err := notificationsRepo.AccountEmail(ctx, accountID)
		if err != nil {
			return err
		}
		status := "sent"
		if !ok {
			status = "skipped"
			logger.Warn("no email on account; notification skipped", "account_id", accountID, "event_type", eventType)
		} else if err := emailSender.Send(recipient, subject, body); err != nil {
			status = "failed"
			logger.Error("email send failed", "err", err, "account_id", accountID)
		}
		return notificationsRepo.Insert(ctx, storage.Notification{
			AccountID: accountID,
			EventType: eventType,
			Channel:   "email",
			Recipient: recipient,
			Payload:   payload,
			Status:    status,
		})
	}

	startConsumer := func(topic string, handler consumer.Handler) {
		if strings.TrimSpace(topic) == "" {
			return
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
			Topic:   topic,
		}, handler)
		go eventConsumer.Run(ctx)
	}

	startConsumer(config.String("KAFKA_TRIAL_TOPIC", "billing.subscription.trial_ending.v1"), func(ctx context.Context, msg kafka.Message) error {
		var payload trialEndingPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid trial_ending payload", "err", err)
			return nil
		}
		if payload.AccountID == "" {
			logger.Error("trial_ending event missing account_id")
			return nil
		}
		when := payload.TrialEnd
		if when == "" {
			when = "soon"
		}
		body := fmt.Sprintf("Your ConstructCRM trial ends %s. Add a payment method to keep your paid plan.", when)
		return notify(ctx, payload.AccountID, "billing.subscription.trial_ending.v1",
			"Your trial is ending", body, map[string]any{
				"subscription_id": payload.SubscriptionID,
				"trial_end":       payload.TrialEnd,
			})
	})

	startConsumer(config.String("KAFKA_ENTITLEMENT_TOPIC", "billing.entitlement.changed.v1"), func(ctx context.Context, msg kafka.Message) error {
		var payload entitlementChangedPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid entitlement payload", "err", err)
			return nil
		}
		if payload.AccountID == "" {
			logger.Error("entitlement event missing account_id")
			return nil
		}
		// Only downgrades are worth an email; upgrades are confirmed in-app.
		if payload.Active {
			return nil
		}
		body := "Your subscription is no longer active. Your workspace has moved to the free plan limits."
		return notify(ctx, payload.AccountID, "billing.entitlement.changed.v1",
			"Subscription update", body, map[string]any{
				"tier":   payload.Tier,
				"status": payload.Status,
			})
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
