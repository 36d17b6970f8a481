package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/constructcrm/constructcrm/libs/db"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/events"
	"github.com/constructcrm/constructcrm/services/billing-service/internal/storage"
)

// StripeReconciler periodically re-fetches every tracked subscription and
// re-applies resolution. Webhook delivery is at-least-once but a terminal
// failure the provider gives up on would otherwise drift silently.
type StripeReconciler struct {
	pool        *db.Pool
	repo        *storage.Repository
	dispatcher  *events.Dispatcher
	subs        events.SubscriptionFetcher
	logger      *slog.Logger
	batchSize   int
	advisoryKey int64
}

type Config struct {
	BatchSize       int
	AdvisoryLockKey int64
}

func NewStripeReconciler(pool *db.Pool, repo *storage.Repository, dispatcher *events.Dispatcher, subs events.SubscriptionFetcher, logger *slog.Logger, cfg Config) *StripeReconciler {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		// Stable-ish default; override via env if you run multiple billing instances.
		lockKey = 4242001
	}
	return &StripeReconciler{
		pool:        pool,
		repo:        repo,
		dispatcher:  dispatcher,
		subs:        subs,
		logger:      logger,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (r *StripeReconciler) Run(ctx context.Context, interval time.Duration) {
	if r.subs == nil {
		r.logger.Warn("stripe reconcile disabled: no provider client configured")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments.
	// Only the instance holding the advisory lock will reconcile.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("stripe reconcile: failed to acquire advisory lock", "err", err)
			if !waitOrDone(ctx, 5*time.Second) {
				return
			}
			continue
		}
		if !locked {
			r.logger.Info("stripe reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			if !waitOrDone(ctx, 30*time.Second) {
				return
			}
			continue
		}
		r.logger.Info("stripe reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// waitOrDone sleeps for d unless the context ends first; it reports
// whether the caller should keep running.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *StripeReconciler) reconcileOnce(ctx context.Context) {
	profiles, err := r.repo.ListProfilesForReconcile(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("stripe reconcile: failed to list profiles", "err", err)
		return
	}

	for _, p := range profiles {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(p.StripeSubscriptionID) == "" {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		sub, err := r.subs.GetSubscription(fetchCtx, p.StripeSubscriptionID)
		cancel()
		if err != nil {
			r.logger.Warn("stripe reconcile: failed to fetch subscription", "err", err,
				"stripe_subscription_id", p.StripeSubscriptionID, "account_id", p.AccountID)
			continue
		}

		tx, err := r.repo.Begin(ctx)
		if err != nil {
			r.logger.Error("stripe reconcile: db begin failed", "err", err)
			return
		}

		// The snapshot is current as of the fetch, so stamp the write with now.
		if err := r.dispatcher.ApplySubscription(ctx, tx, p.AccountID, sub, time.Now().UTC()); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("stripe reconcile: apply failed", "err", err, "account_id", p.AccountID, "stripe_subscription_id", sub.ID)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("stripe reconcile: commit failed", "err", err, "account_id", p.AccountID)
			continue
		}
	}
}
