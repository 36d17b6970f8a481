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
	"github.com/constructcrm/constructcrm/services/crm-service/internal/model"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/quota"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Store is the repository surface the HTTP layer needs. Kept as an
// interface so handler tests can run against an in-memory fake.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetEntitlementForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (storage.AccountEntitlement, error)

	CountProjects(ctx context.Context, tx pgx.Tx, accountID string) (int, error)
	CreateProject(ctx context.Context, tx pgx.Tx, p *model.Project) (string, error)
	GetProject(ctx context.Context, accountID, projectID string) (model.Project, error)
	ListProjects(ctx context.Context, accountID string) ([]model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) (bool, error)
	DeleteProject(ctx context.Context, accountID, projectID string) (bool, error)

	CountClients(ctx context.Context, tx pgx.Tx, accountID string) (int, error)
	CreateClient(ctx context.Context, tx pgx.Tx, c *model.Client) (string, error)
	ListClients(ctx context.Context, accountID string) ([]model.Client, error)
	DeleteClient(ctx context.Context, accountID, clientID string) (bool, error)

	CountTasksInProject(ctx context.Context, tx pgx.Tx, accountID, projectID string) (int, error)
	ProjectExists(ctx context.Context, tx pgx.Tx, accountID, projectID string) (bool, error)
	CreateTask(ctx context.Context, tx pgx.Tx, t *model.Task) (string, error)
	ListTasks(ctx context.Context, accountID, projectID string) ([]model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) (bool, error)
}

// Handler serves the account-scoped project/client/task surface. Account
// identity arrives in X-Account-Id, injected by the gateway after auth.
type Handler struct {
	repo   Store
	gate   *quota.Gate
	logger *slog.Logger
}

func New(repo Store, gate *quota.Gate, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, gate: gate, logger: logger}
}

func accountIDFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Account-Id"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeQuotaExceeded surfaces a blocked create as 402 with the limit so
// the UI can render an upgrade prompt.
func writeQuotaExceeded(w http.ResponseWriter, exceeded *quota.ExceededError) {
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":    exceeded.Error(),
		"resource": string(exceeded.Resource),
		"limit":    exceeded.Limit,
	})
}

// checkQuota locks the account profile row and compares the owned count
// against the effective plan, all inside the caller's transaction.
func (h *Handler) checkQuota(ctx context.Context, tx pgx.Tx, accountID string, resource plans.Resource,
	count func(context.Context, pgx.Tx, string) (int, error)) error {

	ent, err := h.repo.GetEntitlementForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	current, err := count(ctx, tx, accountID)
	if err != nil {
		return err
	}
	return h.gate.Check(ent.Tier, ent.Status, resource, current)
}

func (h *Handler) handleCreateError(w http.ResponseWriter, accountID string, resource plans.Resource, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		h.logger.Info("create blocked by plan limit",
			"account_id", accountID,
			"resource", string(exceeded.Resource),
			"limit", exceeded.Limit,
		)
		writeQuotaExceeded(w, exceeded)
		return
	}
	h.logger.Error("create failed", "err", err, "account_id", accountID, "resource", string(resource))
	http.Error(w, "failed to create "+string(resource), http.StatusInternalServerError)
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Date-only form used by the dashboard forms.
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil, err
		}
	}
	t = t.UTC()
	return &t, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
