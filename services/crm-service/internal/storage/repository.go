package storage

import (
	"context"
	"errors"
	"time"

	"github.com/constructcrm/constructcrm/libs/db"
	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/model"
	"github.com/google/uuid"
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

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// AccountEntitlement is the slice of the shared billing profile the quota
// gate needs.
type AccountEntitlement struct {
	Tier   plans.Tier
	Status string
}

// GetEntitlementForUpdate locks the account's billing profile row for the
// duration of the transaction so concurrent creates serialize. Accounts
// that were never provisioned get free-tier defaults.
func (r *Repository) GetEntitlementForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (AccountEntitlement, error) {
	var ent AccountEntitlement
	var tier string
	err := tx.QueryRow(ctx, `
		SELECT subscription_tier, COALESCE(subscription_status, '')
		FROM account_profiles
		WHERE account_id = $1
		FOR UPDATE
	`, accountID).Scan(&tier, &ent.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountEntitlement{Tier: plans.TierFree}, nil
		}
		return AccountEntitlement{}, err
	}
	ent.Tier, _ = plans.ParseTier(tier)
	if ent.Tier == "" {
		ent.Tier = plans.TierFree
	}
	return ent, nil
}

// Projects

func (r *Repository) CountProjects(ctx context.Context, tx pgx.Tx, accountID string) (int, error) {
	var cnt int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM projects WHERE account_id = $1`, accountID).Scan(&cnt)
	return cnt, err
}

func (r *Repository) CreateProject(ctx context.Context, tx pgx.Tx, p *model.Project) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO projects
			(id, account_id, name, address, client_id, client_name, status, description,
			 budget, actual_cost, start_date, expected_end_date)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7, $8, $9, $10, $11, $12)
	`, id, p.AccountID, p.Name, p.Address, p.ClientID, p.ClientName, p.Status, p.Description,
		p.Budget, p.ActualCost, p.StartDate, p.ExpectedEndDate)
	if err != nil {
		return "", err
	}
	return id, nil
}

const projectColumns = `
	id::text, account_id, name, COALESCE(address, ''), COALESCE(client_id::text, ''),
	COALESCE(client_name, ''), status, COALESCE(description, ''),
	COALESCE(budget, 0), COALESCE(actual_cost, 0),
	start_date, expected_end_date, actual_end_date, created_at, updated_at`

func scanProject(row pgx.Row) (model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Name, &p.Address, &p.ClientID,
		&p.ClientName, &p.Status, &p.Description,
		&p.Budget, &p.ActualCost,
		&p.StartDate, &p.ExpectedEndDate, &p.ActualEndDate, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (r *Repository) GetProject(ctx context.Context, accountID, projectID string) (model.Project, error) {
	return scanProject(r.pool.QueryRow(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE account_id = $1 AND id = $2
	`, accountID, projectID))
}

func (r *Repository) ListProjects(ctx context.Context, accountID string) ([]model.Project, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateProject(ctx context.Context, p *model.Project) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE projects
		SET name = $3,
			address = $4,
			client_id = NULLIF($5, '')::uuid,
			client_name = $6,
			status = $7,
			description = $8,
			budget = $9,
			actual_cost = $10,
			start_date = $11,
			expected_end_date = $12,
			actual_end_date = $13,
			updated_at = now()
		WHERE account_id = $1 AND id = $2
	`, p.AccountID, p.ID, p.Name, p.Address, p.ClientID, p.ClientName, p.Status, p.Description,
		p.Budget, p.ActualCost, p.StartDate, p.ExpectedEndDate, p.ActualEndDate)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteProject removes the project and its tasks in one transaction.
func (r *Repository) DeleteProject(ctx context.Context, accountID, projectID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM tasks WHERE account_id = $1 AND project_id = $2
	`, accountID, projectID); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		DELETE FROM projects WHERE account_id = $1 AND id = $2
	`, accountID, projectID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Clients

func (r *Repository) CountClients(ctx context.Context, tx pgx.Tx, accountID string) (int, error) {
	var cnt int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM clients WHERE account_id = $1`, accountID).Scan(&cnt)
	return cnt, err
}

func (r *Repository) CreateClient(ctx context.Context, tx pgx.Tx, c *model.Client) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO clients
			(id, account_id, name, company_name, contact_person, email, phone, address, website, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id, c.AccountID, c.Name, c.CompanyName, c.ContactPerson, c.Email, c.Phone, c.Address, c.Website, c.Notes)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ListClients(ctx context.Context, accountID string) ([]model.Client, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, account_id, name, COALESCE(company_name, ''), COALESCE(contact_person, ''),
			email, COALESCE(phone, ''), COALESCE(address, ''), COALESCE(website, ''), COALESCE(notes, ''),
			created_at, updated_at
		FROM clients
		WHERE account_id = $1
		ORDER BY name
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(
			&c.ID, &c.AccountID, &c.Name, &c.CompanyName, &c.ContactPerson,
			&c.Email, &c.Phone, &c.Address, &c.Website, &c.Notes,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteClient(ctx context.Context, accountID, clientID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM clients WHERE account_id = $1 AND id = $2
	`, accountID, clientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Tasks

func (r *Repository) CountTasksInProject(ctx context.Context, tx pgx.Tx, accountID, projectID string) (int, error) {
	var cnt int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE account_id = $1 AND project_id = $2
	`, accountID, projectID).Scan(&cnt)
	return cnt, err
}

// ProjectExists checks ownership inside the caller's transaction before a
// task insert references the project.
func (r *Repository) ProjectExists(ctx context.Context, tx pgx.Tx, accountID, projectID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM projects WHERE account_id = $1 AND id = $2)
	`, accountID, projectID).Scan(&exists)
	return exists, err
}

func (r *Repository) CreateTask(ctx context.Context, tx pgx.Tx, t *model.Task) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks
			(id, account_id, project_id, title, description, status, priority, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, t.AccountID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.DueDate)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ListTasks(ctx context.Context, accountID, projectID string) ([]model.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, account_id, project_id::text, title, COALESCE(description, ''),
			status, COALESCE(priority, ''), due_date, completed_at, created_at, updated_at
		FROM tasks
		WHERE account_id = $1 AND project_id = $2
		ORDER BY created_at
	`, accountID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.ProjectID, &t.Title, &t.Description,
			&t.Status, &t.Priority, &t.DueDate, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask rewrites the mutable fields; completed_at is stamped on the
// transition into Completed and cleared when the task moves back out.
func (r *Repository) UpdateTask(ctx context.Context, t *model.Task) (bool, error) {
	var completedAt *time.Time
	if t.Status == "Completed" {
		now := time.Now().UTC()
		if t.CompletedAt != nil {
			completedAt = t.CompletedAt
		} else {
			completedAt = &now
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET title = $3,
			description = $4,
			status = $5,
			priority = $6,
			due_date = $7,
			completed_at = $8,
			updated_at = now()
		WHERE account_id = $1 AND id = $2
	`, t.AccountID, t.ID, t.Title, t.Description, t.Status, t.Priority, t.DueDate, completedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
