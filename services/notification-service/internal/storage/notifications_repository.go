package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/constructcrm/constructcrm/libs/db"
	"github.com/jackc/pgx/v5"
)

type Notification struct {
	AccountID string
	EventType string
	Channel   string
	Recipient string
	Payload   map[string]any
	Status    string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (account_id, event_type, channel, recipient, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.AccountID, n.EventType, n.Channel, n.Recipient, payload, n.Status)
	return err
}

// AccountEmail looks up the recipient address on the shared billing
// profile. Returns ok=false when the account has no profile or no email.
func (r *Repository) AccountEmail(ctx context.Context, accountID string) (string, bool, error) {
	var email string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(email, '') FROM account_profiles WHERE account_id = $1
	`, accountID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return email, email != "", nil
}
