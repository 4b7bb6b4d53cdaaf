// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"strings"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountRepository answers which brokerage accounts a user may act on.
type AccountRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAccountRepository(pool *pgxpool.Pool, logger *slog.Logger) *AccountRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *AccountRepository) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(accountID) == "" {
		return false, nil
	}

	var owned bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM account_owners
			WHERE user_id=$1 AND account_id=$2
		)
	`, userID, accountID).Scan(&owned)
	if err != nil {
		r.logger.Error("account ownership lookup failed",
			"user_id", userID,
			"account_id", accountID,
			"error", err,
		)
		return false, err
	}
	return owned, nil
}

// GrantAccount links an account to a user. Granting twice is a no-op.
func (r *AccountRepository) GrantAccount(ctx context.Context, userID, accountID string) error {
	userID = strings.TrimSpace(userID)
	accountID = strings.TrimSpace(accountID)
	if userID == "" || accountID == "" {
		return domain.ErrInvalidInput
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO account_owners (user_id, account_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, accountID); err != nil {
		r.logger.Error("grant account failed",
			"user_id", userID,
			"account_id", accountID,
			"error", err,
		)
		return err
	}

	r.logger.Info("account granted", "user_id", userID, "account_id", accountID)
	return nil
}

func (r *AccountRepository) ListAccounts(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id FROM account_owners
		WHERE user_id=$1
		ORDER BY created_at, account_id
	`, userID)
	if err != nil {
		r.logger.Error("list accounts failed", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
