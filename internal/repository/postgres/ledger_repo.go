// internal/repository/postgres/ledger_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"chainbill-service/internal/domain/ledger"
	xerrors "chainbill-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository records inbound credits discovered on chain. The unique
// constraint on transaction_ref makes discovery idempotent across sweeps.
type LedgerRepository struct {
	db *pgxpool.Pool
}

func NewLedgerRepository(db *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Record inserts a discovered credit. Returns xerrors.ErrConflict when the
// transaction reference was already recorded.
func (r *LedgerRepository) Record(ctx context.Context, e *ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries (
			id, type, address, chain, network, transaction_ref, asset, amount, from_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING discovered_at
	`

	err := r.db.QueryRow(
		ctx, query,
		e.ID, e.Type, e.Address, e.Chain, e.Network, e.TransactionRef, e.Asset, e.Amount, e.From,
	).Scan(&e.DiscoveredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return xerrors.ErrConflict
		}
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// ExistsByTransactionRef reports whether a transfer was already recorded.
func (r *LedgerRepository) ExistsByTransactionRef(ctx context.Context, ref string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE transaction_ref = $1)`
	var exists bool
	err := r.db.QueryRow(ctx, query, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return exists, nil
}
