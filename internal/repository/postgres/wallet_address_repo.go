// internal/repository/postgres/wallet_address_repo.go
package postgres

import (
	"context"
	"fmt"

	"chainbill-service/internal/domain/ledger"

	"github.com/jackc/pgx/v5/pgxpool"
)

type WalletAddressRepository struct {
	db *pgxpool.Pool
}

func NewWalletAddressRepository(db *pgxpool.Pool) *WalletAddressRepository {
	return &WalletAddressRepository{db: db}
}

// ListAll returns every known receiving address for the discovery sweep.
func (r *WalletAddressRepository) ListAll(ctx context.Context) ([]ledger.WalletAddress, error) {
	query := `
		SELECT id, user_id, chain, network, address, created_at
		FROM wallet_addresses
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet addresses: %w", err)
	}
	defer rows.Close()

	addresses := []ledger.WalletAddress{}
	for rows.Next() {
		var a ledger.WalletAddress
		if err := rows.Scan(&a.ID, &a.UserID, &a.Chain, &a.Network, &a.Address, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, nil
}
