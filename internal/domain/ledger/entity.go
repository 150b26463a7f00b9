// internal/domain/ledger/entity.go
package ledger

import (
	"time"

	"chainbill-service/internal/domain/order"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryCredit EntryType = "credit"
)

// Entry records an inbound on-chain transfer discovered by the passive
// monitor. TransactionRef is unique: discovery is idempotent across sweeps.
type Entry struct {
	ID             string          `json:"id" db:"id"`
	Type           EntryType       `json:"type" db:"type"`
	Address        string          `json:"address" db:"address"`
	Chain          order.Chain     `json:"chain" db:"chain"`
	Network        order.Network   `json:"network" db:"network"`
	TransactionRef string          `json:"transaction_ref" db:"transaction_ref"`
	Asset          string          `json:"asset" db:"asset"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	From           string          `json:"from_address,omitempty" db:"from_address"`
	DiscoveredAt   time.Time       `json:"discovered_at" db:"discovered_at"`
}

// WalletAddress is a known receiving address swept by deposit discovery.
type WalletAddress struct {
	ID        string        `json:"id" db:"id"`
	UserID    string        `json:"user_id" db:"user_id"`
	Chain     order.Chain   `json:"chain" db:"chain"`
	Network   order.Network `json:"network" db:"network"`
	Address   string        `json:"address" db:"address"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}
