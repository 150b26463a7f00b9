// internal/domain/order/entity.go
package order

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

type ProductType string

const (
	ProductAirtime           ProductType = "airtime"
	ProductData              ProductType = "data"
	ProductElectricity       ProductType = "electricity"
	ProductMerchantQR        ProductType = "merchant_qr"
	ProductSplitDisbursement ProductType = "split_disbursement"
)

func (p ProductType) Valid() bool {
	switch p {
	case ProductAirtime, ProductData, ProductElectricity, ProductMerchantQR, ProductSplitDisbursement:
		return true
	}
	return false
}

// RequiresFulfillment reports whether completing an order of this product
// type involves a provider delivery call. Merchant/QR payments complete on
// verified payment alone.
func (p ProductType) RequiresFulfillment() bool {
	switch p {
	case ProductAirtime, ProductData, ProductElectricity:
		return true
	}
	return false
}

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainERC20    Chain = "erc20"
	ChainBitcoin  Chain = "bitcoin"
	ChainSolana   Chain = "solana"
	ChainStellar  Chain = "stellar"
	ChainPolkadot Chain = "polkadot"
	ChainStarknet Chain = "starknet"
)

func (c Chain) Valid() bool {
	switch c {
	case ChainEthereum, ChainERC20, ChainBitcoin, ChainSolana, ChainStellar, ChainPolkadot, ChainStarknet:
		return true
	}
	return false
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkTestnet
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no field except metadata may change anymore.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PurchaseOrder is one purchase/payment attempt. cryptoAmount is computed
// once at creation and never recomputed, so the quote the user paid against
// is the quote the verifier checks against.
type PurchaseOrder struct {
	ID          string      `json:"id" db:"id"`
	UserID      sql.NullString `json:"user_id,omitempty" db:"user_id"` // empty for merchant/QR orders
	ProductType ProductType `json:"product_type" db:"product_type"`

	Chain   Chain   `json:"chain" db:"chain"`
	Network Network `json:"network" db:"network"`

	FiatAmount   decimal.Decimal `json:"fiat_amount" db:"fiat_amount"`
	FiatCurrency string          `json:"fiat_currency" db:"fiat_currency"`
	CryptoAmount decimal.Decimal `json:"crypto_amount" db:"crypto_amount"`
	CryptoAsset  string          `json:"crypto_asset" db:"crypto_asset"`

	ReceivingAddress string         `json:"receiving_address" db:"receiving_address"`
	TransactionRef   sql.NullString `json:"transaction_ref,omitempty" db:"transaction_ref"`

	// Product-specific delivery target: phone number, meter number, or the
	// merchant reference for QR payments.
	Recipient string         `json:"recipient" db:"recipient"`
	ServiceID sql.NullString `json:"service_id,omitempty" db:"service_id"` // provider plan/service code

	Status            Status         `json:"status" db:"status"`
	ProviderReference sql.NullString `json:"provider_reference,omitempty" db:"provider_reference"`
	FailureReason     sql.NullString `json:"failure_reason,omitempty" db:"failure_reason"`

	// Metadata is append-only: validation timestamps, refund records, error
	// reasons. Never destructively overwritten.
	Metadata map[string]interface{} `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RefundRecord is the shape stored under metadata["refund"] when a verified
// payment could not be fulfilled.
type RefundRecord struct {
	Initiated    bool            `json:"initiated"`
	Amount       decimal.Decimal `json:"amount"`
	Asset        string          `json:"asset"`
	Reason       string          `json:"reason"`
	InitiatedAt  time.Time       `json:"initiated_at"`
	Settled      bool            `json:"settled"`
	SettlementTx string          `json:"settlement_tx,omitempty"`
}

type Stats struct {
	TotalOrders     int64           `json:"total_orders"`
	CompletedOrders int64           `json:"completed_orders"`
	PendingOrders   int64           `json:"pending_orders"`
	FailedOrders    int64           `json:"failed_orders"`
	TotalFiatVolume decimal.Decimal `json:"total_fiat_volume"`
}
