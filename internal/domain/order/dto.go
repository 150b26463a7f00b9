// internal/domain/order/dto.go
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreatePurchaseInput is the client-submitted body for airtime/data/
// electricity purchases. TransactionRef is untrusted until verified.
type CreatePurchaseInput struct {
	ProductType    ProductType     `json:"product_type" binding:"required"`
	Chain          Chain           `json:"chain" binding:"required"`
	Network        Network         `json:"network" binding:"required"`
	FiatAmount     decimal.Decimal `json:"fiat_amount" binding:"required"`
	CryptoAsset    string          `json:"crypto_asset" binding:"required"`
	TransactionRef string          `json:"transaction_ref" binding:"required"`

	// Airtime/data: the phone number to top up. Electricity: the meter.
	PhoneNumber string `json:"phone_number,omitempty" validate:"omitempty,e164"`
	MeterNumber string `json:"meter_number,omitempty" validate:"omitempty,numeric,min=6,max=13"`
	ServiceID   string `json:"service_id,omitempty"` // provider plan code (data bundles, disco)

	// Optional address to settle a refund to if fulfillment fails after the
	// payment confirmed. Without it the refund stays a recorded obligation.
	RefundAddress string `json:"refund_address,omitempty"`
}

// CreateInvoiceInput creates a merchant/QR payment request. There is no
// transaction reference: the passive monitor discovers the payment.
type CreateInvoiceInput struct {
	Chain       Chain           `json:"chain" binding:"required"`
	Network     Network         `json:"network" binding:"required"`
	FiatAmount  decimal.Decimal `json:"fiat_amount" binding:"required"`
	CryptoAsset string          `json:"crypto_asset" binding:"required"`
	MerchantRef string          `json:"merchant_ref" binding:"required"`
}

type ListFilters struct {
	Status      *Status      `form:"status"`
	ProductType *ProductType `form:"product_type"`
	Chain       *Chain       `form:"chain"`
	DateFrom    *time.Time   `form:"date_from"`
	DateTo      *time.Time   `form:"date_to"`
	Page        int          `form:"page"`
	PageSize    int          `form:"page_size"`
}

type ListResponse struct {
	Orders     []PurchaseOrder `json:"orders"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}
