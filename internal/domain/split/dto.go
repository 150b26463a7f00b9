// internal/domain/split/dto.go
package split

import (
	"chainbill-service/internal/domain/order"

	"github.com/shopspring/decimal"
)

type CreateTemplateInput struct {
	Name        string           `json:"name" binding:"required"`
	Chain       order.Chain      `json:"chain" binding:"required"`
	Network     order.Network    `json:"network" binding:"required"`
	Asset       string           `json:"asset" binding:"required"`
	TotalAmount decimal.Decimal  `json:"total_amount" binding:"required"`
	Recipients  []RecipientInput `json:"recipients" binding:"required,min=1,dive"`
}

type RecipientInput struct {
	Address string          `json:"address" binding:"required"`
	Amount  decimal.Decimal `json:"amount" binding:"required"`
	Label   string          `json:"label,omitempty"`
}
