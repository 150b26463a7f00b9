// internal/handlers/merchant/merchant_handler.go
package merchant

import (
	"net/http"

	"chainbill-service/internal/domain/order"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/pkg/response"
	service "chainbill-service/internal/service/purchase"

	"github.com/gin-gonic/gin"
)

type MerchantHandler struct {
	purchaseService *service.Service
}

func NewMerchantHandler(purchaseService *service.Service) *MerchantHandler {
	return &MerchantHandler{
		purchaseService: purchaseService,
	}
}

// CreateInvoice creates a QR payment request. The response carries the
// receiving address and exact crypto amount the QR code encodes.
func (h *MerchantHandler) CreateInvoice(c *gin.Context) {
	var req order.CreateInvoiceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	o, err := h.purchaseService.CreateInvoice(c.Request.Context(), &req)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrInvalidInput) {
			response.Error(c, http.StatusBadRequest, "invalid request", err)
			return
		}
		if xerrors.Is(err, xerrors.ErrNotFound) {
			response.Error(c, http.StatusBadRequest, "no treasury address for chain", xerrors.ErrNotFound)
			return
		}
		response.Error(c, http.StatusInternalServerError, "failed to create invoice", nil)
		return
	}

	response.Success(c, http.StatusCreated, "invoice created", gin.H{
		"invoice": gin.H{
			"id":                o.ID,
			"receiving_address": o.ReceivingAddress,
			"crypto_amount":     o.CryptoAmount,
			"crypto_asset":      o.CryptoAsset,
			"fiat_amount":       o.FiatAmount,
			"fiat_currency":     o.FiatCurrency,
			"chain":             o.Chain,
			"network":           o.Network,
			"merchant_ref":      o.Recipient,
			"status":            o.Status,
		},
	})
}

// GetInvoice returns invoice status. Point-of-sale devices poll this while
// the monitor sweeps for the deposit.
func (h *MerchantHandler) GetInvoice(c *gin.Context) {
	o, err := h.purchaseService.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.NotFound(c, "invoice not found")
		return
	}

	response.Success(c, http.StatusOK, "invoice retrieved", gin.H{
		"id":              o.ID,
		"status":          o.Status,
		"transaction_ref": o.TransactionRef.String,
		"merchant_ref":    o.Recipient,
	})
}
