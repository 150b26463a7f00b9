// internal/handlers/purchase/purchase_handler.go
package purchase

import (
	"net/http"

	"chainbill-service/internal/domain/order"
	"chainbill-service/internal/middleware"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/pkg/response"
	service "chainbill-service/internal/service/purchase"

	"github.com/gin-gonic/gin"
)

type PurchaseHandler struct {
	purchaseService *service.Service
}

func NewPurchaseHandler(purchaseService *service.Service) *PurchaseHandler {
	return &PurchaseHandler{
		purchaseService: purchaseService,
	}
}

// CreatePurchase creates a purchase order and drives it to a terminal state
func (h *PurchaseHandler) CreatePurchase(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req order.CreatePurchaseInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	o, err := h.purchaseService.CreatePurchase(c.Request.Context(), userID, &req)
	if err != nil {
		status, message, safe := mapPurchaseError(err)
		response.Error(c, status, message, safe, gin.H{"order": o})
		return
	}

	response.Success(c, http.StatusCreated, "purchase completed", gin.H{"order": o})
}

// GetOrder retrieves one of the caller's orders
func (h *PurchaseHandler) GetOrder(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	o, err := h.purchaseService.GetOrder(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.NotFound(c, "order not found")
		return
	}
	response.Success(c, http.StatusOK, "order retrieved", o)
}

// ListOrders retrieves the caller's orders with filters
func (h *PurchaseHandler) ListOrders(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var filters order.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid query parameters", err)
		return
	}

	result, err := h.purchaseService.ListOrders(c.Request.Context(), userID, &filters)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list orders", nil)
		return
	}
	response.Success(c, http.StatusOK, "orders retrieved", result)
}

// RetryVerification re-runs verification for a non-terminal order
func (h *PurchaseHandler) RetryVerification(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	o, err := h.purchaseService.RetryVerification(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			response.NotFound(c, "order not found")
			return
		}
		status, message, safe := mapPurchaseError(err)
		response.Error(c, status, message, safe, gin.H{"order": o})
		return
	}
	response.Success(c, http.StatusOK, "order verified", gin.H{"order": o})
}

// GetStats retrieves the caller's purchase statistics
func (h *PurchaseHandler) GetStats(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	stats, err := h.purchaseService.GetStats(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to get stats", nil)
		return
	}
	response.Success(c, http.StatusOK, "stats retrieved", stats)
}

// mapPurchaseError translates taxonomy errors onto HTTP status codes. The
// returned error is what goes into the envelope: the bare sentinel, never
// the wrapped cause. Verifier and provider internals (RPC endpoints,
// transport text) stay in the server logs.
func mapPurchaseError(err error) (int, string, error) {
	switch {
	case xerrors.Is(err, xerrors.ErrInvalidInput):
		// Validation detail is derived from the caller's own input.
		return http.StatusBadRequest, "invalid request", err
	case xerrors.Is(err, xerrors.ErrDuplicateTransaction):
		return http.StatusConflict, "transaction reference already used", xerrors.ErrDuplicateTransaction
	case xerrors.Is(err, xerrors.ErrVerificationTimeout):
		return http.StatusPaymentRequired, "payment not confirmed on chain", xerrors.ErrVerificationTimeout
	case xerrors.Is(err, xerrors.ErrVerificationInfra):
		return http.StatusBadGateway, "payment verification unavailable", xerrors.ErrVerificationInfra
	case xerrors.Is(err, xerrors.ErrFulfillment):
		return http.StatusBadGateway, "fulfillment failed, refund initiated", xerrors.ErrFulfillment
	case xerrors.Is(err, xerrors.ErrStateConflict):
		return http.StatusConflict, "order is not in the expected state", xerrors.ErrStateConflict
	case xerrors.Is(err, xerrors.ErrNotFound):
		return http.StatusNotFound, "not found", xerrors.ErrNotFound
	default:
		return http.StatusInternalServerError, "failed to process purchase", nil
	}
}
