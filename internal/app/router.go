// internal/app/router.go
package app

import (
	"time"

	merchantHandler "chainbill-service/internal/handlers/merchant"
	purchaseHandler "chainbill-service/internal/handlers/purchase"
	splitHandler "chainbill-service/internal/handlers/split"
	"chainbill-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	PurchaseHandler *purchaseHandler.PurchaseHandler
	MerchantHandler *merchantHandler.MerchantHandler
	SplitHandler    *splitHandler.SplitHandler
	AuthMiddleware  *middleware.AuthMiddleware
	RateLimiter     *middleware.RateLimiter

	PurchaseLimitPerMinute int
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	// ==================== Health Check ====================
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	api := r.Group("/api/v1")

	// ==================== Purchases ====================
	purchases := api.Group("/purchases")
	purchases.Use(h.AuthMiddleware.Auth())
	{
		purchases.POST("", h.RateLimiter.Limit("purchase", h.PurchaseLimitPerMinute, time.Minute), h.PurchaseHandler.CreatePurchase)
		purchases.GET("", h.PurchaseHandler.ListOrders)
		purchases.GET("/stats", h.PurchaseHandler.GetStats)
		purchases.GET("/:id", h.PurchaseHandler.GetOrder)
		purchases.POST("/:id/verify", h.PurchaseHandler.RetryVerification)
	}

	// ==================== Merchant / QR Invoices ====================
	merchant := api.Group("/merchant")
	{
		// Invoice creation requires a merchant token; status polling is
		// public so point-of-sale displays can watch without credentials.
		merchant.POST("/invoices", h.AuthMiddleware.Auth(), h.MerchantHandler.CreateInvoice)
		merchant.GET("/invoices/:id", h.MerchantHandler.GetInvoice)
	}

	// ==================== Split Disbursements ====================
	splits := api.Group("/splits")
	splits.Use(h.AuthMiddleware.Auth())
	{
		splits.POST("/templates", h.SplitHandler.CreateTemplate)
		splits.GET("/templates/:id", h.SplitHandler.GetTemplate)
		splits.POST("/templates/:id/executions", h.SplitHandler.Execute)
		splits.GET("/executions/:id", h.SplitHandler.GetExecution)
	}
}
