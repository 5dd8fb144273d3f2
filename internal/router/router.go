// internal/router/router.go
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/handlers"
	"github.com/javajoker/accredit-backend/internal/middleware"
	"github.com/javajoker/accredit-backend/internal/services"
	"github.com/javajoker/accredit-backend/internal/utils"
)

type Deps struct {
	DB        *gorm.DB
	Config    *config.Config
	Logger    logrus.FieldLogger
	Pricing   *services.PricingService
	Purchases *services.PurchaseService
	Transfers *services.TransferService
	Webhooks  *services.WebhookService
}

// Initialize builds the HTTP engine. Rate limiter housekeeping stops when ctx
// is done. DB may be nil in tests, which disables auditing.
func Initialize(ctx context.Context, deps Deps) *gin.Engine {
	cfg := deps.Config

	pricingHandler := handlers.NewPricingHandler(deps.Pricing)
	purchaseHandler := handlers.NewPurchaseHandler(deps.Purchases)
	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Purchases, deps.Transfers, cfg.Settlement.RetryBatchSize)

	utils.SetJWTSecret(cfg.JWT.SecretKey)

	generalLimiter := middleware.NewRateLimiter(rate.Every(100*time.Millisecond), 20)
	purchaseLimiter := middleware.NewRateLimiter(rate.Every(time.Second), 5)
	uploadLimiter := middleware.NewRateLimiter(rate.Every(6*time.Second), 10)
	for _, rl := range []*middleware.RateLimiter{generalLimiter, purchaseLimiter, uploadLimiter} {
		go rl.Run(ctx)
	}

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.CORS([]string{cfg.Frontend.BaseURL}))
	r.Use(middleware.I18nMiddleware(cfg.I18n.DefaultLocale))
	if deps.DB != nil {
		r.Use(middleware.AuditLogMiddleware(deps.DB, deps.Logger))
	}

	r.GET("/health", healthCheck(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		// Gateway callbacks are authenticated by signature, not by token, and
		// are not rate limited.
		v1.POST("/webhooks/stripe", webhookHandler.HandleStripe)

		api := v1.Group("")
		api.Use(middleware.AuthRequired(), generalLimiter.Middleware())

		api.POST("/pricing/quote", pricingHandler.Quote)

		purchases := api.Group("/purchases")
		{
			purchases.POST("/initiate", purchaseLimiter.Middleware(), purchaseHandler.InitiatePurchase)
			purchases.POST("", purchaseLimiter.Middleware(), purchaseHandler.Purchase)
			purchases.POST("/manual", uploadLimiter.Middleware(), purchaseHandler.PurchaseManual)
			purchases.GET("/history", purchaseHandler.GetHistory)
		}

		admin := api.Group("/admin")
		admin.Use(middleware.AdminRequired())
		{
			admin.POST("/transactions/:id/approve", adminHandler.ApproveManualPayment)
			admin.POST("/transactions/:id/reject", adminHandler.RejectManualPayment)
			admin.POST("/transactions/:id/refund", adminHandler.RefundTransaction)
			admin.POST("/transactions/:id/transfer", adminHandler.HandleTransfer)
			admin.POST("/transfers/retry", adminHandler.RetryFailedTransfers)
			admin.POST("/transfers/:id/retry", adminHandler.RetryTransfer)
		}
	}

	return r
}

func healthCheck(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{"status": "healthy", "version": "1.0.0"}
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				status["status"] = "degraded"
				status["database"] = err.Error()
				c.JSON(http.StatusServiceUnavailable, status)
				return
			}
		}
		c.JSON(http.StatusOK, status)
	}
}
