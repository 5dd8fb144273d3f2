// internal/handlers/pricing.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/accredit-backend/internal/services"
	"github.com/javajoker/accredit-backend/internal/utils"
)

type PricingHandler struct {
	pricingService *services.PricingService
}

func NewPricingHandler(pricingService *services.PricingService) *PricingHandler {
	return &PricingHandler{
		pricingService: pricingService,
	}
}

// POST /pricing/quote
func (h *PricingHandler) Quote(c *gin.Context) {
	var req services.QuoteRequest
	if !bindJSON(c, &req) {
		return
	}

	quote, err := h.pricingService.Quote(c.Request.Context(), req)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, quote.View(req.Quantity))
}
