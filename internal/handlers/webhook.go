// internal/handlers/webhook.go
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/services"
	"github.com/javajoker/accredit-backend/internal/utils"
)

// maxWebhookBody is well above the largest event the gateway sends. A
// larger body is refused rather than cut, since a truncated payload can
// never verify.
const maxWebhookBody = 512 << 10

type WebhookHandler struct {
	webhookService *services.WebhookService
	logger         logrus.FieldLogger
}

func NewWebhookHandler(webhookService *services.WebhookService, logger logrus.FieldLogger) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
		logger:         logger,
	}
}

// POST /webhooks/stripe
//
// The gateway retries anything that is not a 2xx, so only a bad signature,
// an event already in flight, or a processing failure return an error.
func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.logger.WithField("limit", tooLarge.Limit).Warn("Rejected oversized webhook payload")
		utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body is too large", nil)
		return
	}
	if err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "READ_FAILED", "failed to read request body", nil)
		return
	}

	result, err := h.webhookService.HandleRequest(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"result":   result,
	})
}
