// internal/handlers/admin.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/accredit-backend/internal/services"
	"github.com/javajoker/accredit-backend/internal/utils"
)

type AdminHandler struct {
	purchaseService *services.PurchaseService
	transferService *services.TransferService
	retryBatchSize  int
}

func NewAdminHandler(purchaseService *services.PurchaseService, transferService *services.TransferService, retryBatchSize int) *AdminHandler {
	if retryBatchSize <= 0 {
		retryBatchSize = 50
	}
	return &AdminHandler{
		purchaseService: purchaseService,
		transferService: transferService,
		retryBatchSize:  retryBatchSize,
	}
}

// POST /admin/transactions/:id/approve
func (h *AdminHandler) ApproveManualPayment(c *gin.Context) {
	reviewerID, ok := currentParty(c)
	if !ok {
		return
	}
	txnID, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := h.purchaseService.ApproveManualPayment(c.Request.Context(), txnID, reviewerID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /admin/transactions/:id/reject
func (h *AdminHandler) RejectManualPayment(c *gin.Context) {
	reviewerID, ok := currentParty(c)
	if !ok {
		return
	}
	txnID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req services.RejectRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.purchaseService.RejectManualPayment(c.Request.Context(), txnID, reviewerID, req.Reason)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /admin/transactions/:id/refund
func (h *AdminHandler) RefundTransaction(c *gin.Context) {
	actorID, ok := currentParty(c)
	if !ok {
		return
	}
	txnID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req services.RefundRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.purchaseService.RefundTransaction(c.Request.Context(), txnID, actorID, req)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /admin/transactions/:id/transfer
func (h *AdminHandler) HandleTransfer(c *gin.Context) {
	txnID, ok := pathID(c, "id")
	if !ok {
		return
	}

	transfer, err := h.transferService.HandleTransfer(c.Request.Context(), txnID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, transfer)
}

// POST /admin/transfers/:id/retry
func (h *AdminHandler) RetryTransfer(c *gin.Context) {
	transferID, ok := pathID(c, "id")
	if !ok {
		return
	}

	transfer, err := h.transferService.RetryFailedTransfer(c.Request.Context(), transferID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, transfer)
}

// POST /admin/transfers/retry?limit=N
func (h *AdminHandler) RetryFailedTransfers(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.retryBatchSize)))
	if err != nil || limit < 1 || limit > 500 {
		limit = h.retryBatchSize
	}

	summary, err := h.transferService.RetryFailedTransfers(c.Request.Context(), limit)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, summary)
}
