// internal/handlers/purchase.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/javajoker/accredit-backend/internal/i18n"
	"github.com/javajoker/accredit-backend/internal/services"
	"github.com/javajoker/accredit-backend/internal/utils"
)

type PurchaseHandler struct {
	purchaseService *services.PurchaseService
}

func NewPurchaseHandler(purchaseService *services.PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{
		purchaseService: purchaseService,
	}
}

// POST /purchases/initiate
func (h *PurchaseHandler) InitiatePurchase(c *gin.Context) {
	payerID, ok := currentParty(c)
	if !ok {
		return
	}

	var req services.InitiateRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.purchaseService.InitiatePurchase(c.Request.Context(), payerID, req)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.CreatedResponse(c, result)
}

// POST /purchases
func (h *PurchaseHandler) Purchase(c *gin.Context) {
	payerID, ok := currentParty(c)
	if !ok {
		return
	}

	var req services.PurchaseRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.purchaseService.Purchase(c.Request.Context(), payerID, req)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /purchases/manual (multipart: course_id, issuer_id, quantity,
// discount_code, claimed_amount, proof)
func (h *PurchaseHandler) PurchaseManual(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	payerID, ok := currentParty(c)
	if !ok {
		return
	}

	req, field := manualRequestFromForm(c)
	if field != "" {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, field), nil)
		return
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	var proof *services.Proof
	if header, err := c.FormFile("proof"); err == nil {
		file, err := header.Open()
		if err != nil {
			utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyFileRequired), err.Error())
			return
		}
		defer file.Close()

		proof = &services.Proof{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Reader:      file,
		}
	}

	result, err := h.purchaseService.PurchaseManual(c.Request.Context(), payerID, req, proof)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.AcceptedResponse(c, result)
}

// manualRequestFromForm returns the name of the first malformed field.
func manualRequestFromForm(c *gin.Context) (services.ManualPurchaseRequest, string) {
	var req services.ManualPurchaseRequest
	var err error

	if req.CourseID, err = uuid.Parse(c.PostForm("course_id")); err != nil {
		return req, "course_id"
	}
	if req.IssuerID, err = uuid.Parse(c.PostForm("issuer_id")); err != nil {
		return req, "issuer_id"
	}
	if req.Quantity, err = strconv.Atoi(c.PostForm("quantity")); err != nil {
		return req, "quantity"
	}
	if req.ClaimedAmount, err = decimal.NewFromString(c.PostForm("claimed_amount")); err != nil {
		return req, "claimed_amount"
	}
	req.DiscountCode = c.PostForm("discount_code")
	return req, ""
}

// GET /purchases/history
func (h *PurchaseHandler) GetHistory(c *gin.Context) {
	partyID, ok := currentParty(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)

	transactions, total, err := h.purchaseService.GetHistory(c.Request.Context(), partyID, params)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	result := utils.CreatePaginationResult(transactions, total, params)
	utils.PaginatedResponse(c, result)
}
