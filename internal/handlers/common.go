// internal/handlers/common.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/accredit-backend/internal/i18n"
	"github.com/javajoker/accredit-backend/internal/utils"
)

// currentParty returns the authenticated party or writes a 401/400.
func currentParty(c *gin.Context) (uuid.UUID, bool) {
	partyIDStr, exists := utils.GetPartyIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return uuid.Nil, false
	}

	partyID, err := uuid.Parse(partyIDStr)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid party ID", nil)
		return uuid.Nil, false
	}
	return partyID, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		lang := utils.GetLangFromContext(c)
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, name), nil)
		return uuid.Nil, false
	}
	return id, true
}

// bindJSON decodes and validates the request body into req.
func bindJSON(c *gin.Context, req interface{}) bool {
	lang := utils.GetLangFromContext(c)
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return false
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return false
	}
	return true
}
