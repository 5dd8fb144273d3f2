// internal/middleware/auth.go
package middleware

import (
	"net/http"
	"strings"

	"github.com/javajoker/accredit-backend/internal/i18n"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/utils"

	"github.com/gin-gonic/gin"
)

func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := utils.GetLangFromContext(c)

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", i18n.T(lang, i18n.KeyAuthRequired), nil)
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", i18n.T(lang, i18n.KeyAuthInvalidToken), nil)
			c.Abort()
			return
		}

		claims, err := utils.ValidateJWT(parts[1])
		if err != nil {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", i18n.T(lang, i18n.KeyAuthTokenExpired), nil)
			c.Abort()
			return
		}

		c.Set("party_id", claims.PartyID)
		c.Set("party_type", claims.PartyType)
		c.Next()
	}
}

// AdminRequired lets platform operators through. It must run after
// AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		partyType, _ := utils.GetPartyTypeFromContext(c)
		switch models.PartyType(partyType) {
		case models.PartyTypeAdmin, models.PartyTypePlatform:
			c.Next()
		default:
			utils.ForbiddenResponse(c, "")
			c.Abort()
		}
	}
}
