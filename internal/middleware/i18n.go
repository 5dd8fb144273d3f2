// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func I18nMiddleware(defaultLang string) gin.HandlerFunc {
	if defaultLang == "" {
		defaultLang = "en"
	}
	return func(c *gin.Context) {
		c.Set("lang", parseLanguage(c.GetHeader("Accept-Language"), defaultLang))
		c.Next()
	}
}

// parseLanguage takes the first preference of a header such as
// "zh-TW,zh;q=0.9,en;q=0.8".
func parseLanguage(header, defaultLang string) string {
	if header == "" {
		return defaultLang
	}
	first := strings.TrimSpace(strings.Split(strings.Split(header, ",")[0], ";")[0])
	switch first {
	case "zh-TW", "zh-Hant", "zh_TW", "zh":
		return "zh_TW"
	case "en", "en-US", "en-GB":
		return "en"
	default:
		return defaultLang
	}
}
