// internal/middleware/logging.go
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/accredit-backend/internal/metrics"
	"github.com/javajoker/accredit-backend/internal/models"
)

// maxAuditBody caps how much of a request body is copied into an audit row.
const maxAuditBody = 64 * 1024

// AuditLogMiddleware records state-changing API calls. Webhook deliveries are
// recorded by the webhook processor itself and are skipped here.
func AuditLogMiddleware(db *gorm.DB, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Method == "OPTIONS" || skipAudit(c.Request.URL.Path) {
			c.Next()
			return
		}

		var requestBody []byte
		if c.Request.Body != nil && strings.HasPrefix(c.ContentType(), "application/json") {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxAuditBody))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(requestBody), c.Request.Body))
		}

		c.Next()

		var partyUUID *uuid.UUID
		if partyID, ok := c.Get("party_id"); ok {
			if s, ok := partyID.(string); ok {
				if parsed, err := uuid.Parse(s); err == nil {
					partyUUID = &parsed
				}
			}
		}

		var requestData map[string]interface{}
		if len(requestBody) > 0 {
			json.Unmarshal(requestBody, &requestData)
		}

		auditLog := &models.AuditLog{
			PartyID:      partyUUID,
			Action:       c.Request.Method + " " + c.FullPath(),
			ResourceType: extractResourceType(c.Request.URL.Path),
			NewValues:    models.JSONB(requestData),
			StatusCode:   c.Writer.Status(),
			IPAddress:    c.ClientIP(),
			UserAgent:    c.Request.UserAgent(),
		}

		if resourceID := extractResourceID(c.Request.URL.Path); resourceID != "" {
			if parsed, err := uuid.Parse(resourceID); err == nil {
				auditLog.ResourceID = &parsed
			}
		}

		// Save audit log asynchronously
		go func() {
			if err := db.Create(auditLog).Error; err != nil {
				logger.WithError(err).Error("Failed to create audit log")
			}
		}()
	}
}

func skipAudit(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/v1/webhooks")
}

func extractResourceType(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" {
		if parts[1] == "admin" && len(parts) >= 3 {
			return parts[2]
		}
		return parts[1]
	}
	if len(parts) >= 1 && parts[0] != "" {
		return parts[0]
	}
	return "unknown"
}

func extractResourceID(path string) string {
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if _, err := uuid.Parse(part); err == nil {
			return part
		}
	}
	return ""
}

// RequestLogger logs each request and records its latency.
func RequestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(duration.Seconds())

		partyID, _ := c.Get("party_id")
		entry := logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"ip":          c.ClientIP(),
			"party_id":    partyID,
		})
		switch {
		case status >= 500:
			entry.Error("Request processed")
		case status >= 400:
			entry.Warn("Request processed")
		default:
			entry.Info("Request processed")
		}
	}
}
