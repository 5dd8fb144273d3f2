package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/accredit-backend/internal/i18n"
	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("middleware-test-secret")
	if err := i18n.Initialize("en"); err != nil {
		panic(err)
	}
}

func protected(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(I18nMiddleware("en"))
	chain := append([]gin.HandlerFunc{AuthRequired()}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		partyID, _ := utils.GetPartyIDFromContext(c)
		c.String(http.StatusOK, partyID)
	})
	r.GET("/v1/resource", chain...)
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	r := protected()
	partyID := uuid.New()
	token, err := utils.GenerateJWT(partyID, string(models.PartyTypeTrainingCenter), 1)
	require.NoError(t, err)

	w := get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req.Header.Set("Authorization", "Token "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, token+"x")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, partyID.String(), w.Body.String())
}

func TestAdminRequired(t *testing.T) {
	r := protected(AdminRequired())

	tests := []struct {
		partyType models.PartyType
		want      int
	}{
		{models.PartyTypePlatform, http.StatusOK},
		{models.PartyTypeAdmin, http.StatusOK},
		{models.PartyTypeTrainingCenter, http.StatusForbidden},
		{models.PartyTypeAccreditationBody, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(string(tt.partyType), func(t *testing.T) {
			token, err := utils.GenerateJWT(uuid.New(), string(tt.partyType), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, get(r, token).Code)
		})
	}
}

func TestRateLimiterKeysByParty(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2)
	r := protected(rl.Middleware())

	first, _ := utils.GenerateJWT(uuid.New(), string(models.PartyTypeTrainingCenter), 1)
	second, _ := utils.GenerateJWT(uuid.New(), string(models.PartyTypeTrainingCenter), 1)

	assert.Equal(t, http.StatusOK, get(r, first).Code)
	assert.Equal(t, http.StatusOK, get(r, first).Code)

	w := get(r, first)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	// Another party on the same address has its own budget.
	assert.Equal(t, http.StatusOK, get(r, second).Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 1)
	rl.getVisitor("stale")
	rl.getVisitor("fresh")
	rl.visitors["stale"].lastSeen = time.Now().Add(-time.Hour)

	rl.cleanup(3 * time.Minute)
	assert.NotContains(t, rl.visitors, "stale")
	assert.Contains(t, rl.visitors, "fresh")
}

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", "en"},
		{"zh-TW,zh;q=0.9,en;q=0.8", "zh_TW"},
		{"zh", "zh_TW"},
		{"en-GB;q=0.8", "en"},
		{"fr-FR", "en"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLanguage(tt.header, "en"), tt.header)
	}
}

func TestExtractResource(t *testing.T) {
	id := uuid.NewString()

	assert.Equal(t, "purchases", extractResourceType("/v1/purchases/manual"))
	assert.Equal(t, "transactions", extractResourceType("/v1/admin/transactions/"+id+"/approve"))
	assert.Equal(t, "health", extractResourceType("/health"))
	assert.Equal(t, "unknown", extractResourceType("/"))

	assert.Equal(t, id, extractResourceID("/v1/admin/transfers/"+id+"/retry"))
	assert.Empty(t, extractResourceID("/v1/purchases/initiate"))
}

func TestAuditLogMiddleware(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	r := gin.New()
	r.Use(AuditLogMiddleware(db, log))
	r.POST("/v1/admin/transactions/:id/refund", func(c *gin.Context) {
		var body map[string]interface{}
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, body)
	})
	r.POST("/v1/webhooks/stripe", func(c *gin.Context) { c.Status(http.StatusOK) })

	mock.ExpectQuery(`INSERT INTO "audit_logs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/transactions/"+id+"/refund", bytes.NewBufferString(`{"reason":"duplicate"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// The handler still sees the full body.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reason":"duplicate"}`, w.Body.String())

	// Webhooks never reach the audit table.
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestRequestLoggerLevels(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := gin.New()
	r.Use(RequestLogger(log))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	levels := map[string]logrus.Level{
		"/ok":   logrus.InfoLevel,
		"/bad":  logrus.WarnLevel,
		"/boom": logrus.ErrorLevel,
	}
	for path, level := range levels {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, level, hook.LastEntry().Level, path)
		assert.Equal(t, path, hook.LastEntry().Data["path"])
	}
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:3000"}))
	r.POST("/v1/purchases", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/v1/purchases", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
