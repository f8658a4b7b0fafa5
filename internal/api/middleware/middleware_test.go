package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"critic/internal/api/middleware"
	"critic/internal/logger"
)

func newRouter(adminToken string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.LoggerMiddleware(), middleware.RecoveryMiddleware(), middleware.AuthMiddleware(adminToken))
	router.GET("/admin", middleware.RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"role": "admin"})
	})
	router.GET("/open", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"request_id": c.GetString(middleware.RequestIDKey),
			"session_id": logger.GetSessionID(c.Request.Context()),
		})
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("something went wrong")
	})
	return router
}

func get(router *gin.Engine, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_AdminToken(t *testing.T) {
	router := newRouter("test-admin-token")

	w := get(router, "/admin", "Bearer test-admin-token")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	router := newRouter("test-admin-token")

	tests := []struct {
		name          string
		path          string
		authorization string
	}{
		{"missing token on admin route", "/admin", ""},
		{"wrong token", "/admin", "Bearer nope"},
		{"wrong scheme", "/admin", "Basic test-admin-token"},
		{"malformed header", "/open", "Bearer"},
		{"wrong token on open route", "/open", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, tt.path, tt.authorization)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"UNAUTHORIZED"`)
		})
	}
}

func TestAuthMiddleware_EmptyAdminTokenMatchesNothing(t *testing.T) {
	router := newRouter("")

	assert.Equal(t, http.StatusUnauthorized, get(router, "/admin", "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/admin", "").Code)
	assert.Equal(t, http.StatusOK, get(router, "/open", "").Code)
}

func TestLoggerMiddleware_SetsRequestID(t *testing.T) {
	router := newRouter("")

	w := get(router, "/open", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Regexp(t, `"request_id":"[0-9a-f-]{36}"`, w.Body.String())
	assert.NotContains(t, w.Body.String(), `"session_id":"unknown"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	router := newRouter("")

	w := get(router, "/panic", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"INTERNAL_ERROR"`)
}
