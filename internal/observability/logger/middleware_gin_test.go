package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareLogsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "validation_error", "invalid_amount" },
		QuietRoutes:     []string{"/health"},
	}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/payments/:id/record", func(c *gin.Context) {
		_ = c.Error(errors.New("invalid_amount"))
		c.Status(http.StatusBadRequest)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/payments/55/record", nil)
	req.Header.Set("X-Request-Id", "req-1")
	r.ServeHTTP(rec, req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, zapcore.WarnLevel, first.Level)
	fields := first.ContextMap()
	assert.Equal(t, "55", fields["payment_id"])
	assert.Equal(t, "invalid_amount", fields["error_code"])
	assert.Equal(t, "req-1", fields["request_id"])

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}
