package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/pkg/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthEngine(t *testing.T) (*gin.Engine, auth.JWTService) {
	t.Helper()
	jwtSvc := auth.NewJWTService("test-secret", "videocast", time.Hour)
	table := RouteTable{
		{Method: http.MethodGet, Path: "/api/v1/batches/:id"}:  auth.CapBatchRead,
		{Method: http.MethodPost, Path: "/api/v1/batches/:id"}: auth.CapBatchWrite,
	}
	r := gin.New()
	r.Use(NewAuthMiddleware(jwtSvc, table).Authorize())
	ok := func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextSubject)) }
	r.GET("/api/v1/batches/:id", ok)
	r.POST("/api/v1/batches/:id", ok)
	r.GET("/health", ok)
	return r, jwtSvc
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthorize(t *testing.T) {
	r, jwtSvc := newAuthEngine(t)
	reader, err := jwtSvc.GenerateAccessToken("alice", []string{auth.CapBatchRead})
	require.NoError(t, err)
	admin, err := jwtSvc.GenerateAccessToken("root", []string{"*"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/batches/1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/batches/1", "garbage").Code)

	w := do(r, http.MethodGet, "/api/v1/batches/1", reader)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = do(r, http.MethodPost, "/api/v1/batches/1", reader)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "batch:write")

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/batches/1", admin).Code)
}

func TestErrorHandler_DoesNotOverwriteResponse(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/written", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.JSON(http.StatusTeapot, gin.H{"status": "error"})
	})
	r.GET("/silent", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := do(r, http.MethodGet, "/written", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, 1, strings.Count(w.Body.String(), "status"))

	w = do(r, http.MethodGet, "/silent", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRateLimit_PerClient(t *testing.T) {
	r := gin.New()
	r.Use(NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 2}).RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/", "").Code)
}

func TestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(SizeLimit(8))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestID)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "bad id\n")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Len(t, w.Body.String(), 36)
}
