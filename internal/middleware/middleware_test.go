package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/admin"
	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/store/memory"
)

func TestRequireOperator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := admin.New(memory.New(), nil, "secret", time.Hour, zap.NewNop())
	require.NoError(t, svc.CreateAccount(context.Background(), "ops", "Ops", "tok", nil))
	token, _, err := svc.Login(context.Background(), "ops", "tok")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/x", RequireOperator(svc), func(c *gin.Context) {
		c.String(http.StatusOK, Operator(c))
	})

	for _, tt := range []struct {
		name   string
		header string
		code   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "ops", w.Body.String())
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	prod := OriginChecker(&config.Config{Environment: "production", FrontendURL: "https://arena.example.com"})
	assert.True(t, prod("https://arena.example.com"))
	assert.False(t, prod("http://localhost:5173"))
	assert.False(t, prod(""))

	dev := OriginChecker(&config.Config{Environment: "development"})
	assert.True(t, dev("http://localhost:3000"))
	assert.True(t, dev(""))
	assert.False(t, dev("https://evil.example.com"))
}
