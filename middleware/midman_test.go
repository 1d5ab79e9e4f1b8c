package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerInstallKeepsOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var order []string
	m := NewManager()
	m.Add(func(c *gin.Context) { order = append(order, "a"); c.Next() })
	m.Add(func(c *gin.Context) { order = append(order, "b"); c.Next() })

	r := gin.New()
	m.Install(r)
	r.GET("/x", func(c *gin.Context) {
		order = append(order, "h")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"a", "b", "h"}, order)
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	NewManager().Defaults().Install(r)
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"message":"ServerInternalError"}`, w.Body.String())
}

func TestManagerClear(t *testing.T) {
	m := NewManager()
	m.Add(func(c *gin.Context) {})
	m.Clear()
	assert.Empty(t, m.Handlers())
}
