package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, incoming string) (string, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	var seen string
	r.GET("/", func(c *gin.Context) {
		seen = Value(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if incoming != "" {
		req.Header.Set(headerKey, incoming)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return seen, w.Header().Get(headerKey)
}

func TestRequestIDKeepsClientValue(t *testing.T) {
	seen, header := serve(t, "abc-123")
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", header)
}

func TestRequestIDReplacesUnsafeValues(t *testing.T) {
	for _, incoming := range []string{"", "has space", strings.Repeat("a", 65)} {
		seen, header := serve(t, incoming)
		_, err := uuid.Parse(seen)
		require.NoError(t, err, incoming)
		assert.Equal(t, seen, header)
	}
}
