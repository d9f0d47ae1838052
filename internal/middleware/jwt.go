package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/auth-core-api/internal/models"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
	"github.com/noah-isme/auth-core-api/pkg/response"
)

const (
	// ContextUserKey is the gin context key storing *models.AccessClaims.
	ContextUserKey = "currentUser"
	// ContextAccessTokenKey stores the raw bearer token of the request.
	ContextAccessTokenKey = "accessToken"
)

// Authenticator verifies access tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*models.AccessClaims, error)
}

// JWT protects routes by requiring a valid, non deny-listed access token.
func JWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(ContextAccessTokenKey, token)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
