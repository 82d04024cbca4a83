package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ericfitz/syncboard/internal/slogging"
)

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserContextKey is the key for the user in the context
	UserContextKey ContextKey = "user"
	// ClaimsContextKey is the key for the JWT claims in the context
	ClaimsContextKey ContextKey = "claims"
)

// Middleware provides authentication middleware for gin routes
type Middleware struct {
	service *Service
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// AuthRequired returns a middleware that validates JWT tokens
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := slogging.Get()

		token, err := TokenFromRequest(c)
		if err != nil {
			logger.Warn("Authentication failed: %v client_ip=%v", err, c.ClientIP())
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		claims, err := m.service.ValidateToken(token)
		if err != nil {
			logger.Warn("Authentication failed: token validation error client_ip=%v error=%v", c.ClientIP(), err)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		// Set the claims and user in the request context; the plain
		// user_id key feeds request-scoped logging
		user := UserFromClaims(claims)
		c.Set(string(ClaimsContextKey), claims)
		c.Set(string(UserContextKey), user)
		c.Set("user_id", user.ID)
		logger.Debug("Token validated successfully user_id=%v", claims.Subject)

		c.Next()
	}
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for WebSocket upgrades where browsers cannot set headers, the token query
// parameter.
func TokenFromRequest(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("authorization header format must be Bearer {token}")
		}
		return parts[1], nil
	}

	if token := c.Query("token"); token != "" {
		return token, nil
	}

	return "", errors.New("authorization required")
}

// GetUserFromContext retrieves the authenticated user from the context
func GetUserFromContext(ctx context.Context) (User, error) {
	user, ok := ctx.Value(UserContextKey).(User)
	if !ok {
		return User{}, errors.New("user not found in context")
	}
	return user, nil
}

// GetClaimsFromContext retrieves the JWT claims from the context
func GetClaimsFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return nil, errors.New("claims not found in context")
	}
	return claims, nil
}

// UserFromGin retrieves the authenticated user set by AuthRequired
func UserFromGin(c *gin.Context) (User, error) {
	v, ok := c.Get(string(UserContextKey))
	if !ok {
		return User{}, errors.New("user not found in context")
	}
	user, ok := v.(User)
	if !ok {
		return User{}, errors.New("user context value has wrong type")
	}
	return user, nil
}
