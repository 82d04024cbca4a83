package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	t.Run("empty secret rejected", func(t *testing.T) {
		_, err := NewService("", time.Hour)
		require.Error(t, err)
	})

	t.Run("non-positive expiry rejected", func(t *testing.T) {
		_, err := NewService("secret", 0)
		require.Error(t, err)
	})

	t.Run("valid config", func(t *testing.T) {
		svc, err := NewService("secret", time.Hour)
		require.NoError(t, err)
		require.NotNil(t, svc)
	})
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc, err := NewService("test-secret", time.Hour)
	require.NoError(t, err)

	userID := uuid.New().String()
	token, err := svc.GenerateToken(userID, "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.Subject)
	assert.Equal(t, "Alice", claims.DisplayName)
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestValidateToken_Failures(t *testing.T) {
	svc, err := NewService("test-secret", time.Hour)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewService("other-secret", time.Hour)
		require.NoError(t, err)
		token, err := other.GenerateToken("user-1", "")
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		now := time.Now()
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
				ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("wrong signing method", func(t *testing.T) {
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.ValidateToken("not.a.token")
		require.Error(t, err)
	})
}

func TestGenerateToken_EmptyUser(t *testing.T) {
	svc, err := NewService("test-secret", time.Hour)
	require.NoError(t, err)

	_, err = svc.GenerateToken("", "Alice")
	require.Error(t, err)
}

func TestUserFromClaims(t *testing.T) {
	t.Run("display name preserved", func(t *testing.T) {
		user := UserFromClaims(&Claims{
			DisplayName:      "Alice",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		})
		assert.Equal(t, "user-1", user.ID)
		assert.Equal(t, "Alice", user.DisplayName)
	})

	t.Run("falls back to subject", func(t *testing.T) {
		user := UserFromClaims(&Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		})
		assert.Equal(t, "user-1", user.DisplayName)
	})
}

func TestTokenFromRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newCtx := func(header, query string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		url := "/ws/diagrams/d1"
		if query != "" {
			url += "?token=" + query
		}
		c.Request = httptest.NewRequest(http.MethodGet, url, nil)
		if header != "" {
			c.Request.Header.Set("Authorization", header)
		}
		return c
	}

	t.Run("bearer header", func(t *testing.T) {
		token, err := TokenFromRequest(newCtx("Bearer abc123", ""))
		require.NoError(t, err)
		assert.Equal(t, "abc123", token)
	})

	t.Run("query parameter", func(t *testing.T) {
		token, err := TokenFromRequest(newCtx("", "qtoken"))
		require.NoError(t, err)
		assert.Equal(t, "qtoken", token)
	})

	t.Run("header wins over query", func(t *testing.T) {
		token, err := TokenFromRequest(newCtx("Bearer fromheader", "fromquery"))
		require.NoError(t, err)
		assert.Equal(t, "fromheader", token)
	})

	t.Run("malformed header", func(t *testing.T) {
		_, err := TokenFromRequest(newCtx("Basic abc123", ""))
		require.Error(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := TokenFromRequest(newCtx("", ""))
		require.Error(t, err)
	})
}

func TestMiddleware_AuthRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc, err := NewService("test-secret", time.Hour)
	require.NoError(t, err)

	router := gin.New()
	router.Use(NewMiddleware(svc).AuthRequired())
	router.GET("/protected", func(c *gin.Context) {
		user, err := UserFromGin(c)
		require.NoError(t, err)
		c.JSON(http.StatusOK, gin.H{"user_id": user.ID})
	})

	t.Run("valid token passes", func(t *testing.T) {
		token, err := svc.GenerateToken("user-1", "Alice")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "user-1")
	})

	t.Run("missing token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
