package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rewear/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by the auth middleware.
const (
	UserIDKey = "userId"
	RoleKey   = "role"
)

type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and verifies HS256 bearer tokens.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

func NewAuth(secret string, ttl time.Duration) *Auth {
	return &Auth{secret: []byte(secret), ttl: ttl}
}

func (a *Auth) IssueToken(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// bearer pulls the token from the Authorization header, falling back to the
// token query parameter used by websocket clients.
func bearer(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("token")
		return token, token != ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// Required rejects requests without a valid token.
func (a *Auth) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip middleware for OPTIONS requests (CORS preflight)
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		tokenString, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Authentication required",
				"message": "Format should be: Bearer <token>",
			})
			return
		}

		claims, err := a.ParseToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid token",
				"message": "Token validation failed",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// Optional identifies the caller when a valid token is present and lets
// anonymous requests through otherwise.
func (a *Auth) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearer(c); ok {
			if claims, err := a.ParseToken(tokenString); err == nil {
				c.Set(UserIDKey, claims.UserID)
				c.Set(RoleKey, claims.Role)
			}
		}
		c.Next()
	}
}

// AdminOnly must run after Required.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(RoleKey) != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}
