package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type operatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AuthMiddleware validates an HS256 bearer token and stores the operator
// (the token subject) and role in the context. Only the "operator" and
// "admin" roles may trigger runs.
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		claims := &operatorClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}

		role := strings.TrimSpace(strings.ToLower(claims.Role))
		if role == "" {
			role = "operator"
		}
		if role != "operator" && role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role may not trigger syncs"})
			return
		}
		c.Set("operator", claims.Subject)
		c.Set("role", role)
		c.Next()
	}
}
