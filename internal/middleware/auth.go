package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/swiftcab/swiftcab-backend/pkg/utils"
)

// identity is the authenticated principal carried through the request context
type identity struct {
	UserID   uint
	UserType string
}

// bearerToken pulls the JWT from the Authorization header, falling back to
// the token query parameter used by WebSocket upgrades (browsers cannot set
// headers on an upgrade request).
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}

// identityFromClaims validates the claim shapes instead of asserting them,
// so a token with unexpected claims fails auth rather than panicking.
func identityFromClaims(claims jwt.MapClaims) (identity, bool) {
	id, ok := claims["id"].(float64)
	if !ok || id <= 0 {
		return identity{}, false
	}
	userType, ok := claims["userType"].(string)
	if !ok || userType == "" {
		return identity{}, false
	}
	return identity{UserID: uint(id), UserType: userType}, true
}

func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.JSON(401, gin.H{"error": "Authorization header or token query parameter required"})
			c.Abort()
			return
		}

		token, err := utils.ValidateToken(tokenString)
		if err != nil || !token.Valid {
			c.JSON(401, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(401, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}
		who, ok := identityFromClaims(claims)
		if !ok {
			c.JSON(401, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		c.Set("userId", who.UserID)
		c.Set("userType", who.UserType)
		c.Next()
	}
}
