package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyUserID = "auth_user_id"

// bearerAuth validates the Authorization header and stashes the token
// subject as the authenticated user id.
func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		}); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token missing subject"))
			return
		}
		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Next()
	}
}

func authenticatedUserID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}
