package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/RepScopeLabs/creditengine/pkg/credits"
)

const (
	contextKeyAccountID = "account_id"
	bearerPrefix        = "Bearer "
)

// AuthMiddleware validates HS256 bearer tokens and stashes the subject as
// the caller's account identifier.
func AuthMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token has no subject"))
			return
		}
		ctx.Set(contextKeyAccountID, claims.Subject)
		ctx.Next()
	}
}

func accountIDFrom(ctx *gin.Context) (credits.AccountID, bool) {
	raw := ctx.GetString(contextKeyAccountID)
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		return credits.AccountID{}, false
	}
	return accountID, true
}
