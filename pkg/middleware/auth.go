package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	// BearerToken is a static shared secret accepted as-is.
	BearerToken string
	// JWTSecret, when set, additionally accepts HS256-signed JWTs.
	JWTSecret string
}

// Enabled reports whether any credential is configured. With none set the
// middleware lets every request through, which is only sensible behind a
// trusted proxy.
func (c AuthConfig) Enabled() bool {
	return c.BearerToken != "" || c.JWTSecret != ""
}

// BearerAuthMiddleware authenticates requests with an Authorization bearer
// header, accepting either the configured static token or a JWT signed with
// the configured HS256 secret.
func BearerAuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled() {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		if cfg.BearerToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.BearerToken)) == 1 {
			c.Next()
			return
		}

		if cfg.JWTSecret != "" {
			parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
				return []byte(cfg.JWTSecret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err == nil && parsed.Valid {
				if sub, err := parsed.Claims.GetSubject(); err == nil && sub != "" {
					c.Set("auth.subject", sub)
				}
				c.Next()
				return
			}
		}

		unauthorized(c, "invalid bearer token")
	}
}

func unauthorized(c *gin.Context, detail string) {
	c.Header("WWW-Authenticate", `Bearer realm="scim"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:Error"},
		"status":  "401",
		"detail":  detail,
	})
}
