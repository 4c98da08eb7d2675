package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ptt/server/internal/identity"
)

const principalContextKey = "principal"

// identityMiddleware resolves the bearer token ahead of any Coordinator
// call and attaches the resulting identity.Principal to the request
// context. The core never validates credentials itself (spec §6.1,
// SPEC_FULL §4.H) — everything downstream only ever reads principalFrom.
func identityMiddleware(resolver identity.Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				return errorResponse(c, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			}
			principal, err := resolver.Resolve(token)
			if err != nil {
				return errorResponse(c, http.StatusUnauthorized, "invalid or expired token", "unauthorized")
			}
			c.Set(principalContextKey, principal)
			return next(c)
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func principalFrom(c echo.Context) identity.Principal {
	p, _ := c.Get(principalContextKey).(identity.Principal)
	return p
}
