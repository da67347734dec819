package tenancy

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/platform/apperr"
)

const echoKey = "tenant"

// ClaimKey is where the auth middleware leaves the token's tenant slug.
const ClaimKey = "jwt_tenant_slug"

// Middleware resolves the tenant once per request and stores the Context on
// the echo context for handlers to pick up with FromEcho.
func Middleware(resolver *Resolver, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := extractSlug(c)
			if err != nil {
				return err
			}

			tc, err := resolver.Resolve(c.Request().Context(), raw)
			if err != nil {
				if !apperr.IsKind(err, apperr.Validation) {
					logger.Error().Err(err).Str("tenant", raw).Msg("tenant resolution failed")
				}
				return apperr.ToHTTP(err)
			}

			Store(c, tc)
			return next(c)
		}
	}
}

// extractSlug prefers the header and falls back to the token claim. When
// both are present they must agree.
func extractSlug(c echo.Context) (string, error) {
	header := strings.TrimSpace(c.Request().Header.Get(HeaderName))
	claim, _ := c.Get(ClaimKey).(string)

	switch {
	case header == "" && claim == "":
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing "+HeaderName+" header")
	case header == "":
		return claim, nil
	case claim != "" && !strings.EqualFold(header, claim):
		return "", echo.NewHTTPError(http.StatusForbidden, "token is not valid for this tenant")
	}
	return header, nil
}

// Store attaches tc to the echo context.
func Store(c echo.Context, tc Context) {
	c.Set(echoKey, tc)
}

// FromEcho returns the tenant resolved by Middleware.
func FromEcho(c echo.Context) (Context, bool) {
	tc, ok := c.Get(echoKey).(Context)
	return tc, ok
}

// MustFromEcho is FromEcho for handlers mounted behind Middleware.
func MustFromEcho(c echo.Context) (Context, error) {
	tc, ok := FromEcho(c)
	if !ok {
		return Context{}, echo.NewHTTPError(http.StatusBadRequest, "tenant not resolved")
	}
	return tc, nil
}
