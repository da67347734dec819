package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPStatus maps an error kind to the status returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case Allocation, Provisioning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts err into an echo error. Internal errors are not echoed to
// the client; the wrapped error is kept as Internal for the request logger.
func ToHTTP(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}

	status := HTTPStatus(ae.Kind)
	if ae.Kind == Internal {
		return echo.NewHTTPError(status, "internal error").SetInternal(err)
	}

	body := map[string]string{"error": ae.Kind.String(), "message": ae.Message}
	if ae.Ref != "" {
		body["ref"] = ae.Ref
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}
