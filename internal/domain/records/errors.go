package records

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/secure"
)

// HTTPError maps a pipeline boundary error to its response. Anything else is
// answered with a bare 500; the pipeline has already logged the cause.
func HTTPError(err error) error {
	var ve *secure.ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{
			"message": "validation failed",
			"field":   ve.Field,
			"reason":  ve.Reason,
		})
	case errors.Is(err, secure.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, secure.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Outcome returns the response error for a result that was not Found, or nil.
func Outcome(res secure.Result) error {
	if err := secure.ResultErr(res); err != nil {
		return HTTPError(err)
	}
	return nil
}
