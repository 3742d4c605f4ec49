package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// HTTPErrorHandler returns an echo.HTTPErrorHandler that renders *Error and
// *echo.HTTPError values as {"error": ..., "request_id": ...}. 5xx causes are
// logged; configuration failures are tagged so operators can tell them apart
// from upstream outages.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		rid, _ := c.Get("request_id").(string)
		status := http.StatusInternalServerError
		msg := "internal server error"

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status = ae.Status()
			msg = ae.PublicMessage()
			if status >= http.StatusInternalServerError {
				logger.Error().
					Err(err).
					Str("kind", string(ae.Kind)).
					Str("request_id", rid).
					Str("path", c.Request().URL.Path).
					Msg("request failed")
			}
		case errors.As(err, &he):
			status = he.Code
			msg = fmt.Sprintf("%v", he.Message)
			if he.Internal != nil {
				logger.Error().Err(he.Internal).Str("request_id", rid).Msg("request failed")
			}
		default:
			logger.Error().
				Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		body := map[string]string{"error": msg}
		if rid != "" {
			body["request_id"] = rid
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}
