package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout sets a context deadline on each request. The handler runs on
// the request goroutine; handlers pass the request context to the remote
// client, so an exceeded deadline cancels outbound calls and the error they
// return becomes a 504. A timeout of zero disables the deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout:      timeout,
		ErrorHandler: timeoutError,
	})
}

// timeoutError turns errors caused by the request deadline into 504. The
// original error is kept as a plain message so the error handler does not
// classify the response by its kind.
func timeoutError(err error, c echo.Context) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(c.Request().Context().Err(), context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").
			SetInternal(fmt.Errorf("request deadline exceeded: %s", err))
	}
	return err
}
