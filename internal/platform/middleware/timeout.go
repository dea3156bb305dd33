package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout gives each request a context deadline. Repositories and the
// retry loop observe the cancelled context; an error caused by the deadline
// becomes a 504. A caller deadline that is already earlier is left alone.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			parent := c.Request().Context()
			if dl, ok := parent.Deadline(); ok && time.Until(dl) <= timeout {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return echo.NewHTTPError(http.StatusGatewayTimeout,
					"request exceeded the allowed time limit").SetInternal(err)
			}
			return err
		}
	}
}
