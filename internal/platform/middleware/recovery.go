package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/pharmacy/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs it with the clinic and
// operator the request was acting for. The stack is only logged at debug level.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				rid, _ := c.Get("request_id").(string)
				clinic, _ := c.Get("tenant_id").(string)
				evt := logger.Error()
				if logger.GetLevel() <= zerolog.DebugLevel {
					evt = evt.Bytes("stack", debug.Stack())
				}
				evt.Str("request_id", rid).
					Str("clinic", clinic).
					Str("user_id", auth.UserIDFromContext(c.Request().Context())).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
