package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/auth"
)

const maxPanicStack = 4096

// Recovery turns a handler panic into the same 500 body the waitlist
// handlers return for internal failures. The log line names the route, the
// entry it targeted and the acting user so the panic can be replayed.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := make([]byte, maxPanicStack)
				stack = stack[:runtime.Stack(stack, false)]

				req := c.Request()
				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("route", c.Path()).
					Str("path", req.URL.Path)
				if id := c.Param("id"); id != "" {
					evt = evt.Str("entry_id", id)
				}
				if uid := auth.UserIDFromContext(req.Context()); uid != "" {
					evt = evt.Str("actor_id", uid)
				}
				evt.Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
			}()
			return next(c)
		}
	}
}
