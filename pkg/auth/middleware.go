package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// IdentityContextKey stores the authenticated *Identity on the echo context.
const IdentityContextKey = "federation.identity"

// Middleware returns an echo middleware that gates a route behind signature
// verification. On success the authenticated identity is stored on the
// context for handlers; on rejection the request ends with 401.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
			}
			// Handlers downstream re-read the body.
			req.Body = io.NopCloser(bytes.NewReader(body))

			// net/http promotes the Host header onto Request.Host; restore it
			// so signed-header reconstruction sees what the sender signed.
			header := req.Header.Clone()
			if header.Get("Host") == "" {
				header.Set("Host", req.Host)
			}

			identity, err := v.Verify(req.Context(), &VerifyRequest{
				Method: req.Method,
				Path:   req.URL.Path,
				Header: header,
				Body:   body,
			})
			if err != nil {
				if errors.Is(err, ErrInsecureConfiguration) {
					v.logger.Error("refusing request under insecure configuration", zap.Error(err))
					return echo.NewHTTPError(http.StatusInternalServerError, "server misconfiguration")
				}
				v.logger.Info("rejected inbound request",
					zap.String("path", req.URL.Path),
					zap.Error(err))
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.Set(IdentityContextKey, identity)
			return next(c)
		}
	}
}

// IdentityFromContext returns the verified identity set by Middleware, or nil
// when the route was not gated.
func IdentityFromContext(c echo.Context) *Identity {
	identity, _ := c.Get(IdentityContextKey).(*Identity)
	return identity
}
