package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/config"
)

// hopByHopHeaders are connection-scoped and never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that hardens every exchange.
// Hop-by-hop headers and the named credential headers are removed from the
// inbound request, since the outbound pipeline injects its own credential.
// The credential headers are also removed from the response just before it
// is written, so an upstream that echoes them cannot leak them to callers.
func SecurityHeaders(credentialHeaders ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			in := c.Request().Header
			for _, h := range hopByHopHeaders {
				in.Del(h)
			}
			for _, h := range credentialHeaders {
				in.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				for _, h := range credentialHeaders {
					res.Header().Del(h)
				}
			})

			h := res.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")

			return next(c)
		}
	}
}

// credentialHeaders lists the headers that carry upstream credentials.
func credentialHeaders(cfg *config.Config) []string {
	names := []string{"Authorization", "X-Api-Key"}
	if a := cfg.Pipeline.Auth; a != nil && strings.EqualFold(a.Type, "api_key") && a.Header != "" {
		name := http.CanonicalHeaderKey(a.Header)
		if name != "Authorization" && name != "X-Api-Key" {
			names = append(names, name)
		}
	}
	return names
}
