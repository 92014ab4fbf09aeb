package middleware

import (
	"github.com/labstack/echo/v4"
)

type SecurityHeadersConfig struct {
	// HSTS adds Strict-Transport-Security. Enable only when served over TLS.
	HSTS bool
}

// SecurityHeaders hardens every response. Dashboard responses carry patient
// data, so nothing may be cached along the way.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	static := [][2]string{
		{echo.HeaderXContentTypeOptions, "nosniff"},
		{echo.HeaderXFrameOptions, "DENY"},
		{echo.HeaderContentSecurityPolicy, "default-src 'none'; frame-ancestors 'none'"},
		{echo.HeaderReferrerPolicy, "no-referrer"},
		{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
		{"Cache-Control", "no-store"},
		{"Pragma", "no-cache"},
	}
	if cfg.HSTS {
		static = append(static, [2]string{echo.HeaderStrictTransportSecurity, "max-age=31536000; includeSubDomains"})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range static {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
