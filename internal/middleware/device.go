package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/utils"
)

// DeviceHeader carries the device identity for clients that predate pairing.
const DeviceHeader = "X-Device-ID"

const deviceKey = "device_id"

// DeviceAuth resolves the calling device.  A Bearer token issued at pairing
// wins; otherwise the X-Device-ID header is trusted.  Requests with neither
// pass through anonymously, and an invalid token is rejected with 401.
func DeviceAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				dev, err := utils.ParseDeviceToken(secret, strings.TrimPrefix(auth, "Bearer "))
				if err != nil {
					return c.JSON(http.StatusUnauthorized, echo.Map{
						"success": false, "error": "invalid_token", "message": "device token is invalid or expired",
					})
				}
				c.Set(deviceKey, dev)
				return next(c)
			}
			if dev := strings.TrimSpace(c.Request().Header.Get(DeviceHeader)); dev != "" {
				c.Set(deviceKey, dev)
			}
			return next(c)
		}
	}
}

// RequireDevice rejects requests that DeviceAuth could not identify.
func RequireDevice() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if DeviceID(c) == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"success": false, "error": "device_required", "message": "device identity required",
				})
			}
			return next(c)
		}
	}
}

// DeviceID returns the identity set by DeviceAuth or "".
func DeviceID(c echo.Context) string {
	s, _ := c.Get(deviceKey).(string)
	return s
}
