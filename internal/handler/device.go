package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/utils"
)

// DeviceHandler issues device tokens.
type DeviceHandler struct {
	JWTSecret         string
	PairingSecretHash string
	TokenTTLMin       int
	Now               func() time.Time
}

// Pair handles POST /api/devices/pair {device_id, pairing_secret}.
func (h *DeviceHandler) Pair(c echo.Context) error {
	var body struct {
		DeviceID      string `json:"device_id"`
		PairingSecret string `json:"pairing_secret"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	body.DeviceID = strings.TrimSpace(body.DeviceID)
	if body.DeviceID == "" {
		return badRequest(c, "device_id is required")
	}
	if h.PairingSecretHash == "" {
		return c.JSON(http.StatusForbidden, echo.Map{"success": false, "error": "pairing_disabled", "message": "pairing is not enabled on this host"})
	}
	if !utils.VerifySecret(h.PairingSecretHash, body.PairingSecret) {
		slog.Warn("pairing rejected", "device", body.DeviceID, "ip", c.RealIP())
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "invalid_secret", "message": "pairing secret does not match"})
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	tok, err := utils.NewDeviceToken(h.JWTSecret, body.DeviceID, h.TokenTTLMin, now())
	if err != nil {
		return fail(c, err)
	}
	slog.Info("device paired", "device", body.DeviceID)
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "device paired", "token": tok.Token, "expires_at": tok.Exp})
}
