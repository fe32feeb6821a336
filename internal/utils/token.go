// Package utils provides helpers for device tokens and secret hashing.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceToken is a signed JWT naming a paired device, with its expiry.
type DeviceToken struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"expires_at"`
}

// ErrInvalidToken is returned for malformed, expired or foreign tokens.
var ErrInvalidToken = errors.New("invalid device token")

// NewDeviceToken signs an HS256 token whose subject is deviceID.
func NewDeviceToken(secret, deviceID string, ttlMin int, now time.Time) (DeviceToken, error) {
	now = now.UTC()
	exp := now.Add(time.Duration(ttlMin) * time.Minute)
	claims := jwt.MapClaims{
		"sub": deviceID,
		"typ": "device",
		"exp": exp.Unix(),
		"iat": now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return DeviceToken{}, err
	}
	return DeviceToken{Token: signed, Exp: exp}, nil
}

// ParseDeviceToken validates raw and returns the device id it names.
func ParseDeviceToken(secret, raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || claims["typ"] != "device" {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
