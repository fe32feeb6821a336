package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/repository"
)

// fail maps a domain error to a status and the standard failure body.
// Unexpected errors are logged and answered with a generic message.
func fail(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, repository.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, repository.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, repository.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, repository.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
		msg = "internal server error"
	}
	return c.JSON(status, echo.Map{"success": false, "error": code, "message": msg})
}

// badRequest answers 400 for requests that could not be decoded.
func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "bad_request", "message": msg})
}
