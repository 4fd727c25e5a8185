package utils

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
)

const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// UserID returns the user id the JWT middleware stored on the context.
func UserID(c echo.Context) string {
	id, _ := c.Get(ContextUserID).(string)
	return id
}

func Role(c echo.Context) string {
	role, _ := c.Get(ContextRole).(string)
	return role
}

// IsOperator reports whether the caller may act on other users' requests.
func IsOperator(c echo.Context) bool {
	role := Role(c)
	return role == "reviewer" || role == "admin"
}

// RespondError maps err to its status code and a user-safe body. Internal
// failures are logged with the cause, which never reaches the client.
func RespondError(c echo.Context, log *slog.Logger, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && log != nil {
		attrs := []any{"error", err, "path", c.Path(), "kind", apperr.KindOf(err).String()}
		if apperr.KindOf(err) == apperr.KindConsistency {
			attrs = append(attrs, "severity", "critical")
		}
		log.ErrorContext(c.Request().Context(), "request failed", attrs...)
	}
	body := echo.Map{"error": apperr.PublicMessage(err)}
	var e *apperr.Error
	if errors.As(err, &e) && e.Code != "" && status < http.StatusInternalServerError {
		body["code"] = e.Code
	}
	return c.JSON(status, body)
}
