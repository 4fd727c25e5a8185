package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/utils"
)

// JWT validates the bearer token and stores the caller's id and role on the
// context for utils.UserID and utils.Role.
func JWT(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := utils.ExtractToken(c)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
			}
			claims, err := utils.ParseToken(secret, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
			}
			c.Set(utils.ContextUserID, claims.UserID)
			c.Set(utils.ContextRole, claims.Role)
			return next(c)
		}
	}
}
