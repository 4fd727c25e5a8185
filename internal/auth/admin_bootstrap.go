package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

type BootstrapAdminRequest struct {
	UserID string `json:"user_id"`
	Secret string `json:"secret"`
}

// BootstrapAdmin promotes a user who has already signed in to admin. It is
// disabled unless ADMIN_BOOTSTRAP_SECRET is set, either in plain text or as a
// bcrypt hash.
func (h *Handler) BootstrapAdmin(c echo.Context) error {
	req := new(BootstrapAdminRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if h.auth.BootstrapSecret == "" {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "bootstrap disabled"})
	}
	if req.Secret == "" || !secretMatches(h.auth.BootstrapSecret, req.Secret) {
		h.log.WarnContext(c.Request().Context(), "admin bootstrap refused", "ip", c.RealIP())
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid secret"})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id required"})
	}

	err := h.store.WithTx(c.Request().Context(), func(tx store.Tx) error {
		return tx.SetUserRole(c.Request().Context(), req.UserID, store.RoleAdmin)
	})
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	h.log.InfoContext(c.Request().Context(), "user promoted to admin", "user_id", req.UserID, "ip", c.RealIP())
	return c.JSON(http.StatusOK, echo.Map{"message": "user promoted to admin", "user_id": req.UserID})
}

func secretMatches(configured, given string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}
