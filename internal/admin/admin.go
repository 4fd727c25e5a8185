package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Handler struct {
	store store.Store
	log   *slog.Logger
}

func NewHandler(st store.Store, log *slog.Logger) *Handler {
	return &Handler{store: st, log: log}
}

func listLimit(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

// GET /admin/stats
func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	var st store.Stats
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		st, err = tx.Stats(ctx)
		return err
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, st)
}

// GET /admin/users?role=reviewer
func (h *Handler) ListUsers(c echo.Context) error {
	ctx := c.Request().Context()
	role := store.Role(c.QueryParam("role"))
	if role != "" && !validRole(role) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown role"})
	}
	var users []store.User
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		users, err = tx.ListUsers(ctx, role, listLimit(c))
		return err
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	if users == nil {
		users = []store.User{}
	}
	return c.JSON(http.StatusOK, echo.Map{"users": users})
}

type setRoleRequest struct {
	Role store.Role `json:"role"`
}

// POST /admin/users/:id/role - admin grants or revokes reviewer access
func (h *Handler) SetRole(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user id required"})
	}
	var req setRoleRequest
	if err := c.Bind(&req); err != nil || !validRole(req.Role) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "role must be player, reviewer or admin"})
	}
	actor := utils.UserID(c)
	if userID == actor {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot change your own role"})
	}

	ctx := c.Request().Context()
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetUserRole(ctx, userID, req.Role)
	})
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	h.log.Info("user role changed", "user_id", userID, "role", req.Role, "by", actor)
	return c.JSON(http.StatusOK, echo.Map{"message": "role updated", "user_id": userID, "role": req.Role})
}

// GET /admin/wallets
func (h *Handler) ListWallets(c echo.Context) error {
	ctx := c.Request().Context()
	var wallets []store.Wallet
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		wallets, err = tx.ListWallets(ctx, listLimit(c))
		return err
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	if wallets == nil {
		wallets = []store.Wallet{}
	}
	return c.JSON(http.StatusOK, echo.Map{"wallets": wallets})
}

func validRole(r store.Role) bool {
	switch r {
	case store.RolePlayer, store.RoleReviewer, store.RoleAdmin:
		return true
	}
	return false
}
