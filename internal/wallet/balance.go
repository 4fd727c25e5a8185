package wallet

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

type Handler struct {
	store  store.Store
	ledger *Ledger
	log    *slog.Logger
}

func NewHandler(st store.Store, ledger *Ledger, log *slog.Logger) *Handler {
	return &Handler{store: st, ledger: ledger, log: log}
}

// Balance returns the authenticated user's spendable and pending balances.
func (h *Handler) Balance(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var w store.Wallet
	err := h.store.WithTx(c.Request().Context(), func(tx store.Tx) error {
		var err error
		w, err = h.ledger.Balance(c.Request().Context(), tx, userID)
		return err
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"user_id":         w.UserID,
		"balance":         w.Balance.String(),
		"pending_balance": w.PendingBalance.String(),
	})
}
