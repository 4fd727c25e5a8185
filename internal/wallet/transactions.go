package wallet

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

var historyStatuses = []store.RewardStatus{
	store.RewardPendingVerification,
	store.RewardClaimed,
	store.RewardReleased,
}

// History returns every reward credited to the authenticated user, newest
// first, pending and settled alike.
func (h *Handler) History(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	source := store.Source(c.QueryParam("source"))
	ctx := c.Request().Context()

	var out []store.PendingReward
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		for _, status := range historyStatuses {
			list, err := tx.ListRewards(ctx, userID, status, source)
			if err != nil {
				return err
			}
			out = append(out, list...)
		}
		return nil
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if out == nil {
		out = []store.PendingReward{}
	}
	return c.JSON(http.StatusOK, echo.Map{"rewards": out})
}
