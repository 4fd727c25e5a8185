package rewards

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// ListPending returns the caller's rewards awaiting verification.
func (h *Handler) ListPending(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	list, total, err := h.svc.Pending(c.Request().Context(), userID)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	if list == nil {
		list = []store.PendingReward{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"rewards": list,
		"total":   total.String(),
	})
}

type creditRequest struct {
	UserID  string          `json:"user_id"`
	Source  store.Source    `json:"source"`
	Amount  decimal.Decimal `json:"amount"`
	Details json.RawMessage `json:"details"`
}

// AdminCredit lets an admin credit a reward manually, e.g. for a draw whose
// producer message was lost.
func (h *Handler) AdminCredit(c echo.Context) error {
	var req creditRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	reward, err := h.svc.Credit(c.Request().Context(), CreditInput{
		UserID:  req.UserID,
		Source:  req.Source,
		Amount:  req.Amount,
		Details: req.Details,
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	h.log.Info("reward credited by admin", "admin_id", utils.UserID(c), "reward_id", reward.ID, "user_id", reward.UserID)
	return c.JSON(http.StatusCreated, echo.Map{"reward": reward})
}
