package settlement

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

type Handler struct {
	router *Router
	log    *slog.Logger
}

func NewHandler(router *Router, log *slog.Logger) *Handler {
	return &Handler{router: router, log: log}
}

// ListRetries returns retry markers, exhausted ones by default.
func (h *Handler) ListRetries(c echo.Context) error {
	status := store.RetryStatus(c.QueryParam("status"))
	if status == "" {
		status = store.RetryExhausted
	}
	if status != store.RetryExhausted && status != store.RetryPending {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "status must be pending or exhausted"})
	}
	list, err := h.router.ListRetries(c.Request().Context(), status)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"retries": list})
}

func (h *Handler) Requeue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request id"})
	}
	rt, err := h.router.Requeue(c.Request().Context(), id, utils.UserID(c), c.RealIP())
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"retry": rt})
}
