package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

// initDataMaxAge bounds how old a WebApp launch may be when exchanged.
const initDataMaxAge = 24 * time.Hour

type Handler struct {
	store    store.Store
	auth     config.AuthConfig
	botToken string
	log      *slog.Logger
	now      func() time.Time
}

func NewHandler(st store.Store, auth config.AuthConfig, botToken string, log *slog.Logger) *Handler {
	return &Handler{store: st, auth: auth, botToken: botToken, log: log, now: time.Now}
}

type telegramLoginRequest struct {
	InitData string `json:"init_data"`
}

type TokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      store.User `json:"user"`
}

// Telegram exchanges WebApp init data for a session token.
func (h *Handler) Telegram(c echo.Context) error {
	req := new(telegramLoginRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	now := h.now()
	tgUser, err := ValidateInitData(req.InitData, h.botToken, initDataMaxAge, now)
	if err != nil {
		if errors.Is(err, ErrInitDataMissing) || errors.Is(err, ErrInitDataMalformed) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		h.log.InfoContext(c.Request().Context(), "telegram login refused", "error", err, "ip", c.RealIP())
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid init data"})
	}

	var user store.User
	err = h.store.WithTx(c.Request().Context(), func(tx store.Tx) error {
		var err error
		user, err = tx.UpsertUser(c.Request().Context(), store.User{
			ID:        strconv.FormatInt(tgUser.ID, 10),
			Username:  tgUser.Username,
			CreatedAt: now.UTC(),
		})
		if err != nil {
			return err
		}
		return tx.EnsureWallet(c.Request().Context(), user.ID)
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}

	token, err := utils.IssueToken([]byte(h.auth.JWTSecret), user.ID, string(user.Role), h.auth.TokenTTL, now)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: now.Add(h.auth.TokenTTL).UTC(), User: user})
}

// Me returns the currently authenticated user's profile
func (h *Handler) Me(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var user store.User
	err := h.store.WithTx(c.Request().Context(), func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(c.Request().Context(), userID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, user)
}
