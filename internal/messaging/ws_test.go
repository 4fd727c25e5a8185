package messaging

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

func TestHubPushesToOwner(t *testing.T) {
	hub := NewHub(logging.Discard())
	e := echo.New()
	e.GET("/ws", hub.VerificationWS, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(utils.ContextUserID, c.QueryParam("as"))
			return next(c)
		}
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?as=u1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var hello wsEvent
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello.Type)
	require.Eventually(t, func() bool { return hub.Connections("u1") == 1 }, time.Second, 10*time.Millisecond)

	id := uuid.New()
	hub.VerificationChanged(events.VerificationChanged{RequestID: id, UserID: "other", Status: "approved"})
	hub.VerificationChanged(events.VerificationChanged{RequestID: id, UserID: "u1", Status: "approved"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type string                     `json:"type"`
		Data events.VerificationChanged `json:"data"`
	}
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "verification_status", got.Type)
	assert.Equal(t, "u1", got.Data.UserID)
	assert.Equal(t, "approved", got.Data.Status)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return hub.Connections("u1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubRequiresUser(t *testing.T) {
	hub := NewHub(logging.Discard())
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest("GET", "/ws", nil), rec)
	require.NoError(t, hub.VerificationWS(c))
	assert.Equal(t, 401, rec.Code)
}
