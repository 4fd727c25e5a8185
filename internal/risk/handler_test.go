package risk

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

func asUser(userID string, role store.Role, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set(utils.ContextUserID, userID)
		c.Set(utils.ContextRole, string(role))
		return h(c)
	}
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandlerReportRoutes(t *testing.T) {
	st, id := seed(t)
	h := NewHandler(NewReporter(st, th), logging.Discard())
	e := echo.New()
	e.GET("/verification/requests/:id/report", asUser("u1", store.RolePlayer, h.Report))
	e.GET("/admin/verification/:id/report", asUser("root", store.RoleAdmin, h.Report))
	e.GET("/admin/verification/:id/audit/verify", asUser("rev", store.RoleReviewer, h.VerifyChain))

	rec := get(e, "/verification/requests/"+id.String()+"/report?include_sensitive=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var own Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &own))
	assert.False(t, own.Metadata.SensitiveIncluded)
	assert.Equal(t, "203.0.x.x", own.Request.ClientIP)

	rec = get(e, "/admin/verification/"+id.String()+"/report?include_sensitive=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "203.0.113.7")

	rec = get(e, "/admin/verification/"+id.String()+"/audit/verify")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	rec = get(e, "/admin/verification/00000000-0000-0000-0000-000000000001/audit/verify")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExport(t *testing.T) {
	st, id := seed(t)
	h := NewHandler(NewReporter(st, th), logging.Discard())
	e := echo.New()
	e.GET("/admin/verification/export", asUser("rev", store.RoleReviewer, h.Export))
	e.GET("/player/export", asUser("u1", store.RolePlayer, h.Export))

	rec := get(e, "/admin/verification/export?format=csv&status=verifying&from=2026-03-01&to=2026-03-01")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), ".csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], id.String()))

	rec = get(e, "/admin/verification/export?status=approved")
	require.Equal(t, http.StatusOK, rec.Code)
	var out Export
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0, out.Count)

	rec = get(e, "/admin/verification/export?to=2026-02-28")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0, out.Count)

	rec = get(e, "/admin/verification/export?from=yesterday")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = get(e, "/player/export")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestParseBound(t *testing.T) {
	end, err := parseBound("2026-03-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), end)

	start, err := parseBound("2026-03-01T10:00:00+02:00", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), start)
}
