package risk

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

type Handler struct {
	reporter *Reporter
	log      *slog.Logger
}

func NewHandler(reporter *Reporter, log *slog.Logger) *Handler {
	return &Handler{reporter: reporter, log: log}
}

func viewerOf(c echo.Context) Viewer {
	return Viewer{UserID: utils.UserID(c), Role: store.Role(utils.Role(c))}
}

// Report returns the compliance report of one request. Used both on the
// player route and the admin route; Reporter enforces who sees what.
func (h *Handler) Report(c echo.Context) error {
	viewer := viewerOf(c)
	if viewer.UserID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request id"})
	}
	sensitive, _ := strconv.ParseBool(c.QueryParam("include_sensitive"))
	rep, err := h.reporter.Report(c.Request().Context(), id, viewer, sensitive)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	if rep.Metadata.SensitiveIncluded {
		h.log.InfoContext(c.Request().Context(), "sensitive report viewed", "request_id", id, "admin", viewer.UserID)
	}
	return c.JSON(http.StatusOK, rep)
}

// Export - reviewer/admin exports requests as csv or json
func (h *Handler) Export(c echo.Context) error {
	q, err := parseExportQuery(c)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	out, err := h.reporter.Export(c.Request().Context(), q, viewerOf(c))
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}

	stamp := out.Metadata.GeneratedAt.Format("20060102T150405Z")
	if q.Format == FormatCSV {
		c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "verification-export-"+stamp+".csv"))
		c.Response().WriteHeader(http.StatusOK)
		return out.WriteCSV(c.Response())
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return out.WriteJSON(c.Response())
}

// VerifyChain recomputes the audit chain of one request.
func (h *Handler) VerifyChain(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request id"})
	}
	rep, err := h.reporter.VerifyChain(c.Request().Context(), id, viewerOf(c))
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	if !rep.OK {
		h.log.ErrorContext(c.Request().Context(), "audit chain broken", "request_id", id, "errors", rep.Errors, "severity", "critical")
	}
	return c.JSON(http.StatusOK, echo.Map{"request_id": id, "chain": rep})
}

func parseExportQuery(c echo.Context) (ExportQuery, error) {
	q := ExportQuery{
		Format: strings.ToLower(c.QueryParam("format")),
		Filter: store.RequestFilter{
			UserID:    c.QueryParam("user_id"),
			Method:    store.Method(c.QueryParam("method")),
			RiskLevel: store.RiskLevel(c.QueryParam("risk_level")),
			Scope:     store.Source(c.QueryParam("scope")),
		},
	}
	if q.Format == "" {
		q.Format = FormatJSON
	}
	q.IncludeSensitive, _ = strconv.ParseBool(c.QueryParam("include_sensitive"))

	var err error
	if q.Filter.From, err = parseBound(c.QueryParam("from"), false); err != nil {
		return q, err
	}
	if q.Filter.To, err = parseBound(c.QueryParam("to"), true); err != nil {
		return q, err
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			q.Filter.Statuses = append(q.Filter.Statuses, store.RequestStatus(strings.TrimSpace(s)))
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if q.Filter.Limit, err = strconv.Atoi(raw); err != nil {
			return q, apperr.Validation("limit must be a number")
		}
	}
	return q, nil
}

// parseBound accepts RFC 3339 or a plain date. The end bound is exclusive,
// so a plain end date is moved to the start of the next day.
func parseBound(raw string, end bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("invalid date %q", raw))
	}
	if end {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}
