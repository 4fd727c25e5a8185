package verification

import (
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/risk"
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

func viewerOf(c echo.Context) risk.Viewer {
	return risk.Viewer{UserID: utils.UserID(c), Role: store.Role(utils.Role(c))}
}

// optionalID parses an optional request id; empty means uuid.Nil.
func optionalID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

type createRequest struct {
	Method store.Method `json:"method"`
	Scope  store.Source `json:"scope"`
}

// CreateRequest issues a challenge for the caller's pending rewards.
func (h *Handler) CreateRequest(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.Method == "" {
		req.Method = store.MethodSignature
	}
	ch, err := h.svc.CreateRequest(c.Request().Context(), CreateInput{
		UserID:   userID,
		Method:   req.Method,
		Scope:    req.Scope,
		ClientIP: c.RealIP(),
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	status := http.StatusCreated
	if ch.Refreshed {
		status = http.StatusOK
	}
	return c.JSON(status, ch)
}

type signatureRequest struct {
	RequestID string `json:"request_id"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
	Network   string `json:"network"`
}

// SubmitSignature checks a signed challenge.
func (h *Handler) SubmitSignature(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req signatureRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	id, err := optionalID(req.RequestID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request_id"})
	}
	out, err := h.svc.SubmitSignature(c.Request().Context(), SignatureInput{
		UserID:    userID,
		RequestID: id,
		Signature: req.Signature,
		Address:   req.Address,
		Network:   req.Network,
		ClientIP:  c.RealIP(),
	})
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// SubmitAssisted accepts a multipart form with note, wallet, network and up
// to five "files".
func (h *Handler) SubmitAssisted(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := optionalID(c.FormValue("request_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request_id"})
	}

	in := AssistedInput{
		UserID:        userID,
		RequestID:     id,
		Note:          c.FormValue("note"),
		ClaimedWallet: c.FormValue("wallet"),
		Network:       c.FormValue("network"),
		ClientIP:      c.RealIP(),
	}
	form, err := c.MultipartForm()
	if err != nil && err != http.ErrNotMultipart {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid multipart form"})
	}
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	if form != nil {
		for _, fh := range form.File["files"] {
			f, err := fh.Open()
			if err != nil {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("cannot read %s", fh.Filename)})
			}
			opened = append(opened, f)
			in.Files = append(in.Files, Upload{
				Name:        fh.Filename,
				ContentType: fh.Header.Get(echo.HeaderContentType),
				Size:        fh.Size,
				Body:        f,
			})
		}
	}

	out, err := h.svc.SubmitAssisted(c.Request().Context(), in)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusAccepted, out)
}

// Status returns a request to its owner or an operator.
func (h *Handler) Status(c echo.Context) error {
	viewer := viewerOf(c)
	if viewer.UserID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request id"})
	}
	view, err := h.svc.Status(c.Request().Context(), viewer, id)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, view)
}

// ListPendingReview lists requests waiting for an operator.
func (h *Handler) ListPendingReview(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.svc.ListPendingReview(c.Request().Context(), limit)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	masked := make([]store.VerificationRequest, 0, len(list))
	for _, r := range list {
		masked = append(masked, risk.MaskRequest(r))
	}
	return c.JSON(http.StatusOK, echo.Map{"requests": masked, "count": len(masked)})
}

type reviewRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

// reviewInput returns a non-empty message when the request is malformed.
func reviewInput(c echo.Context) (ReviewInput, string) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return ReviewInput{}, "invalid request id"
	}
	var body reviewRequest
	if err := c.Bind(&body); err != nil {
		return ReviewInput{}, "invalid request body"
	}
	note := body.Note
	if body.Reason != "" {
		note = body.Reason
	}
	return ReviewInput{RequestID: id, Reviewer: viewerOf(c), Note: note, ClientIP: c.RealIP()}, ""
}

// Approve - reviewer/admin approves a request under review
func (h *Handler) Approve(c echo.Context) error {
	in, msg := reviewInput(c)
	if msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	out, err := h.svc.Approve(c.Request().Context(), in)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Reject - reviewer/admin rejects a request under review
func (h *Handler) Reject(c echo.Context) error {
	in, msg := reviewInput(c)
	if msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	out, err := h.svc.Reject(c.Request().Context(), in)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Evidence streams one uploaded evidence file to an operator.
func (h *Handler) Evidence(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request id"})
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file index"})
	}
	rc, file, err := h.svc.OpenEvidence(c.Request().Context(), viewerOf(c), id, index)
	if err != nil {
		return utils.RespondError(c, h.log, err)
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", file.Name))
	c.Response().Header().Set("X-Content-SHA256", file.SHA256)
	return c.Stream(http.StatusOK, file.ContentType, rc)
}
