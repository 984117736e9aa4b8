package billing

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc        *Service
	production bool
}

// NewHandler builds the billing HTTP handler. In production, store and
// internal error text is only shown to administrators.
func NewHandler(svc *Service, production bool) *Handler {
	return &Handler{svc: svc, production: production}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := auth.RequireCapability(auth.CapBillingRead)
	write := auth.RequireCapability(auth.CapBillingWrite)
	admin := auth.RequireCapability(auth.CapBillingAdmin)

	g := api.Group("/billing")
	g.GET("/accounts", h.ListAccounts, read)
	g.GET("/accounts/:id", h.GetAccount, read)
	g.GET("/patients/:id/discount", h.GetDiscount, read)

	g.POST("/accounts", h.CreateAccount, write)
	g.PUT("/accounts/:id/status", h.SetStatus, write)
	g.POST("/accounts/:id/items", h.AddItem, write)
	g.POST("/accounts/:id/charges/:kind", h.AddCharge, write)

	g.DELETE("/accounts/:id", h.DeleteAccount, admin)
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError maps billing errors onto status codes. Transient and unexpected
// failures get a generic message unless details may be shown.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoPatient), errors.Is(err, ErrInvalidAmount):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrDuplicateAcrossAccounts), errors.Is(err, ErrAccountClosed),
		errors.Is(err, ErrPatientMismatch), errors.Is(err, ErrOpenAccountExists),
		errors.Is(err, ErrStatusNotApplied):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSchemaUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, ErrTransient):
		return echo.NewHTTPError(http.StatusServiceUnavailable, h.message(c, err, ErrTransient.Error()))
	case errors.Is(err, ErrAccountCreation):
		return echo.NewHTTPError(http.StatusInternalServerError, h.message(c, err, ErrAccountCreation.Error()))
	}
	return echo.NewHTTPError(http.StatusInternalServerError, h.message(c, err, "internal server error"))
}

func (h *Handler) message(c echo.Context, err error, generic string) string {
	if !h.production {
		return err.Error()
	}
	if p := auth.PrincipalFromContext(c.Request().Context()); p != nil && p.HasRole(auth.RoleAdmin) {
		return err.Error()
	}
	return generic
}

func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func (h *Handler) ListAccounts(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AccountFilter
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseStatus(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	var err error
	if f.From, err = parseDate(c.QueryParam("from"), false); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	if f.To, err = parseDate(c.QueryParam("to"), true); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}

	items, total, err := h.svc.ListAccounts(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*AccountSummary{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetAccount(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetAccount(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type createAccountRequest struct {
	PatientID   int64  `json:"patient_id"`
	AdmissionID *int64 `json:"admission_id"`
}

func (h *Handler) CreateAccount(c echo.Context) error {
	var req createAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	acct, created, err := h.svc.GetOrCreateAccount(ctx, req.PatientID, req.AdmissionID, auth.StaffIDFromContext(ctx))
	if err != nil {
		return h.httpError(c, err)
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, acct)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.SetStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteAccount(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAccount(c.Request().Context(), id); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var m ManualItem
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	m.CreatedBy = auth.StaffIDFromContext(ctx)
	res, err := h.svc.AddManualItem(ctx, id, m)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) AddCharge(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req ChargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SourceID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "source_id is required")
	}
	ctx := c.Request().Context()
	req.BillingID = id
	req.CreatedBy = auth.StaffIDFromContext(ctx)

	var res *AttachResult
	switch c.Param("kind") {
	case "appointment":
		res, err = h.svc.AddAppointmentCharge(ctx, req)
	case "prescription":
		res, err = h.svc.AddPrescriptionCharge(ctx, req)
	case "lab-order":
		res, err = h.svc.AddLabOrderCharge(ctx, req)
	case "room-assignment":
		res, err = h.svc.AddRoomCharge(ctx, req)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown charge type")
	}
	if err != nil {
		return h.httpError(c, err)
	}
	if res.AlreadyAttached {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetDiscount(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.ResolveDiscount(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}
