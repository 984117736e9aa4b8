package clinical

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
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointments", h.ListAppointments, auth.RequireCapability(auth.CapClinicalRead))
	api.POST("/appointments", h.CreateAppointment, auth.RequireCapability(auth.CapAppointmentsWrite))
	api.PUT("/appointments/:id/status", h.SetAppointmentStatus, auth.RequireCapability(auth.CapAppointmentsWrite))
	api.POST("/prescriptions/:id/dispense", h.DispensePrescription, auth.RequireCapability(auth.CapPharmacyDispense))
	api.POST("/lab-orders/:id/complete", h.CompleteLabOrder, auth.RequireCapability(auth.CapLabComplete))
	api.POST("/admissions/:id/room-assignments", h.AssignRoom, auth.RequireCapability(auth.CapInpatientWrite))
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return err
}

type createAppointmentRequest struct {
	PatientID       int64     `json:"patient_id"`
	DoctorID        *int64    `json:"doctor_id"`
	AppointmentType string    `json:"appointment_type"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Status          string    `json:"status"`
	Notes           *string   `json:"notes"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	a := &Appointment{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		AppointmentType: req.AppointmentType,
		ScheduledAt:     req.ScheduledAt,
		Status:          AppointmentStatus(req.Status),
		Notes:           req.Notes,
		CreatedBy:       auth.StaffIDFromContext(ctx),
	}
	out, err := h.svc.CreateAppointment(ctx, a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AppointmentFilter
	for name, dst := range map[string]**int64{"patient_id": &f.PatientID, "doctor_id": &f.DoctorID} {
		if v := c.QueryParam(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &n
		}
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseAppointmentStatus(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	if v := c.QueryParam("date"); v != "" {
		day, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date")
		}
		next := day.AddDate(0, 0, 1)
		f.From, f.To = &day, &next
	}

	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) SetAppointmentStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.svc.SetAppointmentStatus(ctx, id, req.Status, auth.StaffIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) DispensePrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req DispenseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.svc.DispensePrescription(ctx, id, req, auth.StaffIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CompleteLabOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req CompleteLabRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.svc.CompleteLabOrder(ctx, id, req, auth.StaffIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AssignRoom(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req AssignRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.svc.AssignRoom(ctx, id, req, auth.StaffIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}
