package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/patient"
	"github.com/iliyamo/regimen-sync/internal/reschedule"
	"github.com/iliyamo/regimen-sync/internal/schedule"
)

// PatientHandler serves patient creation, the calendar feed and milestone
// edits.
type PatientHandler struct {
	Patients  *patient.Service
	Ripple    *reschedule.Engine
	Generator *schedule.Generator
}

// NewPatientHandler constructs a PatientHandler and panics if a dependency
// is nil.
func NewPatientHandler(patients *patient.Service, ripple *reschedule.Engine, generator *schedule.Generator) *PatientHandler {
	if patients == nil || ripple == nil || generator == nil {
		panic("nil dependency passed to NewPatientHandler")
	}
	return &PatientHandler{Patients: patients, Ripple: ripple, Generator: generator}
}

// Create handles POST /api/patients (JSON) and POST /add_patient (form).
func (h *PatientHandler) Create(c echo.Context) error {
	var in patient.NewPatient
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	p, err := h.Patients.Create(c.Request().Context(), in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"success": true, "message": "patient created", "patient": p.Snapshot()})
}

// Events handles GET /events?team= and returns the calendar feed as a bare
// array.
func (h *PatientHandler) Events(c echo.Context) error {
	events, err := h.Patients.Calendar(c.Request().Context(), c.QueryParam("team"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

// UpdateEvent handles POST /update_event {id, missed_days, remark, outcome}.
func (h *PatientHandler) UpdateEvent(c echo.Context) error {
	var body struct {
		ID         int64  `json:"id"`
		MissedDays int    `json:"missed_days"`
		Remark     string `json:"remark"`
		Outcome    string `json:"outcome"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.ID <= 0 {
		return badRequest(c, "id is required")
	}
	res, err := h.Ripple.Apply(c.Request().Context(), reschedule.Edit{
		MilestoneID: body.ID,
		MissedDays:  body.MissedDays,
		Remark:      strings.TrimSpace(body.Remark),
		Outcome:     strings.TrimSpace(body.Outcome),
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "event updated",
		"event":   res.Milestone.Snapshot(),
		"delta":   res.Delta,
		"shifted": res.Shifted,
	})
}

// DeletePatient handles POST /delete_patient/:id.
func (h *PatientHandler) DeletePatient(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return badRequest(c, "invalid id")
	}
	uid, err := h.Patients.Delete(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "patient deleted", "uid": uid})
}

// Regimens handles GET /api/regimens.
func (h *PatientHandler) Regimens(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"success": true, "regimens": h.Generator.Table()})
}
