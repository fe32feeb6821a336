package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/middleware"
	"github.com/iliyamo/regimen-sync/internal/queue"
	"github.com/iliyamo/regimen-sync/internal/service"
	"github.com/iliyamo/regimen-sync/internal/team"
)

// TeamHandler serves team management.  Every route expects a device
// identity set by middleware.DeviceAuth.
type TeamHandler struct {
	Teams  *team.Service
	Events *service.Events
}

// NewTeamHandler constructs a TeamHandler and panics if teams is nil.
func NewTeamHandler(teams *team.Service, events *service.Events) *TeamHandler {
	if teams == nil {
		panic("nil team service passed to NewTeamHandler")
	}
	return &TeamHandler{Teams: teams, Events: events}
}

type slugBody struct {
	Slug string `json:"slug"`
}

// Create handles POST /api/teams/create.
func (h *TeamHandler) Create(c echo.Context) error {
	var in team.CreateInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	in.DeviceID = middleware.DeviceID(c)
	t, err := h.Teams.Create(c.Request().Context(), in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":     true,
		"message":     "team created",
		"team_slug":   t.Slug,
		"invite_code": t.InviteCode,
		"team":        t.Snapshot(),
	})
}

// List handles GET /api/teams/list.
func (h *TeamHandler) List(c echo.Context) error {
	teams, err := h.Teams.List(c.Request().Context(), middleware.DeviceID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "teams": teams})
}

// Join handles POST /api/teams/join {slug | invite_code, user_name}.  code
// is accepted as an alias of invite_code.
func (h *TeamHandler) Join(c echo.Context) error {
	var body struct {
		team.JoinInput
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	in := body.JoinInput
	if in.InviteCode == "" {
		in.InviteCode = body.Code
	}
	in.DeviceID = middleware.DeviceID(c)
	ctx := c.Request().Context()
	m, err := h.Teams.Join(ctx, in)
	if err != nil {
		return fail(c, err)
	}
	msg := "join request sent"
	if m.Approved() {
		msg = "joined team"
	}
	out := echo.Map{
		"success":    true,
		"message":    msg,
		"status":     m.Status,
		"team_slug":  m.TeamSlug,
		"membership": m.Snapshot(),
	}
	if t, err := h.Teams.Team(ctx, m.TeamSlug); err == nil {
		out["team_name"] = t.Name
	}
	return c.JSON(http.StatusOK, out)
}

// Approve handles POST /api/teams/approve {member_id, action}.
func (h *TeamHandler) Approve(c echo.Context) error {
	var body struct {
		MemberID int64  `json:"member_id"`
		Action   string `json:"action"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	m, err := h.Teams.Approve(c.Request().Context(), body.MemberID, body.Action, middleware.DeviceID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "membership " + m.Status, "membership": m.Snapshot()})
}

// Members handles GET /api/teams/members?slug=.
func (h *TeamHandler) Members(c echo.Context) error {
	members, err := h.Teams.Members(c.Request().Context(), c.QueryParam("slug"), middleware.DeviceID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "members": members})
}

// Stats handles POST /api/teams/stats {slug}.
func (h *TeamHandler) Stats(c echo.Context) error {
	var body slugBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	st, err := h.Teams.Stats(c.Request().Context(), body.Slug)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "stats": st})
}

// Disband handles POST /api/teams/disband {slug}.
func (h *TeamHandler) Disband(c echo.Context) error {
	var body slugBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	dev := middleware.DeviceID(c)
	res, err := h.Teams.Disband(c.Request().Context(), body.Slug, dev)
	if err != nil {
		return fail(c, err)
	}
	h.Events.Emit(c.Request().Context(), queue.SyncEvent{Kind: queue.KindDisbanded, Device: dev, Team: body.Slug, Count: res.Patients})
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "team disbanded", "result": res})
}
