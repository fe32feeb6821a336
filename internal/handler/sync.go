package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/delta"
	"github.com/iliyamo/regimen-sync/internal/merge"
	"github.com/iliyamo/regimen-sync/internal/middleware"
	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/queue"
	"github.com/iliyamo/regimen-sync/internal/service"
	"github.com/iliyamo/regimen-sync/internal/staging"
)

// SyncHandler serves the peer sync protocol: pull, direct merge, staging,
// review and commit.
type SyncHandler struct {
	Exporter *delta.Exporter
	Inbox    *staging.Inbox
	Differ   *staging.Differ
	Merger   *merge.Engine
	Events   *service.Events
	HostName string
}

// NewSyncHandler constructs a SyncHandler and panics if a dependency is nil.
// An empty hostName falls back to the OS hostname.
func NewSyncHandler(x *delta.Exporter, inbox *staging.Inbox, differ *staging.Differ, merger *merge.Engine, events *service.Events, hostName string) *SyncHandler {
	if x == nil || inbox == nil || differ == nil || merger == nil {
		panic("nil dependency passed to NewSyncHandler")
	}
	if hostName == "" {
		hostName, _ = os.Hostname()
	}
	return &SyncHandler{Exporter: x, Inbox: inbox, Differ: differ, Merger: merger, Events: events, HostName: hostName}
}

// syncBody is the common shape of pushed data.
type syncBody struct {
	Patients []model.PatientSnapshot    `json:"data"`
	Deleted  []string                   `json:"deleted"`
	Teams    []model.TeamSnapshot       `json:"teams"`
	Members  []model.MembershipSnapshot `json:"members"`
}

func (b syncBody) payload() merge.Payload {
	return merge.Payload{Patients: b.Patients, Deleted: b.Deleted, Teams: b.Teams, Members: b.Members}
}

// GetAllData handles GET /api/get_all_data?team=&since=.
func (h *SyncHandler) GetAllData(c echo.Context) error {
	since, err := model.ParseSince(c.QueryParam("since"))
	if err != nil {
		return badRequest(c, "since must be RFC3339 or Unix milliseconds")
	}
	device := middleware.DeviceID(c)
	if device == "" {
		device = c.QueryParam("device_id")
	}
	out, err := h.Exporter.Export(c.Request().Context(), delta.Request{
		Team:     c.QueryParam("team"),
		Since:    since,
		DeviceID: device,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, struct {
		Success bool `json:"success"`
		*delta.Export
	}{true, out})
}

// MergeData handles POST /api/merge_data.  strategy is accepted as an
// alias of mode.
func (h *SyncHandler) MergeData(c echo.Context) error {
	var body struct {
		syncBody
		Mode     string `json:"mode"`
		Strategy string `json:"strategy"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Mode == "" {
		body.Mode = body.Strategy
	}
	mode, err := merge.ParseMode(body.Mode)
	if err != nil {
		return fail(c, err)
	}
	counts, err := h.Merger.Merge(c.Request().Context(), mode, body.payload())
	if err != nil {
		return fail(c, err)
	}
	h.Events.Emit(c.Request().Context(), queue.SyncEvent{
		Kind: queue.KindMerged, Device: middleware.DeviceID(c), Count: counts.Applied(), Message: string(mode),
	})
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": fmt.Sprintf("merged %d records (%s)", counts.Applied(), mode),
		"count":   counts.Applied(),
		"counts":  counts,
	})
}

// StageIncoming handles POST /api/stage_incoming.  The device name comes
// from the body, falling back to the caller's device identity.
func (h *SyncHandler) StageIncoming(c echo.Context) error {
	var body struct {
		syncBody
		DeviceName string `json:"device_name"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.DeviceName == "" {
		body.DeviceName = middleware.DeviceID(c)
	}
	res, err := h.Inbox.Stage(staging.Push{
		Device:     body.DeviceName,
		RemoteAddr: c.RealIP(),
		Patients:   body.Patients,
		Deleted:    body.Deleted,
		Teams:      body.Teams,
		Members:    body.Members,
	})
	if err != nil {
		return fail(c, err)
	}
	resp := echo.Map{
		"success":   true,
		"message":   fmt.Sprintf("staged %d items from %s", res.Accepted, body.DeviceName),
		"count":     res.Accepted,
		"version":   res.Version,
		"overwrote": res.Overwrote,
	}
	ev := queue.SyncEvent{Kind: queue.KindStaged, Device: body.DeviceName, Version: res.Version, Count: res.Accepted}
	if res.Overwrote {
		warning := fmt.Sprintf("replaced an unreviewed batch from %s; %d pending items were discarded", body.DeviceName, res.Discarded)
		slog.Warn("staged batch overwritten", "device", body.DeviceName, "discarded", res.Discarded, "version", res.Version)
		resp["discarded"] = res.Discarded
		resp["warning"] = warning
		ev.Overwrote, ev.Discarded, ev.Message = true, res.Discarded, warning
	}
	h.Events.Emit(c.Request().Context(), ev)
	return c.JSON(http.StatusOK, resp)
}

// GetHostInfo handles GET /api/get_host_info.
func (h *SyncHandler) GetHostInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"hostname": h.HostName,
		"devices":  h.Inbox.Connections(),
	})
}

// GetStagedData handles GET /api/get_staged_data?device=.
func (h *SyncHandler) GetStagedData(c echo.Context) error {
	items, err := h.Differ.Diff(c.Request().Context(), c.QueryParam("device"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": items, "count": len(items)})
}

// commitBody accepts both the per-device form and the legacy single-device
// form.
type commitBody struct {
	CommitsByDevice map[string][]int  `json:"commits_by_device"`
	Versions        map[string]uint64 `json:"versions"`
	DeviceName      string            `json:"device_name"`
	Indices         []int             `json:"indices"`
	Version         uint64            `json:"version"`
}

// selections merges both forms; a device named in both gets the union of
// its indices.
func (b commitBody) selections() ([]merge.Selection, error) {
	var sels []merge.Selection
	for dev, idx := range b.CommitsByDevice {
		sels = append(sels, merge.Selection{Device: dev, Indices: idx, Version: b.Versions[dev]})
	}
	if b.DeviceName != "" {
		sels = append(sels, merge.Selection{Device: b.DeviceName, Indices: b.Indices, Version: b.Version})
	}
	return merge.Coalesce(sels)
}

// CommitStaged handles POST /api/commit_staged.
func (h *SyncHandler) CommitStaged(c echo.Context) error {
	var body commitBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	sels, err := body.selections()
	if err != nil {
		return fail(c, err)
	}
	if len(sels) == 0 {
		return badRequest(c, "nothing selected")
	}
	res, err := h.Merger.Commit(c.Request().Context(), sels)
	for _, d := range res.Devices {
		h.Events.Emit(c.Request().Context(), queue.SyncEvent{
			Kind: queue.KindCommitted, Device: d.Device, Version: d.Version, Count: d.Counts.Applied(),
		})
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": fmt.Sprintf("committed %d items", res.Count),
		"count":   res.Count,
		"devices": res.Devices,
	})
}
