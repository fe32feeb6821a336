// Package delta answers "what changed since T" for a pulling device.
package delta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
)

// Request selects what to export.  Since is Unix milliseconds; zero
// exports everything.
type Request struct {
	Team     string
	Since    int64
	DeviceID string
}

// Export is a delta snapshot.  Timestamp is the server time taken before
// reading, for use as the next Since.
type Export struct {
	Patients  []model.PatientSnapshot    `json:"data"`
	Deleted   []string                   `json:"deleted"`
	Teams     []model.TeamSnapshot       `json:"teams"`
	Members   []model.MembershipSnapshot `json:"members"`
	Timestamp string                     `json:"timestamp"`
	Since     int64                      `json:"since_ms"`
	ServerMS  int64                      `json:"timestamp_ms"`
}

// Exporter reads committed state.
type Exporter struct {
	db         *sql.DB
	patients   *repository.PatientRepo
	milestones *repository.MilestoneRepo
	tombstones *repository.TombstoneRepo
	teams      *repository.TeamRepo
	now        func() time.Time
}

// NewExporter returns an Exporter.  now defaults to time.Now.
func NewExporter(db *sql.DB, patients *repository.PatientRepo, milestones *repository.MilestoneRepo, tombstones *repository.TombstoneRepo, teams *repository.TeamRepo, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{db: db, patients: patients, milestones: milestones, tombstones: tombstones, teams: teams, now: now}
}

// Scoped reports whether team names a real team rather than the default
// partition.
func Scoped(team string) bool { return team != "" && team != model.DefaultTeam }

// Authorize checks that device may read team.  Unscoped exports need no
// membership.
func (x *Exporter) Authorize(ctx context.Context, team, deviceID string) error {
	if !Scoped(team) {
		return nil
	}
	if deviceID == "" {
		return fmt.Errorf("%w: device identity required for team %s", repository.ErrUnauthorized, team)
	}
	m, err := x.teams.GetMembership(ctx, x.db, team, deviceID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !m.Approved()) {
		return fmt.Errorf("%w: device is not an approved member of %s", repository.ErrUnauthorized, team)
	}
	return err
}

// Export returns every patient (with milestones), team and membership
// modified after req.Since plus every newer tombstone.  A patient counts as
// modified when its own row or any of its milestones changed.
func (x *Exporter) Export(ctx context.Context, req Request) (*Export, error) {
	if err := x.Authorize(ctx, req.Team, req.DeviceID); err != nil {
		return nil, err
	}
	// Checkpoint is taken before reading and backed off one millisecond so a
	// write landing in the same millisecond as the read is re-sent next pull.
	now := x.now().UTC().Add(-time.Millisecond)

	team := ""
	if Scoped(req.Team) {
		team = req.Team
	}
	ps, err := x.patients.ListChangedSince(ctx, x.db, req.Since, team)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	if err := x.milestones.Attach(ctx, x.db, ps); err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	tombs, err := x.tombstones.ListSince(ctx, x.db, req.Since)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	teams, err := x.teams.ListCreatedSince(ctx, x.db, req.Since, team)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	members, err := x.teams.ListMembersChangedSince(ctx, x.db, req.Since, team)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	out := &Export{
		Patients:  make([]model.PatientSnapshot, 0, len(ps)),
		Deleted:   make([]string, 0, len(tombs)),
		Teams:     make([]model.TeamSnapshot, 0, len(teams)),
		Members:   make([]model.MembershipSnapshot, 0, len(members)),
		Timestamp: now.Format(time.RFC3339Nano),
		Since:     req.Since,
		ServerMS:  now.UnixMilli(),
	}
	for _, p := range ps {
		out.Patients = append(out.Patients, p.Snapshot())
	}
	for _, t := range tombs {
		out.Deleted = append(out.Deleted, t.ID)
	}
	for _, t := range teams {
		out.Teams = append(out.Teams, t.Snapshot())
	}
	for _, m := range members {
		out.Members = append(out.Members, m.Snapshot())
	}
	return out, nil
}
