package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
)

// Status classifies a staged item against committed storage.
type Status string

const (
	StatusNew    Status = "NEW"
	StatusUpdate Status = "UPDATE"
	StatusSame   Status = "SAME"
	StatusDelete Status = "DELETE"
	StatusInfo   Status = "INFO"
)

// AllDevices selects the union of every device's batch.
const AllDevices = "all"

// Item is one row of the review list.  Index is the position in the flat
// commit index space of the device's batch; INFO items about teams and
// memberships have Index -1 because they merge on every commit.
type Item struct {
	Status       Status   `json:"status"`
	Name         string   `json:"name"`
	UID          string   `json:"uid,omitempty"`
	SourceDevice string   `json:"source_device"`
	Index        int      `json:"idx"`
	Version      uint64   `json:"version"`
	MatchedBy    string   `json:"matched_by,omitempty"`
	Changes      []string `json:"changes,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Differ computes review lists.  It never writes.
type Differ struct {
	db         *sql.DB
	inbox      *Inbox
	patients   *repository.PatientRepo
	milestones *repository.MilestoneRepo
	tombstones *repository.TombstoneRepo
	teams      *repository.TeamRepo
}

// NewDiffer returns a Differ over inbox and committed storage.
func NewDiffer(db *sql.DB, inbox *Inbox, patients *repository.PatientRepo, milestones *repository.MilestoneRepo, tombstones *repository.TombstoneRepo, teams *repository.TeamRepo) *Differ {
	return &Differ{db: db, inbox: inbox, patients: patients, milestones: milestones, tombstones: tombstones, teams: teams}
}

// Diff classifies the batch of device, or of every device when device is
// empty or AllDevices.  A device without a batch yields an empty list.
func (d *Differ) Diff(ctx context.Context, device string) ([]Item, error) {
	var batches []*Batch
	if device == "" || device == AllDevices {
		batches = d.inbox.Batches()
	} else if b, ok := d.inbox.Batch(device); ok {
		batches = []*Batch{b}
	}
	items := []Item{}
	for _, b := range batches {
		got, err := d.diffBatch(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", b.Device, err)
		}
		items = append(items, got...)
	}
	return items, nil
}

func (d *Differ) diffBatch(ctx context.Context, b *Batch) ([]Item, error) {
	var items []Item
	for i, snap := range b.Patients {
		it := Item{Name: snap.Name, UID: snap.UID, SourceDevice: b.Device, Index: i, Version: b.Version}
		if msg, err := d.suppressed(ctx, snap); err != nil {
			return nil, err
		} else if msg != "" {
			it.Status, it.Message = StatusInfo, msg
			items = append(items, it)
			continue
		}
		res, err := repository.ResolvePatient(ctx, d.db, d.patients, snap.UID, snap.Name)
		if err != nil {
			return nil, err
		}
		if res.Match == repository.MatchNone {
			it.Status = StatusNew
			items = append(items, it)
			continue
		}
		local := *res.Patient
		if local.Milestones, err = d.milestones.ListByPatient(ctx, d.db, local.ID); err != nil {
			return nil, err
		}
		it.MatchedBy = res.Match.String()
		it.Changes = Compare(local, snap)
		it.Status = StatusSame
		if len(it.Changes) > 0 {
			it.Status = StatusUpdate
		}
		items = append(items, it)
	}

	n := len(b.Patients)
	for j, id := range b.Deleted {
		it, ok, err := d.deleteItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		it.SourceDevice, it.Index, it.Version = b.Device, n+j, b.Version
		items = append(items, it)
	}

	for _, t := range b.Teams {
		items = append(items, Item{
			Status: StatusInfo, Name: t.Name, SourceDevice: b.Device, Index: -1, Version: b.Version,
			Message: "team " + t.Slug + " merges on commit",
		})
	}
	for _, m := range b.Members {
		items = append(items, Item{
			Status: StatusInfo, Name: m.UserName, SourceDevice: b.Device, Index: -1, Version: b.Version,
			Message: fmt.Sprintf("membership %s/%s %s merges on commit", m.TeamSlug, m.DeviceID, m.Status),
		})
	}
	return items, nil
}

// suppressed explains why a staged record will be skipped on commit, or
// returns "" when it will apply.
func (d *Differ) suppressed(ctx context.Context, snap model.PatientSnapshot) (string, error) {
	if snap.UID != "" {
		gone, err := d.tombstones.Exists(ctx, d.db, snap.UID)
		if err != nil {
			return "", err
		}
		if gone {
			return "patient was deleted here; commit will skip it", nil
		}
	}
	if snap.TeamID != "" && snap.TeamID != model.DefaultTeam {
		gone, err := d.tombstones.Exists(ctx, d.db, model.TeamTombstonePrefix+snap.TeamID)
		if err != nil {
			return "", err
		}
		if gone {
			return "team " + snap.TeamID + " was disbanded; commit will skip it", nil
		}
	}
	return "", nil
}

// deleteItem surfaces a tombstone only when it would remove something.
func (d *Differ) deleteItem(ctx context.Context, id string) (Item, bool, error) {
	if slug, ok := strings.CutPrefix(id, model.TeamTombstonePrefix); ok {
		t, err := d.teams.GetBySlug(ctx, d.db, slug)
		if errors.Is(err, repository.ErrNotFound) {
			return Item{}, false, nil
		}
		if err != nil {
			return Item{}, false, err
		}
		return Item{Status: StatusDelete, Name: t.Name, UID: id, Message: "disbands team " + slug}, true, nil
	}
	p, err := d.patients.GetByUID(ctx, d.db, id)
	if errors.Is(err, repository.ErrNotFound) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return Item{Status: StatusDelete, Name: p.Name, UID: id}, true, nil
}

// Compare lists the fields where a staged snapshot differs from a local
// patient.  Milestones are compared pairwise after ordering both sides by
// baseline date; ties keep their original order.
func Compare(local model.Patient, snap model.PatientSnapshot) []string {
	var changes []string
	add := func(field string, differ bool) {
		if differ {
			changes = append(changes, field)
		}
	}
	add("name", local.Name != snap.Name)
	add("age", local.Age != snap.Age)
	add("sex", local.Sex != snap.Sex)
	add("address", local.Address != snap.Address)
	add("regime", local.Regime != snap.Regime)
	add("team_id", local.TeamID != snap.TeamID)
	add("remark", local.Remark != snap.Remark)

	mine := make([]model.MilestoneSnapshot, 0, len(local.Milestones))
	for _, m := range local.Milestones {
		mine = append(mine, m.Snapshot())
	}
	theirs := append([]model.MilestoneSnapshot(nil), snap.Events...)
	byBaseline := func(s []model.MilestoneSnapshot) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].OriginalStart < s[j].OriginalStart })
	}
	byBaseline(mine)
	byBaseline(theirs)

	if len(mine) != len(theirs) {
		return append(changes, "events")
	}
	for i := range mine {
		a, b := mine[i], theirs[i]
		if a.Title != b.Title || a.Start != b.Start || a.OriginalStart != b.OriginalStart ||
			a.MissedDays != b.MissedDays || a.Remark != b.Remark || a.Outcome != b.Outcome {
			return append(changes, "events")
		}
	}
	return changes
}
