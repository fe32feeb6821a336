// Package merge applies peer data to committed storage.  Direct merges
// apply a whole payload; commits apply operator-selected items of a staged
// batch.  Both run the same per-item rules.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
	"github.com/iliyamo/regimen-sync/internal/staging"
)

// Mode selects how a direct merge treats existing data.
type Mode string

const (
	// ModeAppend merges the payload into existing data.
	ModeAppend Mode = "append"
	// ModeReplace wipes all committed data, tombstones included, first.
	ModeReplace Mode = "replace"
)

// ParseMode accepts append or replace in any case; empty means append.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeAppend):
		return ModeAppend, nil
	case string(ModeReplace):
		return ModeReplace, nil
	}
	return "", fmt.Errorf("%w: unknown merge mode %q", repository.ErrValidation, s)
}

// Payload is a set of peer changes.
type Payload struct {
	Patients []model.PatientSnapshot
	Deleted  []string
	Teams    []model.TeamSnapshot
	Members  []model.MembershipSnapshot
}

// Counts summarises what an apply changed.  Deleted counts patients
// removed; Tombstones counts tombstone items applied, whether or not
// anything was left to delete.
type Counts struct {
	Added      int `json:"added"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Tombstones int `json:"tombstones"`
	Skipped    int `json:"skipped"`
	Teams      int `json:"teams"`
	Members    int `json:"members"`
}

// Applied is the number of selected records and tombstones that were
// processed, skipped ones excluded.
func (c Counts) Applied() int { return c.Added + c.Updated + c.Tombstones }

func (c *Counts) add(o Counts) {
	c.Added += o.Added
	c.Updated += o.Updated
	c.Deleted += o.Deleted
	c.Tombstones += o.Tombstones
	c.Skipped += o.Skipped
	c.Teams += o.Teams
	c.Members += o.Members
}

// Engine applies payloads inside transactions.
type Engine struct {
	db         *sql.DB
	patients   *repository.PatientRepo
	milestones *repository.MilestoneRepo
	tombstones *repository.TombstoneRepo
	teams      *repository.TeamRepo
	inbox      *staging.Inbox
	now        func() time.Time
	newUID     func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine returns an Engine.  now defaults to time.Now.
func NewEngine(db *sql.DB, patients *repository.PatientRepo, milestones *repository.MilestoneRepo, tombstones *repository.TombstoneRepo, teams *repository.TeamRepo, inbox *staging.Inbox, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:         db,
		patients:   patients,
		milestones: milestones,
		tombstones: tombstones,
		teams:      teams,
		inbox:      inbox,
		now:        now,
		newUID:     uuid.NewString,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (e *Engine) deviceLock(device string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[device]
	if !ok {
		l = &sync.Mutex{}
		e.locks[device] = l
	}
	return l
}

// Merge applies a whole payload in one transaction.  In replace mode all
// committed data is wiped first.
func (e *Engine) Merge(ctx context.Context, mode Mode, p Payload) (Counts, error) {
	if err := staging.Normalize(p.Patients, p.Deleted, p.Teams, p.Members); err != nil {
		return Counts{}, err
	}
	var c Counts
	err := repository.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if mode == ModeReplace {
			if err := e.wipe(ctx, tx); err != nil {
				return fmt.Errorf("wipe: %w", err)
			}
		}
		var err error
		c, err = e.apply(ctx, tx, p)
		return err
	})
	return c, err
}

func (e *Engine) wipe(ctx context.Context, tx *sql.Tx) error {
	if err := e.patients.Wipe(ctx, tx); err != nil {
		return err
	}
	if err := e.teams.Wipe(ctx, tx); err != nil {
		return err
	}
	return e.tombstones.Wipe(ctx, tx)
}

// Selection picks items of one device's staged batch.  Indices below the
// batch's record count address records; the rest address tombstones offset
// by that count.  A non-zero Version must equal the batch version.
type Selection struct {
	Device  string
	Indices []int
	Version uint64
}

// Coalesce folds selections naming the same device into one with the union
// of their indices, so every index still addresses the batch as reviewed.
// Two different non-zero versions for one device are a validation error.
// The result is sorted by device.
func Coalesce(sels []Selection) ([]Selection, error) {
	pos := make(map[string]int, len(sels))
	var out []Selection
	for _, s := range sels {
		i, ok := pos[s.Device]
		if !ok {
			pos[s.Device] = len(out)
			out = append(out, Selection{Device: s.Device, Indices: append([]int(nil), s.Indices...), Version: s.Version})
			continue
		}
		cur := &out[i]
		if s.Version != 0 && cur.Version != 0 && s.Version != cur.Version {
			return nil, fmt.Errorf("%w: device %s selected at versions %d and %d", repository.ErrValidation, s.Device, cur.Version, s.Version)
		}
		if cur.Version == 0 {
			cur.Version = s.Version
		}
		cur.Indices = append(cur.Indices, s.Indices...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

// DeviceResult reports the commit of one device's batch.
type DeviceResult struct {
	Device  string `json:"device"`
	Counts  Counts `json:"counts"`
	Version uint64 `json:"version"`
}

// CommitResult aggregates a commit across devices.
type CommitResult struct {
	Count   int            `json:"count"`
	Devices []DeviceResult `json:"devices"`
}

// Commit applies selections device by device in name order, one
// transaction per device.  Selections for the same device are coalesced
// first.  All supplied versions are checked before any write.  Processing stops at the first failing device; devices committed
// before it stay committed.
func (e *Engine) Commit(ctx context.Context, sels []Selection) (CommitResult, error) {
	sels, err := Coalesce(sels)
	if err != nil {
		return CommitResult{}, err
	}
	for _, s := range sels {
		if err := e.inbox.CheckVersion(s.Device, s.Version); err != nil {
			return CommitResult{}, err
		}
	}
	res := CommitResult{Devices: []DeviceResult{}}
	for _, s := range sels {
		dr, err := e.commitDevice(ctx, s)
		if err != nil {
			return res, fmt.Errorf("commit %s: %w", s.Device, err)
		}
		res.Count += dr.Counts.Applied()
		res.Devices = append(res.Devices, dr)
	}
	return res, nil
}

func (e *Engine) commitDevice(ctx context.Context, s Selection) (DeviceResult, error) {
	l := e.deviceLock(s.Device)
	l.Lock()
	defer l.Unlock()

	b, ok := e.inbox.Batch(s.Device)
	if !ok {
		return DeviceResult{}, fmt.Errorf("%w: no staged batch for %s", repository.ErrNotFound, s.Device)
	}
	if s.Version != 0 && b.Version != s.Version {
		return DeviceResult{}, fmt.Errorf("%w: batch for %s is at version %d, reviewed %d", repository.ErrConflict, s.Device, b.Version, s.Version)
	}

	p := Payload{Teams: b.Teams, Members: b.Members}
	n := len(b.Patients)
	seen := make(map[int]bool, len(s.Indices))
	for _, idx := range s.Indices {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		switch {
		case idx < 0:
		case idx < n:
			p.Patients = append(p.Patients, b.Patients[idx])
		case idx-n < len(b.Deleted):
			p.Deleted = append(p.Deleted, b.Deleted[idx-n])
		}
	}

	var c Counts
	err := repository.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		c, err = e.apply(ctx, tx, p)
		return err
	})
	if err != nil {
		return DeviceResult{}, err
	}

	version, err := e.inbox.Drain(s.Device, b.Version, s.Indices)
	if errors.Is(err, repository.ErrConflict) {
		// a push replaced the batch while we were writing; the new batch is
		// left for review untouched
		slog.Warn("staged batch replaced during commit", "device", s.Device, "version", b.Version)
		cur, _ := e.inbox.Batch(s.Device)
		if cur != nil {
			version = cur.Version
		}
	} else if err != nil {
		return DeviceResult{}, err
	}
	return DeviceResult{Device: s.Device, Counts: c, Version: version}, nil
}

// apply runs the per-item rules: teams and memberships first, then
// records, then tombstones.
func (e *Engine) apply(ctx context.Context, tx *sql.Tx, p Payload) (Counts, error) {
	var c Counts
	now := e.now().UnixMilli()

	for _, ts := range p.Teams {
		gone, err := e.tombstones.Exists(ctx, tx, model.TeamTombstonePrefix+ts.Slug)
		if err != nil {
			return c, err
		}
		if gone {
			continue
		}
		t := ts.Team()
		t.CreatedAt = now
		created, err := e.teams.Ensure(ctx, tx, &t)
		if err != nil {
			return c, fmt.Errorf("team %s: %w", ts.Slug, err)
		}
		if created {
			c.Teams++
		}
	}
	for _, ms := range p.Members {
		gone, err := e.tombstones.Exists(ctx, tx, model.TeamTombstonePrefix+ms.TeamSlug)
		if err != nil {
			return c, err
		}
		if gone {
			continue
		}
		m := ms.Membership()
		m.UpdatedAt = now
		if err := e.teams.UpsertMembership(ctx, tx, &m); err != nil {
			return c, fmt.Errorf("membership %s/%s: %w", ms.TeamSlug, ms.DeviceID, err)
		}
		c.Members++
	}
	for _, snap := range p.Patients {
		rc, err := e.applyRecord(ctx, tx, snap, now)
		if err != nil {
			return c, fmt.Errorf("record %q: %w", snap.Name, err)
		}
		c.add(rc)
	}
	for _, id := range p.Deleted {
		n, err := e.applyTombstone(ctx, tx, id, now)
		if err != nil {
			return c, fmt.Errorf("tombstone %q: %w", id, err)
		}
		c.Deleted += n
		c.Tombstones++
	}
	return c, nil
}

func (e *Engine) applyRecord(ctx context.Context, tx *sql.Tx, snap model.PatientSnapshot, now int64) (Counts, error) {
	if snap.UID != "" {
		gone, err := e.tombstones.Exists(ctx, tx, snap.UID)
		if err != nil || gone {
			return Counts{Skipped: 1}, err
		}
	}
	if snap.TeamID != "" && snap.TeamID != model.DefaultTeam {
		gone, err := e.tombstones.Exists(ctx, tx, model.TeamTombstonePrefix+snap.TeamID)
		if err != nil || gone {
			return Counts{Skipped: 1}, err
		}
	}

	res, err := repository.ResolvePatient(ctx, tx, e.patients, snap.UID, snap.Name)
	if err != nil {
		return Counts{}, err
	}
	incoming := snap.Patient()
	incoming.UpdatedAt = now

	if res.Match != repository.MatchNone {
		local := res.Patient
		incoming.ID = local.ID
		incoming.UID = local.UID
		if incoming.Color == "" {
			incoming.Color = local.Color
		}
		if err := e.patients.Update(ctx, tx, incoming); err != nil {
			return Counts{}, err
		}
		if err := e.milestones.DeleteByPatient(ctx, tx, local.ID); err != nil {
			return Counts{}, err
		}
		if err := e.milestones.InsertAll(ctx, tx, local.ID, incoming.Milestones, now); err != nil {
			return Counts{}, err
		}
		return Counts{Updated: 1}, nil
	}

	if incoming.UID == "" {
		incoming.UID = e.newUID()
	}
	if err := e.patients.Insert(ctx, tx, &incoming); err != nil {
		return Counts{}, err
	}
	if err := e.milestones.InsertAll(ctx, tx, incoming.ID, incoming.Milestones, now); err != nil {
		return Counts{}, err
	}
	return Counts{Added: 1}, nil
}

// ApplyTombstone deletes what id names inside tx and records the
// tombstone.  A "team:" id removes the team's patients, memberships and
// team row.  It returns the number of patients deleted.
func (e *Engine) ApplyTombstone(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	return e.applyTombstone(ctx, tx, id, e.now().UnixMilli())
}

func (e *Engine) applyTombstone(ctx context.Context, q repository.Querier, id string, now int64) (int, error) {
	deleted := 0
	if slug, ok := strings.CutPrefix(id, model.TeamTombstonePrefix); ok {
		n, err := e.patients.DeleteByTeam(ctx, q, slug)
		if err != nil {
			return 0, err
		}
		if err := e.teams.Delete(ctx, q, slug); err != nil {
			return 0, err
		}
		deleted = n
	} else {
		p, err := e.patients.GetByUID(ctx, q, id)
		switch {
		case err == nil:
			if err := e.patients.Delete(ctx, q, p.ID); err != nil {
				return 0, err
			}
			deleted = 1
		case !errors.Is(err, repository.ErrNotFound):
			return 0, err
		}
	}
	if _, err := e.tombstones.Ensure(ctx, q, id, now); err != nil {
		return 0, err
	}
	return deleted, nil
}
