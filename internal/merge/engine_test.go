package merge

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
	"github.com/iliyamo/regimen-sync/internal/staging"
	"github.com/iliyamo/regimen-sync/internal/testutil"
)

type env struct {
	db         *sql.DB
	clock      *testutil.Clock
	inbox      *staging.Inbox
	engine     *Engine
	patients   *repository.PatientRepo
	milestones *repository.MilestoneRepo
	tombstones *repository.TombstoneRepo
	teams      *repository.TeamRepo
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock()
	e := &env{
		db:         db,
		clock:      clock,
		inbox:      staging.NewInbox(clock.Now),
		patients:   repository.NewPatientRepo(db),
		milestones: repository.NewMilestoneRepo(db),
		tombstones: repository.NewTombstoneRepo(db),
		teams:      repository.NewTeamRepo(db),
	}
	e.engine = NewEngine(db, e.patients, e.milestones, e.tombstones, e.teams, e.inbox, clock.Now)
	return e
}

func snap(uid, name string) model.PatientSnapshot {
	return model.PatientSnapshot{
		UID:    uid,
		Name:   name,
		Age:    40,
		Regime: "IR",
		Events: []model.MilestoneSnapshot{
			{Title: "Start", Start: "2024-01-01", OriginalStart: "2024-01-01", Outcome: "Start"},
			{Title: "M2", Start: "2024-02-28", OriginalStart: "2024-02-26", MissedDays: 2},
		},
	}
}

func (e *env) seed(t *testing.T, snaps ...model.PatientSnapshot) {
	t.Helper()
	if _, err := e.engine.Merge(context.Background(), ModeAppend, Payload{Patients: snaps}); err != nil {
		t.Fatal(err)
	}
}

func (e *env) count(t *testing.T) int {
	t.Helper()
	ps, err := e.patients.List(context.Background(), e.db, "")
	if err != nil {
		t.Fatal(err)
	}
	return len(ps)
}

func TestCommitAppliesOnlySelectedIndices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, snap("old-1", "Old One"), snap("old-2", "Old Two"))

	res, err := e.inbox.Stage(staging.Push{
		Device:   "tab-1",
		Patients: []model.PatientSnapshot{snap("n-0", "New Zero"), snap("n-1", "New One"), snap("n-2", "New Two")},
		Deleted:  []string{"old-1", "old-2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// 0 is the first record, 3 is the first tombstone (3 records + offset 0)
	out, err := e.engine.Commit(ctx, []Selection{{Device: "tab-1", Indices: []int{0, 3}, Version: res.Version}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2", out.Count)
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "n-0"); err != nil {
		t.Fatalf("n-0 not committed: %v", err)
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "old-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("old-1 should be deleted, got %v", err)
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "old-2"); err != nil {
		t.Fatalf("old-2 should remain: %v", err)
	}
	if ok, _ := e.tombstones.Exists(ctx, e.db, "old-1"); !ok {
		t.Fatal("tombstone for old-1 missing")
	}

	b, _ := e.inbox.Batch("tab-1")
	if len(b.Patients) != 2 || b.Patients[0].UID != "n-1" || b.Patients[1].UID != "n-2" {
		t.Fatalf("remaining records = %+v", b.Patients)
	}
	if len(b.Deleted) != 1 || b.Deleted[0] != "old-2" {
		t.Fatalf("remaining tombstones = %v", b.Deleted)
	}
	if b.Version <= res.Version {
		t.Fatalf("drain did not bump version: %d", b.Version)
	}
}

func TestCommitRejectsStaleVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.inbox.Stage(staging.Push{Device: "tab-1", Patients: []model.PatientSnapshot{snap("a", "Alpha")}})
	if err != nil {
		t.Fatal(err)
	}
	// the device pushes again after the reviewer loaded the diff
	if _, err := e.inbox.Stage(staging.Push{Device: "tab-1", Patients: []model.PatientSnapshot{snap("b", "Beta")}}); err != nil {
		t.Fatal(err)
	}

	_, err = e.engine.Commit(ctx, []Selection{{Device: "tab-1", Indices: []int{0}, Version: first.Version}})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
	if n := e.count(t); n != 0 {
		t.Fatalf("stale commit wrote %d patients", n)
	}
	if b, _ := e.inbox.Batch("tab-1"); len(b.Patients) != 1 || b.Patients[0].UID != "b" {
		t.Fatal("newer batch must be left intact")
	}
}

func TestUnversionedCommitAppliesToWhateverIsStaged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.inbox.Stage(staging.Push{Device: "tab-1", Patients: []model.PatientSnapshot{snap("a", "Alpha")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.inbox.Stage(staging.Push{Device: "tab-1", Patients: []model.PatientSnapshot{snap("b", "Beta")}}); err != nil {
		t.Fatal(err)
	}
	// a legacy client that reviewed "Alpha" at index 0 commits without a version
	if _, err := e.engine.Commit(ctx, []Selection{{Device: "tab-1", Indices: []int{0}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "b"); err != nil {
		t.Fatalf("index 0 of the replacing batch should have applied: %v", err)
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "a"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("the reviewed record was overwritten before commit and must not exist")
	}
}

func TestCommitAutoMergesTeamsAndMembers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.inbox.Stage(staging.Push{
		Device:   "tab-1",
		Patients: []model.PatientSnapshot{snap("a", "Alpha")},
		Teams:    []model.TeamSnapshot{{Slug: "north", Name: "North"}},
		Members:  []model.MembershipSnapshot{{TeamSlug: "north", DeviceID: "tab-1", UserName: "Ana", Status: model.StatusApproved}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.engine.Commit(ctx, []Selection{{Device: "tab-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Devices[0].Counts.Teams != 1 || out.Devices[0].Counts.Members != 1 {
		t.Fatalf("counts = %+v", out.Devices[0].Counts)
	}
	if _, err := e.teams.GetBySlug(ctx, e.db, "north"); err != nil {
		t.Fatal(err)
	}
	m, err := e.teams.GetMembership(ctx, e.db, "north", "tab-1")
	if err != nil || m.Role != model.RoleMember || !m.Approved() {
		t.Fatalf("membership = %+v, %v", m, err)
	}
	b, _ := e.inbox.Batch("tab-1")
	if len(b.Teams) != 0 || len(b.Members) != 0 {
		t.Fatal("teams and members must be cleared after commit")
	}
	if len(b.Patients) != 1 {
		t.Fatal("unselected record must stay staged")
	}
}

func TestTeamInsertIsAppendOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, name := range []string{"North", "Renamed"} {
		if _, err := e.engine.Merge(ctx, ModeAppend, Payload{Teams: []model.TeamSnapshot{{Slug: "north", Name: name}}}); err != nil {
			t.Fatal(err)
		}
	}
	team, err := e.teams.GetBySlug(ctx, e.db, "north")
	if err != nil {
		t.Fatal(err)
	}
	if team.Name != "North" {
		t.Fatalf("existing team overwritten: %s", team.Name)
	}
}

func TestMergeReplacesMilestoneSetAndKeepsLocalUID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, snap("local-uid", "Gita"))

	legacy := snap("", "Gita")
	legacy.Age = 41
	legacy.Events = legacy.Events[:1]
	c, err := e.engine.Merge(ctx, ModeAppend, Payload{Patients: []model.PatientSnapshot{legacy}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Updated != 1 || c.Added != 0 {
		t.Fatalf("counts = %+v", c)
	}
	p, err := e.patients.GetByUID(ctx, e.db, "local-uid")
	if err != nil {
		t.Fatal(err)
	}
	if p.Age != 41 {
		t.Fatalf("age = %d", p.Age)
	}
	ms, _ := e.milestones.ListByPatient(ctx, e.db, p.ID)
	if len(ms) != 1 {
		t.Fatalf("milestones = %d, want 1", len(ms))
	}
}

func TestMergeAssignsUIDToNewRecords(t *testing.T) {
	e := newEnv(t)
	e.seed(t, snap("", "Nameless"))
	ps, _ := e.patients.List(context.Background(), e.db, "")
	if len(ps) != 1 || ps[0].UID == "" {
		t.Fatalf("patients = %+v", ps)
	}
}

func TestTombstonePreventsResurrection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, snap("gone", "Hari"))

	if _, err := e.engine.Merge(ctx, ModeAppend, Payload{Deleted: []string{"gone"}}); err != nil {
		t.Fatal(err)
	}
	// a peer that never saw the delete sends its stale copy
	c, err := e.engine.Merge(ctx, ModeAppend, Payload{Patients: []model.PatientSnapshot{snap("gone", "Hari")}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Skipped != 1 || e.count(t) != 0 {
		t.Fatalf("stale copy resurrected: %+v", c)
	}
}

func TestTeamTombstoneCascades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inTeam := snap("t-1", "Team Patient")
	inTeam.TeamID = "north"
	e.seed(t, inTeam, snap("d-1", "Default Patient"))
	if _, err := e.engine.Merge(ctx, ModeAppend, Payload{
		Teams:   []model.TeamSnapshot{{Slug: "north", Name: "North"}},
		Members: []model.MembershipSnapshot{{TeamSlug: "north", DeviceID: "tab-1"}},
	}); err != nil {
		t.Fatal(err)
	}

	c, err := e.engine.Merge(ctx, ModeAppend, Payload{Deleted: []string{"team:north"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Deleted != 1 {
		t.Fatalf("deleted = %d", c.Deleted)
	}
	if _, err := e.teams.GetBySlug(ctx, e.db, "north"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("team row survived")
	}
	if ms, _ := e.teams.ListMembers(ctx, e.db, "north"); len(ms) != 0 {
		t.Fatal("memberships survived")
	}
	if e.count(t) != 1 {
		t.Fatal("only the team's patients may be deleted")
	}

	// later copies of the team and its patients are ignored
	c, err = e.engine.Merge(ctx, ModeAppend, Payload{
		Patients: []model.PatientSnapshot{inTeam},
		Teams:    []model.TeamSnapshot{{Slug: "north", Name: "North"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Skipped != 1 || c.Teams != 0 {
		t.Fatalf("disbanded team resurrected: %+v", c)
	}
}

func TestReplaceModeWipesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, snap("a", "Alpha"), snap("b", "Beta"))
	if _, err := e.engine.Merge(ctx, ModeAppend, Payload{Deleted: []string{"b"}}); err != nil {
		t.Fatal(err)
	}

	c, err := e.engine.Merge(ctx, ModeReplace, Payload{Patients: []model.PatientSnapshot{snap("b", "Beta")}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Added != 1 {
		t.Fatalf("counts = %+v", c)
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "a"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("replace kept old data")
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "b"); err != nil {
		t.Fatal("replace must clear tombstones so the adopted data applies")
	}
}

func TestMergeRejectsMalformedPayload(t *testing.T) {
	e := newEnv(t)
	bad := snap("x", "Broken")
	bad.Events[1].Start = "2024-13-40"
	_, err := e.engine.Merge(context.Background(), ModeAppend, Payload{Patients: []model.PatientSnapshot{snap("ok", "Fine"), bad}})
	if !errors.Is(err, repository.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if e.count(t) != 0 {
		t.Fatal("malformed payload partially applied")
	}
}

func TestCommitStopsAtFirstFailingDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.inbox.Stage(staging.Push{Device: "a-tab", Patients: []model.PatientSnapshot{snap("a", "Alpha")}}); err != nil {
		t.Fatal(err)
	}
	out, err := e.engine.Commit(ctx, []Selection{
		{Device: "a-tab", Indices: []int{0}},
		{Device: "b-missing", Indices: []int{0}},
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if len(out.Devices) != 1 || e.count(t) != 1 {
		t.Fatalf("first device should stay committed: %+v", out)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAppend, "APPEND": ModeAppend, "Replace": ModeReplace} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("merge"); !errors.Is(err, repository.ErrValidation) {
		t.Errorf("unknown mode accepted: %v", err)
	}
}

func TestMergeStampsUpdatedAt(t *testing.T) {
	e := newEnv(t)
	e.clock.Advance(time.Hour)
	e.seed(t, snap("a", "Alpha"))
	p, err := e.patients.GetByUID(context.Background(), e.db, "a")
	if err != nil {
		t.Fatal(err)
	}
	if p.UpdatedAt != e.clock.Now().UnixMilli() {
		t.Fatalf("updated_at = %d", p.UpdatedAt)
	}
}

func TestCommitCoalescesRepeatedDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res, err := e.inbox.Stage(staging.Push{
		Device:   "tab-1",
		Patients: []model.PatientSnapshot{snap("r-0", "Rec Zero"), snap("r-1", "Rec One"), snap("r-2", "Rec Two")},
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.engine.Commit(ctx, []Selection{
		{Device: "tab-1", Indices: []int{0}},
		{Device: "tab-1", Indices: []int{0}, Version: res.Version},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || len(out.Devices) != 1 || e.count(t) != 1 {
		t.Fatalf("count = %d, devices = %d, patients = %d", out.Count, len(out.Devices), e.count(t))
	}
	if _, err := e.patients.GetByUID(ctx, e.db, "r-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("unselected record was applied")
	}
	if b, _ := e.inbox.Batch("tab-1"); len(b.Patients) != 2 {
		t.Fatalf("remaining = %d", len(b.Patients))
	}
}

func TestCoalesce(t *testing.T) {
	got, err := Coalesce([]Selection{
		{Device: "b", Indices: []int{1}},
		{Device: "a", Indices: []int{0}, Version: 4},
		{Device: "b", Indices: []int{2}, Version: 7},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Device != "a" || got[1].Device != "b" {
		t.Fatalf("got %+v", got)
	}
	if got[1].Version != 7 || len(got[1].Indices) != 2 {
		t.Fatalf("b = %+v", got[1])
	}

	_, err = Coalesce([]Selection{{Device: "a", Version: 1}, {Device: "a", Version: 2}})
	if !errors.Is(err, repository.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestTombstoneForAbsentPatientCounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, snap("here", "Here"))

	c, err := e.engine.Merge(ctx, ModeAppend, Payload{Deleted: []string{"here", "never-seen"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Deleted != 1 || c.Tombstones != 2 || c.Applied() != 2 {
		t.Fatalf("counts = %+v", c)
	}
	if ok, _ := e.tombstones.Exists(ctx, e.db, "never-seen"); !ok {
		t.Fatal("tombstone not recorded")
	}
}
