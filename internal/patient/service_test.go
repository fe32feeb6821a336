package patient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iliyamo/regimen-sync/internal/delta"
	"github.com/iliyamo/regimen-sync/internal/merge"
	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
	"github.com/iliyamo/regimen-sync/internal/schedule"
	"github.com/iliyamo/regimen-sync/internal/staging"
	"github.com/iliyamo/regimen-sync/internal/testutil"
)

func TestCreateDeleteTombstonePropagates(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	clock := testutil.NewClock()
	patients := repository.NewPatientRepo(db)
	milestones := repository.NewMilestoneRepo(db)
	tombstones := repository.NewTombstoneRepo(db)
	teams := repository.NewTeamRepo(db)
	engine := merge.NewEngine(db, patients, milestones, tombstones, teams, staging.NewInbox(clock.Now), clock.Now)
	svc := NewService(db, patients, milestones, schedule.NewGenerator(nil), engine, clock.Now)
	exporter := delta.NewExporter(db, patients, milestones, tombstones, teams, clock.Now)

	p, err := svc.Create(ctx, NewPatient{Name: "Kiran", Age: 33, Regime: "ir", Remark: "smear+", StartDate: "2024-01-01"})
	if err != nil {
		t.Fatal(err)
	}
	if p.UID == "" || p.Color != schedule.Palette[0] || p.Regime != "IR" {
		t.Fatalf("created = %+v", p)
	}
	got, err := svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Milestones) != 4 || got.Milestones[1].Remark != "smear+" {
		t.Fatalf("milestones = %+v", got.Milestones)
	}

	second, err := svc.Create(ctx, NewPatient{Name: "Joy", StartDate: "2024-02-01"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Color != schedule.Palette[1] {
		t.Fatalf("second color = %s", second.Color)
	}

	before := clock.Now().UnixMilli()
	clock.Advance(time.Second)
	uid, err := svc.Delete(ctx, p.ID)
	if err != nil || uid != p.UID {
		t.Fatalf("delete = %q, %v", uid, err)
	}
	if _, err := svc.Get(ctx, p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("patient still present: %v", err)
	}

	out, err := exporter.Export(ctx, delta.Request{Since: before})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Deleted) != 1 || out.Deleted[0] != p.UID {
		t.Fatalf("tombstones = %v", out.Deleted)
	}

	events, err := svc.Calendar(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Title != "Joy - Start" {
		t.Fatalf("calendar = %+v", events)
	}
}

func TestCreateValidates(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db, repository.NewPatientRepo(db), repository.NewMilestoneRepo(db), schedule.NewGenerator(nil), nil, nil)
	for _, in := range []NewPatient{
		{Name: "", StartDate: "2024-01-01"},
		{Name: "A", StartDate: "yesterday"},
		{Name: "A", Age: -1, StartDate: "2024-01-01"},
		{Name: strings.Repeat("n", model.MaxNameLen+1), StartDate: "2024-01-01"},
		{Name: "A", Sex: "not-a-short-value", StartDate: "2024-01-01"},
	} {
		if _, err := svc.Create(context.Background(), in); !errors.Is(err, repository.ErrValidation) {
			t.Errorf("%+v: want validation error, got %v", in, err)
		}
	}
}
