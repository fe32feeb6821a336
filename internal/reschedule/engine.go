// Package reschedule applies missed-day edits to a milestone and ripples
// the resulting shift through the patient's later milestones.
package reschedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
)

// Edit is an operator change to one milestone.
type Edit struct {
	MilestoneID int64
	MissedDays  int
	Remark      string
	Outcome     string
}

// Result describes an applied edit.
type Result struct {
	Milestone model.Milestone
	Delta     int // change in missed days
	Shifted   int // number of later milestones moved
}

// Engine applies edits transactionally.
type Engine struct {
	db         *sql.DB
	milestones *repository.MilestoneRepo
	now        func() time.Time
}

// NewEngine returns an Engine.  now defaults to time.Now.
func NewEngine(db *sql.DB, milestones *repository.MilestoneRepo, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, milestones: milestones, now: now}
}

// Apply validates the edit and writes it.  The edited milestone's current
// date becomes baseline + missed days.  When missed days changed by delta,
// every other milestone of the patient with a strictly later baseline date
// moves by delta on both its current and baseline date.  Milestones sharing
// the edited baseline date are not moved.  Negative missed days record a
// visit held early.  Nothing is written when any step fails.
func (e *Engine) Apply(ctx context.Context, edit Edit) (Result, error) {
	var res Result
	err := repository.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		m, err := e.milestones.GetByID(ctx, tx, edit.MilestoneID)
		if err != nil {
			return fmt.Errorf("milestone %d: %w", edit.MilestoneID, err)
		}
		if err := model.CheckOutcome(m.Title, edit.Outcome); err != nil {
			return fmt.Errorf("%w: %v", repository.ErrValidation, err)
		}
		now := e.now().UnixMilli()
		delta := edit.MissedDays - m.MissedDays

		m.MissedDays = edit.MissedDays
		m.Remark = edit.Remark
		m.Outcome = edit.Outcome
		if m.Start, err = model.AddDays(m.Baseline, m.MissedDays); err != nil {
			return fmt.Errorf("milestone %d baseline: %w", m.ID, err)
		}
		m.UpdatedAt = now
		if err := e.milestones.Update(ctx, tx, *m); err != nil {
			return err
		}

		res = Result{Milestone: *m, Delta: delta}
		if delta == 0 {
			return nil
		}
		later, err := e.milestones.ListLaterSiblings(ctx, tx, m.PatientID, m.Baseline, m.ID)
		if err != nil {
			return err
		}
		for _, s := range later {
			if s.Baseline, err = model.AddDays(s.Baseline, delta); err != nil {
				return fmt.Errorf("milestone %d baseline: %w", s.ID, err)
			}
			if s.Start, err = model.AddDays(s.Start, delta); err != nil {
				return fmt.Errorf("milestone %d start: %w", s.ID, err)
			}
			s.UpdatedAt = now
			if err := e.milestones.Update(ctx, tx, s); err != nil {
				return err
			}
		}
		res.Shifted = len(later)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
