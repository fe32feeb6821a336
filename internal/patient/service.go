// Package patient creates and removes patients and renders the calendar
// feed of their milestones.
package patient

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
	"github.com/iliyamo/regimen-sync/internal/schedule"
)

// Tombstoner deletes what a tombstone id names and records the tombstone.
type Tombstoner interface {
	ApplyTombstone(ctx context.Context, tx *sql.Tx, id string) (int, error)
}

// Service owns patient lifecycle outside of sync.
type Service struct {
	db         *sql.DB
	patients   *repository.PatientRepo
	milestones *repository.MilestoneRepo
	generator  *schedule.Generator
	tombstoner Tombstoner
	now        func() time.Time
}

// NewService returns a Service.  now defaults to time.Now.
func NewService(db *sql.DB, patients *repository.PatientRepo, milestones *repository.MilestoneRepo, generator *schedule.Generator, tombstoner Tombstoner, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, patients: patients, milestones: milestones, generator: generator, tombstoner: tombstoner, now: now}
}

// NewPatient is the input for Create.  StartDate is YYYY-MM-DD.
type NewPatient struct {
	Name      string `json:"name" form:"name"`
	Age       int    `json:"age" form:"age"`
	Sex       string `json:"sex" form:"sex"`
	Address   string `json:"address" form:"address"`
	Regime    string `json:"regime" form:"regime"`
	Remark    string `json:"remark" form:"remark"`
	TeamID    string `json:"team_id" form:"team_id"`
	StartDate string `json:"start_date" form:"start_date"`
}

// Create stores a patient with a fresh uid, a palette color and the
// regimen's generated milestones.
func (s *Service) Create(ctx context.Context, in NewPatient) (*model.Patient, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", repository.ErrValidation)
	}
	if in.Age < 0 {
		return nil, fmt.Errorf("%w: age must not be negative", repository.ErrValidation)
	}
	start, err := model.ParseDate(in.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date must be YYYY-MM-DD", repository.ErrValidation)
	}
	if in.TeamID == "" {
		in.TeamID = model.DefaultTeam
	}

	p := model.Patient{
		UID:       uuid.NewString(),
		TeamID:    in.TeamID,
		Name:      in.Name,
		Age:       in.Age,
		Sex:       in.Sex,
		Address:   in.Address,
		Regime:    strings.ToUpper(strings.TrimSpace(in.Regime)),
		Remark:    in.Remark,
		UpdatedAt: s.now().UnixMilli(),
	}
	p.Milestones = s.generator.Milestones(p.Regime, start)
	for i := range p.Milestones {
		p.Milestones[i].Remark = in.Remark
	}
	snap := p.Snapshot()
	if err := snap.Normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrValidation, err)
	}

	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		used, err := s.patients.Colors(ctx, tx)
		if err != nil {
			return err
		}
		p.Color = schedule.PickColor(used, rand.IntN)
		if err := s.patients.Insert(ctx, tx, &p); err != nil {
			return err
		}
		return s.milestones.InsertAll(ctx, tx, p.ID, p.Milestones, p.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes a patient by local id and records its tombstone so the
// deletion reaches other devices.  It returns the deleted uid.
func (s *Service) Delete(ctx context.Context, id int64) (string, error) {
	var uid string
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := s.patients.GetByID(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("patient %d: %w", id, err)
		}
		uid = p.UID
		_, err = s.tombstoner.ApplyTombstone(ctx, tx, p.UID)
		return err
	})
	return uid, err
}

// Get returns a patient with its milestones.
func (s *Service) Get(ctx context.Context, id int64) (*model.Patient, error) {
	p, err := s.patients.GetByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if p.Milestones, err = s.milestones.ListByPatient(ctx, s.db, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// CalendarEvent is one milestone rendered for a calendar view.
type CalendarEvent struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Start         string `json:"start"`
	Color         string `json:"color"`
	PatientID     int64  `json:"patient_id"`
	PatientUID    string `json:"patient_uid"`
	Name          string `json:"name"`
	Age           int    `json:"age"`
	Sex           string `json:"sex"`
	Address       string `json:"address"`
	Regime        string `json:"regime"`
	TeamID        string `json:"team_id"`
	Milestone     string `json:"milestone"`
	OriginalStart string `json:"original_start"`
	MissedDays    int    `json:"missed_days"`
	Remark        string `json:"remark"`
	Outcome       string `json:"outcome"`
	Terminal      bool   `json:"terminal"`
}

// Calendar returns every milestone as a calendar event, optionally limited
// to one team.
func (s *Service) Calendar(ctx context.Context, team string) ([]CalendarEvent, error) {
	ps, err := s.patients.List(ctx, s.db, team)
	if err != nil {
		return nil, err
	}
	if err := s.milestones.Attach(ctx, s.db, ps); err != nil {
		return nil, err
	}
	out := []CalendarEvent{}
	for _, p := range ps {
		for _, m := range p.Milestones {
			out = append(out, CalendarEvent{
				ID:            m.ID,
				Title:         p.Name + " - " + m.Title,
				Start:         m.Start,
				Color:         p.Color,
				PatientID:     p.ID,
				PatientUID:    p.UID,
				Name:          p.Name,
				Age:           p.Age,
				Sex:           p.Sex,
				Address:       p.Address,
				Regime:        p.Regime,
				TeamID:        p.TeamID,
				Milestone:     m.Title,
				OriginalStart: m.Baseline,
				MissedDays:    m.MissedDays,
				Remark:        m.Remark,
				Outcome:       m.Outcome,
				Terminal:      model.IsTerminal(m.Title),
			})
		}
	}
	return out, nil
}
