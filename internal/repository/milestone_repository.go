package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// MilestoneRepo provides data access to the milestones table.  Lists are
// ordered by baseline date with the row id as the tie breaker so equal
// dates keep insertion order.
type MilestoneRepo struct {
	db *sql.DB
}

// NewMilestoneRepo returns a new MilestoneRepo bound to the provided database.
func NewMilestoneRepo(db *sql.DB) *MilestoneRepo { return &MilestoneRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions.
func (r *MilestoneRepo) DB() *sql.DB { return r.db }

const milestoneColumns = `id, patient_id, title, start_date, baseline_date, missed_days, remark, outcome, updated_at`

func scanMilestone(s rowScanner) (model.Milestone, error) {
	var m model.Milestone
	err := s.Scan(&m.ID, &m.PatientID, &m.Title, &m.Start, &m.Baseline, &m.MissedDays, &m.Remark, &m.Outcome, &m.UpdatedAt)
	return m, err
}

func (r *MilestoneRepo) query(ctx context.Context, q Querier, query string, args ...any) ([]model.Milestone, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetByID returns a milestone by id or ErrNotFound.
func (r *MilestoneRepo) GetByID(ctx context.Context, q Querier, id int64) (*model.Milestone, error) {
	m, err := scanMilestone(q.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByPatient returns the milestones of one patient.
func (r *MilestoneRepo) ListByPatient(ctx context.Context, q Querier, patientID int64) ([]model.Milestone, error) {
	return r.query(ctx, q, `SELECT `+milestoneColumns+` FROM milestones WHERE patient_id = ? ORDER BY baseline_date, id`, patientID)
}

// ListLaterSiblings returns the milestones of a patient whose baseline date
// is strictly after baseline, excluding the milestone with id exclude.
func (r *MilestoneRepo) ListLaterSiblings(ctx context.Context, q Querier, patientID int64, baseline string, exclude int64) ([]model.Milestone, error) {
	return r.query(ctx, q,
		`SELECT `+milestoneColumns+` FROM milestones
		 WHERE patient_id = ? AND id <> ? AND baseline_date > ?
		 ORDER BY baseline_date, id`, patientID, exclude, baseline)
}

// Attach loads the milestones of every patient in ps.
func (r *MilestoneRepo) Attach(ctx context.Context, q Querier, ps []model.Patient) error {
	const chunk = 200
	index := make(map[int64]int, len(ps))
	for i := range ps {
		index[ps[i].ID] = i
		ps[i].Milestones = []model.Milestone{}
	}
	for start := 0; start < len(ps); start += chunk {
		end := min(start+chunk, len(ps))
		args := make([]any, 0, end-start)
		for _, p := range ps[start:end] {
			args = append(args, p.ID)
		}
		ms, err := r.query(ctx, q,
			`SELECT `+milestoneColumns+` FROM milestones WHERE patient_id IN (`+placeholders(len(args))+`)
			 ORDER BY patient_id, baseline_date, id`, args...)
		if err != nil {
			return err
		}
		for _, m := range ms {
			i := index[m.PatientID]
			ps[i].Milestones = append(ps[i].Milestones, m)
		}
	}
	return nil
}

// InsertAll stores ms for a patient, stamping each with updatedAt.
func (r *MilestoneRepo) InsertAll(ctx context.Context, q Querier, patientID int64, ms []model.Milestone, updatedAt int64) error {
	for i := range ms {
		res, err := q.ExecContext(ctx,
			`INSERT INTO milestones (patient_id, title, start_date, baseline_date, missed_days, remark, outcome, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			patientID, ms[i].Title, ms[i].Start, ms[i].Baseline, ms[i].MissedDays, ms[i].Remark, ms[i].Outcome, updatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		ms[i].ID = id
		ms[i].PatientID = patientID
		ms[i].UpdatedAt = updatedAt
	}
	return nil
}

// Update writes every mutable column of m.
func (r *MilestoneRepo) Update(ctx context.Context, q Querier, m model.Milestone) error {
	_, err := q.ExecContext(ctx,
		`UPDATE milestones SET title = ?, start_date = ?, baseline_date = ?, missed_days = ?, remark = ?, outcome = ?, updated_at = ?
		 WHERE id = ?`,
		m.Title, m.Start, m.Baseline, m.MissedDays, m.Remark, m.Outcome, m.UpdatedAt, m.ID)
	return err
}

// DeleteByPatient removes all milestones of a patient.
func (r *MilestoneRepo) DeleteByPatient(ctx context.Context, q Querier, patientID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM milestones WHERE patient_id = ?`, patientID)
	return err
}
