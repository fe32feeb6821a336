package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// PatientRepo provides data access to the patients table.  Milestones are
// loaded through MilestoneRepo; methods that return full records say so.
type PatientRepo struct {
	db *sql.DB
}

// NewPatientRepo returns a new PatientRepo bound to the provided database.
func NewPatientRepo(db *sql.DB) *PatientRepo { return &PatientRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions.
func (r *PatientRepo) DB() *sql.DB { return r.db }

const patientColumns = `id, uid, team_id, name, age, sex, address, regime, remark, color, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(s rowScanner) (model.Patient, error) {
	var p model.Patient
	err := s.Scan(&p.ID, &p.UID, &p.TeamID, &p.Name, &p.Age, &p.Sex, &p.Address, &p.Regime, &p.Remark, &p.Color, &p.UpdatedAt)
	return p, err
}

func (r *PatientRepo) queryPatients(ctx context.Context, q Querier, query string, args ...any) ([]model.Patient, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PatientRepo) getOne(ctx context.Context, q Querier, where string, arg any) (*model.Patient, error) {
	row := q.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE `+where+` ORDER BY id LIMIT 1`, arg)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns the patient with the given local id or ErrNotFound.
func (r *PatientRepo) GetByID(ctx context.Context, q Querier, id int64) (*model.Patient, error) {
	return r.getOne(ctx, q, `id = ?`, id)
}

// GetByUID returns the patient with the given uid or ErrNotFound.
func (r *PatientRepo) GetByUID(ctx context.Context, q Querier, uid string) (*model.Patient, error) {
	return r.getOne(ctx, q, `uid = ?`, uid)
}

// FindByName returns the oldest patient with exactly this name or
// ErrNotFound.
func (r *PatientRepo) FindByName(ctx context.Context, q Querier, name string) (*model.Patient, error) {
	return r.getOne(ctx, q, `name = ?`, name)
}

// Insert stores a new patient row and sets p.ID.  p.UID must be set.
func (r *PatientRepo) Insert(ctx context.Context, q Querier, p *model.Patient) error {
	if p.UID == "" {
		return fmt.Errorf("%w: patient uid is required", ErrValidation)
	}
	if p.TeamID == "" {
		p.TeamID = model.DefaultTeam
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO patients (uid, team_id, name, age, sex, address, regime, remark, color, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UID, p.TeamID, p.Name, p.Age, p.Sex, p.Address, p.Regime, p.Remark, p.Color, p.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

// Update overwrites the descriptive fields of the patient with id p.ID.
// The uid is never changed.  Callers load the row first; MySQL reports
// zero affected rows for no-op updates so the count is not checked.
func (r *PatientRepo) Update(ctx context.Context, q Querier, p model.Patient) error {
	if p.TeamID == "" {
		p.TeamID = model.DefaultTeam
	}
	_, err := q.ExecContext(ctx,
		`UPDATE patients SET team_id = ?, name = ?, age = ?, sex = ?, address = ?, regime = ?, remark = ?, color = ?, updated_at = ?
		 WHERE id = ?`,
		p.TeamID, p.Name, p.Age, p.Sex, p.Address, p.Regime, p.Remark, p.Color, p.UpdatedAt, p.ID)
	return err
}

// Touch sets updated_at of a patient.
func (r *PatientRepo) Touch(ctx context.Context, q Querier, id, now int64) error {
	_, err := q.ExecContext(ctx, `UPDATE patients SET updated_at = ? WHERE id = ?`, now, id)
	return err
}

// Delete removes a patient and all of its milestones.
func (r *PatientRepo) Delete(ctx context.Context, q Querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM milestones WHERE patient_id = ?`, id); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// DeleteByTeam removes every patient of a team together with their
// milestones and returns the number of patients removed.
func (r *PatientRepo) DeleteByTeam(ctx context.Context, q Querier, slug string) (int, error) {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM milestones WHERE patient_id IN (SELECT id FROM patients WHERE team_id = ?)`, slug); err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM patients WHERE team_id = ?`, slug)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// List returns all patients ordered by id, optionally restricted to one
// team.  Milestones are not loaded.
func (r *PatientRepo) List(ctx context.Context, q Querier, team string) ([]model.Patient, error) {
	if team != "" {
		return r.queryPatients(ctx, q, `SELECT `+patientColumns+` FROM patients WHERE team_id = ? ORDER BY id`, team)
	}
	return r.queryPatients(ctx, q, `SELECT `+patientColumns+` FROM patients ORDER BY id`)
}

// ListChangedSince returns patients whose own row or any milestone row was
// updated after since (Unix ms).  Each patient appears once.  When team is
// non-empty only that team's patients are returned.
func (r *PatientRepo) ListChangedSince(ctx context.Context, q Querier, since int64, team string) ([]model.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients
		WHERE (updated_at > ? OR id IN (SELECT patient_id FROM milestones WHERE updated_at > ?))`
	args := []any{since, since}
	if team != "" {
		query += ` AND team_id = ?`
		args = append(args, team)
	}
	return r.queryPatients(ctx, q, query+` ORDER BY id`, args...)
}

// Colors returns the colors currently assigned to patients.
func (r *PatientRepo) Colors(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT color FROM patients WHERE color <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByTeam returns the number of patients and milestones in a team.
func (r *PatientRepo) CountByTeam(ctx context.Context, q Querier, slug string) (patients, milestones int, err error) {
	if err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients WHERE team_id = ?`, slug).Scan(&patients); err != nil {
		return 0, 0, err
	}
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM milestones WHERE patient_id IN (SELECT id FROM patients WHERE team_id = ?)`, slug).Scan(&milestones)
	return patients, milestones, err
}

// Wipe deletes every patient and milestone.
func (r *PatientRepo) Wipe(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM milestones`); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM patients`)
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
