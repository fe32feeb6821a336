package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// TeamRepo provides data access to the teams and team_members tables.
type TeamRepo struct {
	db *sql.DB
}

// NewTeamRepo returns a new TeamRepo bound to the provided database.
func NewTeamRepo(db *sql.DB) *TeamRepo { return &TeamRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions.
func (r *TeamRepo) DB() *sql.DB { return r.db }

const (
	teamColumns   = `id, slug, name, invite_code, is_public, created_by, created_at`
	memberColumns = `id, team_slug, user_name, device_id, status, role, updated_at`
)

func scanTeam(s rowScanner) (model.Team, error) {
	var t model.Team
	err := s.Scan(&t.ID, &t.Slug, &t.Name, &t.InviteCode, &t.IsPublic, &t.CreatedBy, &t.CreatedAt)
	return t, err
}

func scanMember(s rowScanner) (model.Membership, error) {
	var m model.Membership
	err := s.Scan(&m.ID, &m.TeamSlug, &m.UserName, &m.DeviceID, &m.Status, &m.Role, &m.UpdatedAt)
	return m, err
}

func (r *TeamRepo) queryTeams(ctx context.Context, q Querier, query string, args ...any) ([]model.Team, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TeamRepo) queryMembers(ctx context.Context, q Querier, query string, args ...any) ([]model.Membership, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *TeamRepo) getTeam(ctx context.Context, q Querier, where string, arg any) (*model.Team, error) {
	t, err := scanTeam(q.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetBySlug returns a team or ErrNotFound.
func (r *TeamRepo) GetBySlug(ctx context.Context, q Querier, slug string) (*model.Team, error) {
	return r.getTeam(ctx, q, `slug = ?`, slug)
}

// GetByInviteCode returns the team owning an invite code or ErrNotFound.
func (r *TeamRepo) GetByInviteCode(ctx context.Context, q Querier, code string) (*model.Team, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return r.getTeam(ctx, q, `invite_code = ?`, code)
}

// Ensure inserts t unless a team with the same slug exists.  It reports
// whether a row was written.
func (r *TeamRepo) Ensure(ctx context.Context, q Querier, t *model.Team) (bool, error) {
	existing, err := r.GetBySlug(ctx, q, t.Slug)
	if err == nil {
		*t = *existing
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO teams (slug, name, invite_code, is_public, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Slug, t.Name, t.InviteCode, t.IsPublic, t.CreatedBy, t.CreatedAt)
	if err != nil {
		if existing, again := r.GetBySlug(ctx, q, t.Slug); again == nil {
			*t = *existing
			return false, nil
		}
		return false, err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every team ordered by name.
func (r *TeamRepo) List(ctx context.Context, q Querier) ([]model.Team, error) {
	return r.queryTeams(ctx, q, `SELECT `+teamColumns+` FROM teams ORDER BY name, id`)
}

// ListCreatedSince returns teams created after since, optionally only slug.
func (r *TeamRepo) ListCreatedSince(ctx context.Context, q Querier, since int64, slug string) ([]model.Team, error) {
	if slug != "" {
		return r.queryTeams(ctx, q, `SELECT `+teamColumns+` FROM teams WHERE created_at > ? AND slug = ? ORDER BY id`, since, slug)
	}
	return r.queryTeams(ctx, q, `SELECT `+teamColumns+` FROM teams WHERE created_at > ? ORDER BY id`, since)
}

// Delete removes a team and all of its memberships.
func (r *TeamRepo) Delete(ctx context.Context, q Querier, slug string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM team_members WHERE team_slug = ?`, slug); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM teams WHERE slug = ?`, slug)
	return err
}

// Wipe removes every team and membership.
func (r *TeamRepo) Wipe(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM team_members`); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM teams`)
	return err
}

// GetMembership returns the membership of device in team or ErrNotFound.
func (r *TeamRepo) GetMembership(ctx context.Context, q Querier, slug, deviceID string) (*model.Membership, error) {
	m, err := scanMember(q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM team_members WHERE team_slug = ? AND device_id = ?`, slug, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMembershipByID returns a membership by local id or ErrNotFound.
func (r *TeamRepo) GetMembershipByID(ctx context.Context, q Querier, id int64) (*model.Membership, error) {
	m, err := scanMember(q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM team_members WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMembership inserts m or updates the existing (team, device) row
// with m's user name, status and role.  m.ID is set either way.
func (r *TeamRepo) UpsertMembership(ctx context.Context, q Querier, m *model.Membership) error {
	existing, err := r.GetMembership(ctx, q, m.TeamSlug, m.DeviceID)
	switch {
	case err == nil:
		m.ID = existing.ID
		_, err = q.ExecContext(ctx,
			`UPDATE team_members SET user_name = ?, status = ?, role = ?, updated_at = ? WHERE id = ?`,
			m.UserName, m.Status, m.Role, m.UpdatedAt, m.ID)
		return err
	case !errors.Is(err, ErrNotFound):
		return err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO team_members (team_slug, user_name, device_id, status, role, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.TeamSlug, m.UserName, m.DeviceID, m.Status, m.Role, m.UpdatedAt)
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

// SetStatus changes the status of a membership.
func (r *TeamRepo) SetStatus(ctx context.Context, q Querier, id int64, status string, now int64) error {
	_, err := q.ExecContext(ctx, `UPDATE team_members SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	return err
}

// ListMembers returns the memberships of a team ordered by id.
func (r *TeamRepo) ListMembers(ctx context.Context, q Querier, slug string) ([]model.Membership, error) {
	return r.queryMembers(ctx, q, `SELECT `+memberColumns+` FROM team_members WHERE team_slug = ? ORDER BY id`, slug)
}

// ListByDevice returns every membership held by a device.
func (r *TeamRepo) ListByDevice(ctx context.Context, q Querier, deviceID string) ([]model.Membership, error) {
	return r.queryMembers(ctx, q, `SELECT `+memberColumns+` FROM team_members WHERE device_id = ? ORDER BY id`, deviceID)
}

// ListMembersChangedSince returns memberships updated after since,
// optionally restricted to one team.
func (r *TeamRepo) ListMembersChangedSince(ctx context.Context, q Querier, since int64, slug string) ([]model.Membership, error) {
	if slug != "" {
		return r.queryMembers(ctx, q, `SELECT `+memberColumns+` FROM team_members WHERE updated_at > ? AND team_slug = ? ORDER BY id`, since, slug)
	}
	return r.queryMembers(ctx, q, `SELECT `+memberColumns+` FROM team_members WHERE updated_at > ? ORDER BY id`, since)
}
