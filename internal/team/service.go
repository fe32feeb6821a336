// Package team manages teams and memberships: creation, joining, admin
// approval, stats and disbandment with a backup archive.
package team

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/regimen-sync/internal/backup"
	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
)

// Tombstoner deletes what a tombstone id names and records the tombstone.
type Tombstoner interface {
	ApplyTombstone(ctx context.Context, tx *sql.Tx, id string) (int, error)
}

// Service implements team operations.
type Service struct {
	db         *sql.DB
	teams      *repository.TeamRepo
	patients   *repository.PatientRepo
	milestones *repository.MilestoneRepo
	tombstoner Tombstoner
	store      backup.Store
	now        func() time.Time
}

// NewService returns a Service.  store may be nil, in which case disband
// returns the backup without archiving it.
func NewService(db *sql.DB, teams *repository.TeamRepo, patients *repository.PatientRepo, milestones *repository.MilestoneRepo, tombstoner Tombstoner, store backup.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, teams: teams, patients: patients, milestones: milestones, tombstoner: tombstoner, store: store, now: now}
}

// CreateInput is the payload of Create.
type CreateInput struct {
	Name     string `json:"name"`
	UserName string `json:"user_name"`
	DeviceID string `json:"device_id"`
	IsPublic bool   `json:"is_public"`
}

const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func inviteCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = inviteAlphabet[int(b[i])%len(inviteAlphabet)]
	}
	return string(b), nil
}

// Slugify lower-cases name and keeps runs of letters and digits joined by
// single hyphens.
func Slugify(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		case sb.Len() > 0 && !dash:
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

func newSlug(name string) (string, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	base := Slugify(name)
	if base == "" {
		base = "team"
	}
	return base + "-" + hex.EncodeToString(b), nil
}

// Create makes a team and its creator's APPROVED ADMIN membership.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Team, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: team name is required", repository.ErrValidation)
	}
	if in.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", repository.ErrValidation)
	}
	slug, err := newSlug(in.Name)
	if err != nil {
		return nil, err
	}
	code, err := inviteCode()
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	t := &model.Team{Slug: slug, Name: in.Name, InviteCode: code, IsPublic: in.IsPublic, CreatedBy: in.DeviceID, CreatedAt: now}
	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		created, err := s.teams.Ensure(ctx, tx, t)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: team %s already exists", repository.ErrConflict, slug)
		}
		return s.teams.UpsertMembership(ctx, tx, &model.Membership{
			TeamSlug: slug, UserName: in.UserName, DeviceID: in.DeviceID,
			Status: model.StatusApproved, Role: model.RoleAdmin, UpdatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	slog.Info("team created", "team", slug, "device", in.DeviceID)
	return t, nil
}

// Listing is a team as seen by one device.
type Listing struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	IsPublic   bool   `json:"is_public"`
	CreatedBy  string `json:"created_by"`
	InviteCode string `json:"invite_code,omitempty"`
	Joined     bool   `json:"joined"`
	Status     string `json:"status,omitempty"`
	Role       string `json:"role,omitempty"`
}

// List returns the public teams plus every team the device belongs to.
// Invite codes are only shown to admins.
func (s *Service) List(ctx context.Context, deviceID string) ([]Listing, error) {
	teams, err := s.teams.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	mine := map[string]model.Membership{}
	if deviceID != "" {
		ms, err := s.teams.ListByDevice(ctx, s.db, deviceID)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			mine[m.TeamSlug] = m
		}
	}
	out := []Listing{}
	for _, t := range teams {
		m, member := mine[t.Slug]
		if !t.IsPublic && !member {
			continue
		}
		l := Listing{Slug: t.Slug, Name: t.Name, IsPublic: t.IsPublic, CreatedBy: t.CreatedBy}
		if member {
			l.Joined = m.Approved()
			l.Status = m.Status
			l.Role = m.Role
			if m.Role == model.RoleAdmin && m.Approved() {
				l.InviteCode = t.InviteCode
			}
		}
		out = append(out, l)
	}
	return out, nil
}

// JoinInput identifies the team by slug or by invite code.
type JoinInput struct {
	Slug       string `json:"slug"`
	InviteCode string `json:"invite_code"`
	UserName   string `json:"user_name"`
	DeviceID   string `json:"device_id"`
}

// Join requests membership.  A valid invite code is approved at once; a
// slug-only request waits for an admin.  Existing approved memberships are
// returned unchanged.
func (s *Service) Join(ctx context.Context, in JoinInput) (*model.Membership, error) {
	if in.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", repository.ErrValidation)
	}
	var m *model.Membership
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			t   *model.Team
			err error
		)
		status := model.StatusPending
		switch {
		case in.InviteCode != "":
			t, err = s.teams.GetByInviteCode(ctx, tx, strings.ToUpper(strings.TrimSpace(in.InviteCode)))
			status = model.StatusApproved
		case in.Slug != "":
			t, err = s.teams.GetBySlug(ctx, tx, in.Slug)
		default:
			return fmt.Errorf("%w: slug or invite_code is required", repository.ErrValidation)
		}
		if err != nil {
			return err
		}
		existing, err := s.teams.GetMembership(ctx, tx, t.Slug, in.DeviceID)
		switch {
		case err == nil && existing.Approved():
			m = existing
			return nil
		case err == nil:
			in.UserName = firstNonEmpty(in.UserName, existing.UserName)
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		m = &model.Membership{
			TeamSlug: t.Slug, UserName: in.UserName, DeviceID: in.DeviceID,
			Status: status, Role: model.RoleMember, UpdatedAt: s.now().UnixMilli(),
		}
		return s.teams.UpsertMembership(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Approval actions.
const (
	ActionApprove = "APPROVE"
	ActionReject  = "REJECT"
)

// Approve sets a pending membership to APPROVED or REJECTED.  The actor
// must be an approved admin of the same team.
func (s *Service) Approve(ctx context.Context, memberID int64, action, actorDevice string) (*model.Membership, error) {
	var status string
	switch strings.ToUpper(action) {
	case ActionApprove:
		status = model.StatusApproved
	case ActionReject:
		status = model.StatusRejected
	default:
		return nil, fmt.Errorf("%w: action must be APPROVE or REJECT", repository.ErrValidation)
	}
	var m *model.Membership
	err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if m, err = s.teams.GetMembershipByID(ctx, tx, memberID); err != nil {
			return err
		}
		if err := s.requireAdmin(ctx, tx, m.TeamSlug, actorDevice); err != nil {
			return err
		}
		m.Status = status
		m.UpdatedAt = s.now().UnixMilli()
		return s.teams.SetStatus(ctx, tx, m.ID, m.Status, m.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) requireAdmin(ctx context.Context, q repository.Querier, slug, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device identity required", repository.ErrUnauthorized)
	}
	m, err := s.teams.GetMembership(ctx, q, slug, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: not a member of %s", repository.ErrUnauthorized, slug)
	}
	if err != nil {
		return err
	}
	if !m.Approved() || m.Role != model.RoleAdmin {
		return fmt.Errorf("%w: admin role required", repository.ErrUnauthorized)
	}
	return nil
}

// Members lists a team's memberships.  The caller must hold an approved
// membership in the team.
func (s *Service) Members(ctx context.Context, slug, deviceID string) ([]model.MembershipSnapshot, error) {
	if _, err := s.teams.GetBySlug(ctx, s.db, slug); err != nil {
		return nil, err
	}
	m, err := s.teams.GetMembership(ctx, s.db, slug, deviceID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !m.Approved()) {
		return nil, fmt.Errorf("%w: membership not approved", repository.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	ms, err := s.teams.ListMembers(ctx, s.db, slug)
	if err != nil {
		return nil, err
	}
	out := make([]model.MembershipSnapshot, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Snapshot())
	}
	return out, nil
}

// Stats summarizes a team.
type Stats struct {
	Slug           string `json:"slug"`
	Patients       int    `json:"patients"`
	Events         int    `json:"events"`
	Members        int    `json:"members"`
	BackupBytes    int    `json:"backup_bytes"`
	CompressedSize int    `json:"compressed_bytes"`
}

// Team returns a team by slug.
func (s *Service) Team(ctx context.Context, slug string) (*model.Team, error) {
	return s.teams.GetBySlug(ctx, s.db, slug)
}

// Stats counts a team's patients, milestones and members and sizes the
// backup that Disband would produce.
func (s *Service) Stats(ctx context.Context, slug string) (*Stats, error) {
	a, err := s.snapshot(ctx, s.db, slug, "")
	if err != nil {
		return nil, err
	}
	st := &Stats{Slug: slug, Members: len(a.Members)}
	if st.Patients, st.Events, err = s.patients.CountByTeam(ctx, s.db, slug); err != nil {
		return nil, err
	}
	raw, packed, err := backup.Encode(*a)
	if err != nil {
		return nil, err
	}
	st.BackupBytes, st.CompressedSize = len(raw), len(packed)
	return st, nil
}

func (s *Service) snapshot(ctx context.Context, q repository.Querier, slug, by string) (*backup.Archive, error) {
	t, err := s.teams.GetBySlug(ctx, q, slug)
	if err != nil {
		return nil, err
	}
	members, err := s.teams.ListMembers(ctx, q, slug)
	if err != nil {
		return nil, err
	}
	ps, err := s.patients.List(ctx, q, slug)
	if err != nil {
		return nil, err
	}
	if err := s.milestones.Attach(ctx, q, ps); err != nil {
		return nil, err
	}
	a := &backup.Archive{
		Team:      t.Snapshot(),
		Members:   make([]model.MembershipSnapshot, 0, len(members)),
		Patients:  make([]model.PatientSnapshot, 0, len(ps)),
		CreatedAt: model.FormatMillis(s.now().UnixMilli()),
		CreatedBy: by,
	}
	for _, m := range members {
		a.Members = append(a.Members, m.Snapshot())
	}
	for _, p := range ps {
		a.Patients = append(a.Patients, p.Snapshot())
	}
	return a, nil
}

// DisbandResult is returned by Disband.
type DisbandResult struct {
	Backup   *backup.Archive `json:"backup"`
	Key      string          `json:"archive_key,omitempty"`
	Patients int             `json:"patients_deleted"`
}

// Disband archives a team, then deletes its patients, memberships and row
// through a "team:" tombstone so the deletion propagates on sync.  Only an
// approved admin may disband.
func (s *Service) Disband(ctx context.Context, slug, deviceID string) (*DisbandResult, error) {
	if err := s.requireAdmin(ctx, s.db, slug, deviceID); err != nil {
		return nil, err
	}
	a, err := s.snapshot(ctx, s.db, slug, deviceID)
	if err != nil {
		return nil, err
	}
	res := &DisbandResult{Backup: a}
	if s.store != nil {
		_, packed, err := backup.Encode(*a)
		if err != nil {
			return nil, err
		}
		res.Key = backup.Key(slug, s.now())
		if err := s.store.Put(ctx, res.Key, packed); err != nil {
			return nil, fmt.Errorf("archive team %s: %w", slug, err)
		}
	}
	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := s.tombstoner.ApplyTombstone(ctx, tx, model.TeamTombstonePrefix+slug)
		res.Patients = n
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("team disbanded", "team", slug, "device", deviceID, "count", res.Patients, "archive", res.Key)
	return res, nil
}
