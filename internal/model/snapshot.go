package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Column widths shared with the MySQL schema.  Values are counted in
// characters, as utf8mb4 VARCHAR columns are.
const (
	MaxIDLen        = 64
	MaxNameLen      = 191
	MaxShortLen     = 16
	MaxCodeLen      = 32
	MaxTextLen      = 255
	MaxTombstoneLen = 191
)

// fit reports an error naming field when v is longer than limit characters.
func fit(field, v string, limit int) error {
	if utf8.RuneCountInString(v) > limit {
		return fmt.Errorf("%s longer than %d characters", field, limit)
	}
	return nil
}

// CheckTombstoneID rejects empty or oversized tombstone ids.
func CheckTombstoneID(id string) error {
	if id == "" {
		return errors.New("tombstone id is empty")
	}
	return fit("tombstone id", id, MaxTombstoneLen)
}

// PatientSnapshot is the wire form of a patient and its milestones as
// exchanged between devices.
type PatientSnapshot struct {
	UID       string              `json:"uid"`
	Name      string              `json:"name"`
	Age       int                 `json:"age"`
	Sex       string              `json:"sex"`
	Address   string              `json:"address"`
	Regime    string              `json:"regime"`
	Remark    string              `json:"remark"`
	TeamID    string              `json:"team_id"`
	Color     string              `json:"color,omitempty"`
	UpdatedAt string              `json:"updated_at,omitempty"`
	Events    []MilestoneSnapshot `json:"events"`
}

// MilestoneSnapshot is the wire form of a milestone.  OriginalStart is the
// baseline date.
type MilestoneSnapshot struct {
	ID            int64  `json:"id,omitempty"`
	Title         string `json:"title"`
	Start         string `json:"start"`
	OriginalStart string `json:"original_start"`
	MissedDays    int    `json:"missed_days"`
	Remark        string `json:"remark"`
	Outcome       string `json:"outcome"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// TeamSnapshot is the wire form of a team.
type TeamSnapshot struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	InviteCode string `json:"invite_code,omitempty"`
	IsPublic   bool   `json:"is_public"`
	CreatedBy  string `json:"created_by,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// MembershipSnapshot is the wire form of a team membership.
type MembershipSnapshot struct {
	ID        int64  `json:"id,omitempty"`
	TeamSlug  string `json:"team_slug"`
	UserName  string `json:"user_name"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Role      string `json:"role"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Normalize fills defaults and checks required fields.  It must run
// before a snapshot is staged or merged.
func (p *PatientSnapshot) Normalize() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("patient name is required")
	}
	if p.Age < 0 {
		return fmt.Errorf("patient %q: age must not be negative", p.Name)
	}
	if p.TeamID == "" {
		p.TeamID = DefaultTeam
	}
	if err := errors.Join(
		fit("uid", p.UID, MaxIDLen),
		fit("team_id", p.TeamID, MaxIDLen),
		fit("name", p.Name, MaxNameLen),
		fit("sex", p.Sex, MaxShortLen),
		fit("address", p.Address, MaxTextLen),
		fit("regime", p.Regime, MaxCodeLen),
		fit("color", p.Color, MaxShortLen),
	); err != nil {
		return fmt.Errorf("patient %q: %w", p.Name, err)
	}
	for i := range p.Events {
		if err := p.Events[i].Normalize(); err != nil {
			return fmt.Errorf("patient %q event %d: %w", p.Name, i, err)
		}
	}
	return nil
}

// Normalize checks dates and derives OriginalStart when a peer omitted it.
func (m *MilestoneSnapshot) Normalize() error {
	if strings.TrimSpace(m.Title) == "" {
		return errors.New("title is required")
	}
	if err := errors.Join(fit("title", m.Title, MaxIDLen), fit("outcome", m.Outcome, MaxShortLen)); err != nil {
		return err
	}
	if _, err := ParseDate(m.Start); err != nil {
		return fmt.Errorf("invalid start date %q", m.Start)
	}
	if m.OriginalStart == "" {
		base, err := AddDays(m.Start, -m.MissedDays)
		if err != nil {
			return err
		}
		m.OriginalStart = base
		return nil
	}
	want, err := AddDays(m.OriginalStart, m.MissedDays)
	if err != nil {
		return fmt.Errorf("invalid original_start date %q", m.OriginalStart)
	}
	if want != m.Start {
		return fmt.Errorf("start %s does not equal original_start %s plus %d missed days", m.Start, m.OriginalStart, m.MissedDays)
	}
	return nil
}

// Normalize fills defaults and checks required fields.
func (t *TeamSnapshot) Normalize() error {
	if strings.TrimSpace(t.Slug) == "" {
		return errors.New("team slug is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		t.Name = t.Slug
	}
	return errors.Join(
		fit("slug", t.Slug, MaxIDLen),
		fit("name", t.Name, MaxNameLen),
		fit("invite_code", t.InviteCode, MaxCodeLen),
		fit("created_by", t.CreatedBy, MaxNameLen),
	)
}

// Normalize fills defaults and checks required fields.
func (m *MembershipSnapshot) Normalize() error {
	if m.TeamSlug == "" || m.DeviceID == "" {
		return errors.New("membership requires team_slug and device_id")
	}
	if err := errors.Join(
		fit("team_slug", m.TeamSlug, MaxIDLen),
		fit("device_id", m.DeviceID, MaxNameLen),
		fit("user_name", m.UserName, MaxNameLen),
	); err != nil {
		return err
	}
	switch m.Status {
	case "":
		m.Status = StatusPending
	case StatusPending, StatusApproved, StatusRejected:
	default:
		return fmt.Errorf("unknown membership status %q", m.Status)
	}
	switch m.Role {
	case "":
		m.Role = RoleMember
	case RoleMember, RoleAdmin:
	default:
		return fmt.Errorf("unknown membership role %q", m.Role)
	}
	return nil
}

// Snapshot converts a stored patient to its wire form.
func (p Patient) Snapshot() PatientSnapshot {
	s := PatientSnapshot{
		UID:       p.UID,
		Name:      p.Name,
		Age:       p.Age,
		Sex:       p.Sex,
		Address:   p.Address,
		Regime:    p.Regime,
		Remark:    p.Remark,
		TeamID:    p.TeamID,
		Color:     p.Color,
		UpdatedAt: FormatMillis(p.UpdatedAt),
		Events:    make([]MilestoneSnapshot, 0, len(p.Milestones)),
	}
	for _, m := range p.Milestones {
		s.Events = append(s.Events, m.Snapshot())
	}
	return s
}

// Snapshot converts a stored milestone to its wire form.
func (m Milestone) Snapshot() MilestoneSnapshot {
	return MilestoneSnapshot{
		ID:            m.ID,
		Title:         m.Title,
		Start:         m.Start,
		OriginalStart: m.Baseline,
		MissedDays:    m.MissedDays,
		Remark:        m.Remark,
		Outcome:       m.Outcome,
		UpdatedAt:     FormatMillis(m.UpdatedAt),
	}
}

// Patient converts a normalized snapshot into a patient without local ids.
func (p PatientSnapshot) Patient() Patient {
	out := Patient{
		UID:     p.UID,
		TeamID:  p.TeamID,
		Name:    p.Name,
		Age:     p.Age,
		Sex:     p.Sex,
		Address: p.Address,
		Regime:  p.Regime,
		Remark:  p.Remark,
		Color:   p.Color,
	}
	for _, e := range p.Events {
		out.Milestones = append(out.Milestones, Milestone{
			Title:      e.Title,
			Start:      e.Start,
			Baseline:   e.OriginalStart,
			MissedDays: e.MissedDays,
			Remark:     e.Remark,
			Outcome:    e.Outcome,
		})
	}
	return out
}

// Snapshot converts a stored team to its wire form.
func (t Team) Snapshot() TeamSnapshot {
	return TeamSnapshot{
		Slug:       t.Slug,
		Name:       t.Name,
		InviteCode: t.InviteCode,
		IsPublic:   t.IsPublic,
		CreatedBy:  t.CreatedBy,
		CreatedAt:  FormatMillis(t.CreatedAt),
	}
}

// Team converts a normalized snapshot into a team without a local id.
func (t TeamSnapshot) Team() Team {
	return Team{Slug: t.Slug, Name: t.Name, InviteCode: t.InviteCode, IsPublic: t.IsPublic, CreatedBy: t.CreatedBy}
}

// Snapshot converts a stored membership to its wire form.
func (m Membership) Snapshot() MembershipSnapshot {
	return MembershipSnapshot{
		ID:        m.ID,
		TeamSlug:  m.TeamSlug,
		UserName:  m.UserName,
		DeviceID:  m.DeviceID,
		Status:    m.Status,
		Role:      m.Role,
		UpdatedAt: FormatMillis(m.UpdatedAt),
	}
}

// Membership converts a normalized snapshot into a membership without a
// local id.
func (m MembershipSnapshot) Membership() Membership {
	return Membership{TeamSlug: m.TeamSlug, UserName: m.UserName, DeviceID: m.DeviceID, Status: m.Status, Role: m.Role}
}
