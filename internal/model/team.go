package model

// Membership statuses.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Membership roles.
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// TeamTombstonePrefix prefixes tombstone ids that delete a whole team.
const TeamTombstonePrefix = "team:"

// Team groups devices that share patients.
type Team struct {
	ID         int64
	Slug       string
	Name       string
	InviteCode string
	IsPublic   bool
	CreatedBy  string
	CreatedAt  int64
}

// Membership links a device to a team.  (TeamSlug, DeviceID) is unique.
type Membership struct {
	ID        int64
	TeamSlug  string
	UserName  string
	DeviceID  string
	Status    string
	Role      string
	UpdatedAt int64
}

// Approved reports whether the membership grants access to team data.
func (m Membership) Approved() bool { return m.Status == StatusApproved }

// Tombstone records that a patient uid, or a team via TeamTombstonePrefix,
// was deleted.  Tombstones are never removed by the sync protocol.
type Tombstone struct {
	ID        string
	DeletedAt int64
}
