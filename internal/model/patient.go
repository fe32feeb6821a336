package model

// Patient is a person under a treatment regimen.  UID is the stable
// cross-device identifier; ID is only meaningful inside one database.
//
// Fields:
//  ID        – patients.id, local primary key.
//  UID       – patients.uid, globally unique, assigned once.
//  TeamID    – owning team slug; DefaultTeam when unscoped.
//  Color     – display color picked from the palette at creation.
//  UpdatedAt – Unix milliseconds of the last local change.
type Patient struct {
	ID        int64
	UID       string
	TeamID    string
	Name      string
	Age       int
	Sex       string
	Address   string
	Regime    string
	Remark    string
	Color     string
	UpdatedAt int64

	Milestones []Milestone
}

// DefaultTeam is the team id of records that do not belong to any team.
const DefaultTeam = "DEFAULT"

// Milestone is one scheduled follow-up visit of a patient.
//
// Start is the current date and always equals Baseline plus MissedDays.
// Baseline only moves when an earlier milestone of the same patient is
// rescheduled.
type Milestone struct {
	ID         int64  // milestones.id
	PatientID  int64  // milestones.patient_id
	Title      string // label such as "M2" or "M6/M-end"
	Start      string // YYYY-MM-DD
	Baseline   string // YYYY-MM-DD
	MissedDays int
	Remark     string
	Outcome    string
	UpdatedAt  int64
}
