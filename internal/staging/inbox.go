// Package staging holds unreviewed pushes from peer devices until an
// operator commits or ignores them.  Batches live in memory only.
package staging

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/regimen-sync/internal/model"
	"github.com/iliyamo/regimen-sync/internal/repository"
)

// Batch is the current unreviewed push of one device.  Version changes on
// every push and every drain so a reviewer can detect that the batch moved.
type Batch struct {
	Device     string
	Patients   []model.PatientSnapshot
	Deleted    []string
	Teams      []model.TeamSnapshot
	Members    []model.MembershipSnapshot
	ReceivedAt time.Time
	Version    uint64
}

// Pending is the number of items awaiting review.
func (b *Batch) Pending() int {
	return len(b.Patients) + len(b.Deleted) + len(b.Teams) + len(b.Members)
}

func (b *Batch) clone() *Batch {
	c := *b
	c.Patients = append([]model.PatientSnapshot(nil), b.Patients...)
	c.Deleted = append([]string(nil), b.Deleted...)
	c.Teams = append([]model.TeamSnapshot(nil), b.Teams...)
	c.Members = append([]model.MembershipSnapshot(nil), b.Members...)
	return &c
}

// Push is an incoming batch from a device.
type Push struct {
	Device     string
	RemoteAddr string
	Patients   []model.PatientSnapshot
	Deleted    []string
	Teams      []model.TeamSnapshot
	Members    []model.MembershipSnapshot
}

// StageResult reports what Stage did.
type StageResult struct {
	Accepted  int
	Version   uint64
	Overwrote bool // a batch with pending items was replaced
	Discarded int  // pending items of the replaced batch
}

// Connection is the observability record kept per pushing device.
type Connection struct {
	Name       string    `json:"name"`
	IP         string    `json:"ip"`
	Pushes     int       `json:"pushes"`
	LastSeen   time.Time `json:"last_seen"`
	HasPending bool      `json:"has_pending"`
	Pending    int       `json:"pending"`
	Version    uint64    `json:"version"`
}

// Inbox is the process-wide staging area.  It is safe for concurrent use.
type Inbox struct {
	mu      sync.Mutex
	batches map[string]*Batch
	conns   map[string]*Connection
	seq     uint64
	now     func() time.Time
}

// NewInbox returns an empty Inbox.  now defaults to time.Now.
func NewInbox(now func() time.Time) *Inbox {
	if now == nil {
		now = time.Now
	}
	return &Inbox{
		batches: make(map[string]*Batch),
		conns:   make(map[string]*Connection),
		now:     now,
	}
}

func (in *Inbox) nextVersion() uint64 {
	in.seq++
	return in.seq
}

// Stage validates a push and stores it as the device's batch, replacing
// any earlier batch from the same device.
func (in *Inbox) Stage(p Push) (StageResult, error) {
	if p.Device == "" {
		return StageResult{}, fmt.Errorf("%w: device name is required", repository.ErrValidation)
	}
	if err := Normalize(p.Patients, p.Deleted, p.Teams, p.Members); err != nil {
		return StageResult{}, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	now := in.now()
	var res StageResult
	if old, ok := in.batches[p.Device]; ok && old.Pending() > 0 {
		res.Overwrote = true
		res.Discarded = old.Pending()
	}
	b := &Batch{
		Device:     p.Device,
		Patients:   p.Patients,
		Deleted:    p.Deleted,
		Teams:      p.Teams,
		Members:    p.Members,
		ReceivedAt: now,
		Version:    in.nextVersion(),
	}
	in.batches[p.Device] = b

	c, ok := in.conns[p.Device]
	if !ok {
		c = &Connection{Name: p.Device}
		in.conns[p.Device] = c
	}
	c.Pushes++
	c.LastSeen = now
	if p.RemoteAddr != "" {
		c.IP = p.RemoteAddr
	}

	res.Accepted = len(p.Patients) + len(p.Deleted)
	res.Version = b.Version
	return res, nil
}

// Batch returns a copy of the device's batch.
func (in *Inbox) Batch(device string) (*Batch, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	b, ok := in.batches[device]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// Batches returns copies of every batch ordered by device name.
func (in *Inbox) Batches() []*Batch {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*Batch, 0, len(in.batches))
	for _, b := range in.batches {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Connections lists the devices that have pushed, most recent first.
func (in *Inbox) Connections() []Connection {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Connection, 0, len(in.conns))
	for name, c := range in.conns {
		cc := *c
		if b, ok := in.batches[name]; ok {
			cc.Pending = b.Pending()
			cc.HasPending = cc.Pending > 0
			cc.Version = b.Version
		}
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CheckVersion returns ErrConflict when the device's batch is not at
// version.  A zero version skips the check.
func (in *Inbox) CheckVersion(device string, version uint64) error {
	if version == 0 {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	b, ok := in.batches[device]
	if !ok {
		return fmt.Errorf("%w: no staged batch for %s", repository.ErrNotFound, device)
	}
	if b.Version != version {
		return fmt.Errorf("%w: batch for %s is at version %d, reviewed %d", repository.ErrConflict, device, b.Version, version)
	}
	return nil
}

// Drain removes applied items from a device's batch.  Indices below
// len(Patients) address records; the rest address tombstones offset by
// len(Patients).  Teams and memberships are always cleared.  When version
// is non-zero and no longer matches, nothing changes and ErrConflict is
// returned.  The new version is returned.
func (in *Inbox) Drain(device string, version uint64, indices []int) (uint64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	b, ok := in.batches[device]
	if !ok {
		return 0, fmt.Errorf("%w: no staged batch for %s", repository.ErrNotFound, device)
	}
	if version != 0 && b.Version != version {
		return 0, fmt.Errorf("%w: batch for %s changed during commit", repository.ErrConflict, device)
	}
	n := len(b.Patients)
	var recs, tombs []int
	for _, idx := range uniqueDescending(indices) {
		switch {
		case idx < 0:
		case idx < n:
			recs = append(recs, idx)
		case idx-n < len(b.Deleted):
			tombs = append(tombs, idx-n)
		}
	}
	for _, i := range tombs {
		b.Deleted = append(b.Deleted[:i], b.Deleted[i+1:]...)
	}
	for _, i := range recs {
		b.Patients = append(b.Patients[:i], b.Patients[i+1:]...)
	}
	b.Teams = nil
	b.Members = nil
	b.ReceivedAt = in.now()
	b.Version = in.nextVersion()
	return b.Version, nil
}

func uniqueDescending(indices []int) []int {
	seen := make(map[int]bool, len(indices))
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// Normalize validates a payload in place and fills defaults.  Direct
// merges run it too, so a malformed payload never reaches storage.
func Normalize(patients []model.PatientSnapshot, deleted []string, teams []model.TeamSnapshot, members []model.MembershipSnapshot) error {
	for i := range patients {
		if err := patients[i].Normalize(); err != nil {
			return fmt.Errorf("%w: data[%d]: %v", repository.ErrValidation, i, err)
		}
	}
	for i, id := range deleted {
		if err := model.CheckTombstoneID(id); err != nil {
			return fmt.Errorf("%w: deleted[%d]: %v", repository.ErrValidation, i, err)
		}
	}
	for i := range teams {
		if err := teams[i].Normalize(); err != nil {
			return fmt.Errorf("%w: teams[%d]: %v", repository.ErrValidation, i, err)
		}
	}
	for i := range members {
		if err := members[i].Normalize(); err != nil {
			return fmt.Errorf("%w: members[%d]: %v", repository.ErrValidation, i, err)
		}
	}
	return nil
}
