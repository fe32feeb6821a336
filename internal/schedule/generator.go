package schedule

import (
	"time"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// Generator produces milestone plans from a regimen table.
type Generator struct {
	table Table
}

// NewGenerator returns a Generator over t.  A nil table uses the defaults.
func NewGenerator(t Table) *Generator {
	if t == nil {
		t = DefaultTable()
	}
	return &Generator{table: t}
}

// Table exposes the regimen tables in use.
func (g *Generator) Table() Table { return g.table }

// Milestones returns one milestone per visit of the regimen.  Current and
// baseline dates both equal start plus the visit offset; missed days are
// zero.  Unknown regimens are not an error.
func (g *Generator) Milestones(regimen string, start time.Time) []model.Milestone {
	offsets, _ := g.table.Lookup(regimen)
	out := make([]model.Milestone, 0, len(offsets))
	for _, o := range offsets {
		date := model.FormatDate(start.AddDate(0, 0, o.Days))
		out = append(out, model.Milestone{
			Title:    o.Label,
			Start:    date,
			Baseline: date,
			Outcome:  model.DefaultOutcome(o.Label),
		})
	}
	return out
}
