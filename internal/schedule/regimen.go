// Package schedule turns a regimen code and a treatment start date into
// the patient's milestone plan.
package schedule

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Offset is one visit of a regimen, Days after the treatment start.
type Offset struct {
	Label string `yaml:"label" json:"label"`
	Days  int    `yaml:"days" json:"days"`
}

// Table maps an upper-case regimen code to its visits in order.
type Table map[string][]Offset

// FallbackLabel is the single placeholder visit used for unknown regimens.
const FallbackLabel = "M1"

var (
	sixMonth = []Offset{
		{"Start", 0},
		{"M2", 56},
		{"M5", 140},
		{"M6/M-end", 168},
	}
	retreatment = []Offset{
		{"Start", 0},
		{"M3", 84},
		{"M5", 140},
		{"M8/M-end", 224},
	}
	fallback = []Offset{
		{"Start", 0},
		{FallbackLabel, 0},
	}
)

// DefaultTable returns the built-in regimen tables.
func DefaultTable() Table {
	return Table{
		"IR": append([]Offset(nil), sixMonth...),
		"CR": append([]Offset(nil), sixMonth...),
		"RR": append([]Offset(nil), retreatment...),
	}
}

type tableFile struct {
	Regimens map[string][]Offset `yaml:"regimens"`
}

// LoadTable reads regimen tables from a YAML file and layers them over the
// defaults.  An empty path returns the defaults.
//
//	regimens:
//	  IR:
//	    - {label: Start, days: 0}
//	    - {label: M6/M-end, days: 168}
func LoadTable(path string) (Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regimens file: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse regimens file: %w", err)
	}
	for code, offsets := range f.Regimens {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || len(offsets) == 0 {
			return nil, fmt.Errorf("regimen %q has no visits", code)
		}
		for _, o := range offsets {
			if o.Label == "" || o.Days < 0 {
				return nil, fmt.Errorf("regimen %s: invalid visit %+v", code, o)
			}
		}
		t[code] = offsets
	}
	return t, nil
}

// Lookup returns the visits of a regimen and whether it is known.  Unknown
// codes get the fallback plan.
func (t Table) Lookup(code string) ([]Offset, bool) {
	if o, ok := t[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return o, true
	}
	return fallback, false
}

// Codes returns the known regimen codes sorted.
func (t Table) Codes() []string {
	out := make([]string, 0, len(t))
	for c := range t {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
