package model

import (
	"strings"
	"testing"
)

func TestMilestoneNormalizeAcceptsEarlyVisit(t *testing.T) {
	m := MilestoneSnapshot{Title: "M2", Start: "2024-02-23", MissedDays: -3}
	if err := m.Normalize(); err != nil {
		t.Fatal(err)
	}
	if m.OriginalStart != "2024-02-26" {
		t.Fatalf("original_start = %s", m.OriginalStart)
	}
}

func TestNormalizeRejectsOversizedFields(t *testing.T) {
	long := func(n int) string { return strings.Repeat("x", n+1) }
	event := MilestoneSnapshot{Title: "Start", Start: "2024-01-01"}
	cases := []struct {
		name string
		run  func() error
	}{
		{"uid", func() error {
			p := PatientSnapshot{UID: long(MaxIDLen), Name: "Asha"}
			return p.Normalize()
		}},
		{"address", func() error {
			p := PatientSnapshot{Name: "Asha", Address: long(MaxTextLen)}
			return p.Normalize()
		}},
		{"milestone title", func() error {
			p := PatientSnapshot{Name: "Asha", Events: []MilestoneSnapshot{event, {Title: long(MaxIDLen), Start: "2024-01-01"}}}
			return p.Normalize()
		}},
		{"outcome", func() error {
			m := MilestoneSnapshot{Title: "Start", Start: "2024-01-01", Outcome: long(MaxShortLen)}
			return m.Normalize()
		}},
		{"team slug", func() error {
			ts := TeamSnapshot{Slug: long(MaxIDLen)}
			return ts.Normalize()
		}},
		{"member device", func() error {
			ms := MembershipSnapshot{TeamSlug: "north", DeviceID: long(MaxNameLen)}
			return ms.Normalize()
		}},
		{"tombstone", func() error { return CheckTombstoneID(long(MaxTombstoneLen)) }},
		{"empty tombstone", func() error { return CheckTombstoneID("") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestNormalizeCountsCharactersNotBytes(t *testing.T) {
	// 64 two-byte runes fit a 64 character column
	p := PatientSnapshot{UID: strings.Repeat("é", MaxIDLen), Name: "Asha"}
	if err := p.Normalize(); err != nil {
		t.Fatal(err)
	}
}
