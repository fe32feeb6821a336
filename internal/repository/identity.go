package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// Match describes how an incoming record was matched to a local patient.
type Match int

const (
	// MatchNone means no local patient corresponds to the record.
	MatchNone Match = iota
	// MatchUID means the record's uid exists locally.
	MatchUID
	// MatchName is the fallback for records that carry no uid.
	MatchName
)

func (m Match) String() string {
	switch m {
	case MatchUID:
		return "uid"
	case MatchName:
		return "name"
	}
	return "none"
}

// Resolution is the outcome of ResolvePatient.  Patient is nil for MatchNone.
type Resolution struct {
	Match   Match
	Patient *model.Patient
}

// ResolvePatient finds the local patient an incoming snapshot refers to:
// by uid first, then by exact name.  The name stage only exists for peers
// that predate uids and for records created on two devices before they
// ever synced.
func ResolvePatient(ctx context.Context, q Querier, patients *PatientRepo, uid, name string) (Resolution, error) {
	if uid = strings.TrimSpace(uid); uid != "" {
		p, err := patients.GetByUID(ctx, q, uid)
		if err == nil {
			return Resolution{Match: MatchUID, Patient: p}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Resolution{}, err
		}
	}
	if name = strings.TrimSpace(name); name != "" {
		p, err := patients.FindByName(ctx, q, name)
		if err == nil {
			return Resolution{Match: MatchName, Patient: p}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Resolution{}, err
		}
	}
	return Resolution{Match: MatchNone}, nil
}
