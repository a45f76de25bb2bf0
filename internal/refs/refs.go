// Package refs resolves action references against their live sources and
// detects drift between a dynamic reference's snapshot and the source value.
package refs

import (
	"context"
	"time"

	"actionline/internal/domain"
)

// DefaultStaleness is the freshness policy applied when no threshold is
// configured. It is a policy choice, not a correctness bound.
const DefaultStaleness = 24 * time.Hour

// Source provides live values of external records. External record systems
// are collaborators of the core; this is their only contact surface.
type Source interface {
	FieldValue(ctx context.Context, recordID, fieldKey string) (value string, ok bool, err error)
}

// Resolution is the outcome of resolving one reference.
type Resolution struct {
	ReferenceID   string `json:"reference_id"`
	Mode          string `json:"mode"`
	LiveValue     string `json:"live_value"`
	SnapshotValue string `json:"snapshot_value"`
	Drifted       bool   `json:"drifted"`
	Stale         bool   `json:"stale"`
}

// Resolve computes the live value of a reference and whether it drifted.
// Static references never drift. Dynamic references drift when the live
// value differs from the snapshot or when the snapshot is older than
// staleAfter.
func Resolve(ctx context.Context, src Source, ref domain.ActionReference, now time.Time, staleAfter time.Duration) (Resolution, error) {
	res := Resolution{
		ReferenceID:   ref.ID,
		Mode:          ref.Mode,
		SnapshotValue: ref.SnapshotValue,
		LiveValue:     ref.SnapshotValue,
	}
	if ref.Mode != domain.RefModeDynamic {
		return res, nil
	}
	if ref.SourceRecordID != nil && ref.TargetFieldKey != nil && src != nil {
		live, ok, err := src.FieldValue(ctx, *ref.SourceRecordID, *ref.TargetFieldKey)
		if err != nil {
			return res, err
		}
		if ok {
			res.LiveValue = live
		}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleness
	}
	if created, err := time.Parse(time.RFC3339, ref.CreatedAt); err == nil {
		res.Stale = now.Sub(created) > staleAfter
	}
	res.Drifted = res.LiveValue != res.SnapshotValue || res.Stale
	return res, nil
}

// Diff compares the current reference set with a desired one and returns the
// minimal add/remove sets. A desired reference matches a current one when
// source record, target field, mode and snapshot value all agree; matched
// pairs are left untouched.
func Diff(current, desired []domain.ActionReference) (toAdd, toRemove []domain.ActionReference) {
	matched := make([]bool, len(current))
	for _, want := range desired {
		found := false
		for i, have := range current {
			if matched[i] {
				continue
			}
			if sameRef(have, want) {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			toAdd = append(toAdd, want)
		}
	}
	for i, have := range current {
		if !matched[i] {
			toRemove = append(toRemove, have)
		}
	}
	return toAdd, toRemove
}

func sameRef(a, b domain.ActionReference) bool {
	return strPtrEq(a.SourceRecordID, b.SourceRecordID) &&
		strPtrEq(a.TargetFieldKey, b.TargetFieldKey) &&
		a.Mode == b.Mode &&
		a.SnapshotValue == b.SnapshotValue
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// MapSource is an in-memory Source keyed by "recordID\x00fieldKey". Useful
// for tests and embedded setups.
type MapSource map[string]string

// Key builds the lookup key for a record field.
func Key(recordID, fieldKey string) string {
	return recordID + "\x00" + fieldKey
}

// FieldValue implements Source.
func (m MapSource) FieldValue(_ context.Context, recordID, fieldKey string) (string, bool, error) {
	v, ok := m[Key(recordID, fieldKey)]
	return v, ok, nil
}
