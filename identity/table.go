package identity

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownPeer is returned when a wire identity has no entry in the table.
	ErrUnknownPeer = errors.New("identity: unknown peer")
	// ErrDuplicateIdentity rejects two records sharing an identity string.
	ErrDuplicateIdentity = errors.New("identity: duplicate identity")
	// ErrDuplicateNumericID rejects two records sharing a numeric id.
	ErrDuplicateNumericID = errors.New("identity: duplicate numeric id")
)

// IsUnknownPeer reports whether err stems from a failed identity lookup.
func IsUnknownPeer(err error) bool { return errors.Is(err, ErrUnknownPeer) }

// PeerRecord binds a peer's canonical identity to its numeric id and honesty
// label.
type PeerRecord struct {
	Identity  string `json:"identity" yaml:"identity"`
	NumericID int64  `json:"numeric_id" yaml:"numeric_id"`
	Honest    bool   `json:"honest" yaml:"honest"`
}

// Table is the immutable identity table indexed both ways. It is safe for
// concurrent readers.
type Table struct {
	byIdentity map[string]PeerRecord
	byID       map[int64]PeerRecord
}

// NewTable indexes records, rejecting duplicate identities or numeric ids.
func NewTable(records []PeerRecord) (*Table, error) {
	t := &Table{
		byIdentity: make(map[string]PeerRecord, len(records)),
		byID:       make(map[int64]PeerRecord, len(records)),
	}
	for _, rec := range records {
		if rec.Identity == "" {
			return nil, fmt.Errorf("identity: empty identity for numeric id %d", rec.NumericID)
		}
		if _, ok := t.byIdentity[rec.Identity]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, rec.Identity)
		}
		if prev, ok := t.byID[rec.NumericID]; ok {
			return nil, fmt.Errorf("%w: %d (%s, %s)", ErrDuplicateNumericID, rec.NumericID, prev.Identity, rec.Identity)
		}
		t.byIdentity[rec.Identity] = rec
		t.byID[rec.NumericID] = rec
	}
	return t, nil
}

// ByIdentity looks a record up by canonical identity.
func (t *Table) ByIdentity(identity string) (PeerRecord, bool) {
	if t == nil {
		return PeerRecord{}, false
	}
	rec, ok := t.byIdentity[identity]
	return rec, ok
}

// ByID looks a record up by numeric id.
func (t *Table) ByID(id int64) (PeerRecord, bool) {
	if t == nil {
		return PeerRecord{}, false
	}
	rec, ok := t.byID[id]
	return rec, ok
}

// Honest returns the honesty label of id and whether id is known.
func (t *Table) Honest(id int64) (bool, bool) {
	rec, ok := t.ByID(id)
	return rec.Honest, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byID)
}

// Records returns all records ordered by numeric id.
func (t *Table) Records() []PeerRecord {
	if t == nil {
		return nil
	}
	out := make([]PeerRecord, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericID < out[j].NumericID })
	return out
}

// Counts returns the number of honest and attacker peers in the table.
func (t *Table) Counts() (honest, attacker int) {
	if t == nil {
		return 0, 0
	}
	for _, rec := range t.byID {
		if rec.Honest {
			honest++
		} else {
			attacker++
		}
	}
	return honest, attacker
}
