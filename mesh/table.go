package mesh

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// WindowRow is the classified mesh of one key at the end of one window.
type WindowRow struct {
	Peer     int64
	Topic    string
	Window   Window
	Honest   int
	Attacker int
	// Mesh holds the sorted members when the aggregator is configured to keep
	// them. It is nil otherwise.
	Mesh []int64
}

// Key returns the mesh key of the row.
func (r WindowRow) Key() MeshKey { return MeshKey{Owner: r.Peer, Topic: r.Topic} }

// Tuple is the output boundary representation of a row.
type Tuple struct {
	Peer        int64
	Topic       string
	WindowStart time.Time
	WindowEnd   time.Time
	Honest      int
	Attacker    int
}

type rowID struct {
	key   MeshKey
	start int64
}

// ResultTable accumulates window rows in emission order. It never merges or
// deduplicates rows.
type ResultTable struct {
	rows []WindowRow
	seen map[rowID]struct{}
}

// NewResultTable returns an empty table.
func NewResultTable() *ResultTable {
	return &ResultTable{seen: make(map[rowID]struct{})}
}

// Append records a row. A second row for the same key and window is a bug in
// the producer and is rejected with ErrDuplicateRow.
func (t *ResultTable) Append(row WindowRow) error {
	id := rowID{key: row.Key(), start: row.Window.Start.UnixNano()}
	if _, dup := t.seen[id]; dup {
		return fmt.Errorf("%w: %s window %s", ErrDuplicateRow, row.Key(), row.Window)
	}
	t.seen[id] = struct{}{}
	t.rows = append(t.rows, row)
	return nil
}

// Len reports the number of rows.
func (t *ResultTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Rows returns a copy of the rows in emission order.
func (t *ResultTable) Rows() []WindowRow {
	if t == nil {
		return nil
	}
	return append([]WindowRow(nil), t.rows...)
}

// Sorted returns a copy of the rows grouped by key and ordered by window start
// within each key.
func (t *ResultTable) Sorted() []WindowRow {
	rows := t.Rows()
	sortRows(rows)
	return rows
}

// Sort reorders the table in place into the Sorted order.
func (t *ResultTable) Sort() {
	if t == nil {
		return
	}
	sortRows(t.rows)
}

func sortRows(rows []WindowRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		ki, kj := rows[i].Key(), rows[j].Key()
		if ki != kj {
			return ki.Less(kj)
		}
		return rows[i].Window.Start.Before(rows[j].Window.Start)
	})
}

// ForKey returns the rows of one key ordered by window start.
func (t *ResultTable) ForKey(key MeshKey) []WindowRow {
	var out []WindowRow
	for _, row := range t.Rows() {
		if row.Key() == key {
			out = append(out, row)
		}
	}
	sortRows(out)
	return out
}

// ForPeer returns every row owned by peer across topics.
func (t *ResultTable) ForPeer(peer int64) []WindowRow {
	var out []WindowRow
	for _, row := range t.Rows() {
		if row.Peer == peer {
			out = append(out, row)
		}
	}
	sortRows(out)
	return out
}

// Keys lists the distinct keys present in the table.
func (t *ResultTable) Keys() []MeshKey {
	set := make(map[MeshKey]struct{})
	for _, row := range t.Rows() {
		set[row.Key()] = struct{}{}
	}
	keys := make([]MeshKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Tuples exposes the sorted table as output tuples.
func (t *ResultTable) Tuples() []Tuple {
	rows := t.Sorted()
	out := make([]Tuple, 0, len(rows))
	for _, row := range rows {
		out = append(out, Tuple{
			Peer:        row.Peer,
			Topic:       row.Topic,
			WindowStart: row.Window.Start,
			WindowEnd:   row.Window.End,
			Honest:      row.Honest,
			Attacker:    row.Attacker,
		})
	}
	return out
}

// Digest fingerprints the sorted table with BLAKE3. Identical traces and
// settings always produce identical digests.
func (t *ResultTable) Digest() string {
	h := blake3.New(32, nil)
	var buf [8]byte
	putInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	for _, row := range t.Sorted() {
		putInt(row.Peer)
		putInt(int64(len(row.Topic)))
		_, _ = h.Write([]byte(row.Topic))
		putInt(row.Window.Start.UnixNano())
		putInt(row.Window.End.UnixNano())
		putInt(int64(row.Honest))
		putInt(int64(row.Attacker))
		putInt(int64(len(row.Mesh)))
		for _, id := range row.Mesh {
			putInt(id)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
