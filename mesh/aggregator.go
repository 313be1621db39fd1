package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

var errAggregatorFinished = errors.New("mesh: aggregator already finished")

// ApplyMode selects how events inside one window reach the mesh state.
type ApplyMode string

const (
	// ApplySequential applies every event immediately, in stream order.
	ApplySequential ApplyMode = "sequential"
	// ApplyUnion buffers a window's grafts and prunes and, when the window
	// closes, adds the union of grafted peers before removing the union of
	// pruned peers.
	ApplyUnion ApplyMode = "union"
)

// ParseApplyMode validates a configured apply mode. Empty means sequential.
func ParseApplyMode(raw string) (ApplyMode, error) {
	switch ApplyMode(raw) {
	case "", ApplySequential:
		return ApplySequential, nil
	case ApplyUnion:
		return ApplyUnion, nil
	default:
		return "", fmt.Errorf("mesh: unknown apply mode %q", raw)
	}
}

// AggregatorConfig tunes window aggregation.
type AggregatorConfig struct {
	Grid   Grid
	Lookup Lookup
	// KeyByTopic tracks a separate mesh per (owner, topic).
	KeyByTopic bool
	// Dense emits a row for every window between a key's first and last
	// active windows instead of only the windows that saw events.
	Dense bool
	Mode  ApplyMode
	// Strict rejects events older than the last event seen for their key.
	Strict bool
	// IncludeMesh keeps the sorted member list on every row.
	IncludeMesh bool
}

func (c AggregatorConfig) withDefaults() (AggregatorConfig, error) {
	if c.Grid.Width == 0 {
		c.Grid.Width = DefaultWindowWidth
	}
	grid, err := NewGrid(c.Grid.Width, c.Grid.Epoch)
	if err != nil {
		return c, err
	}
	c.Grid = grid
	mode, err := ParseApplyMode(string(c.Mode))
	if err != nil {
		return c, err
	}
	c.Mode = mode
	return c, nil
}

type openWindow struct {
	index  int64
	grafts map[int64]struct{}
	prunes map[int64]struct{}
}

// Aggregator folds an ordered event stream into per-window mesh rows. State is
// cumulative: a row reflects every event applied up to the end of its window.
type Aggregator struct {
	cfg        AggregatorConfig
	tracker    *Tracker
	classifier Classifier
	open       map[MeshKey]*openWindow
	table      *ResultTable
	events     uint64
	finished   bool
}

// NewAggregator validates cfg and returns an empty aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:        cfg,
		tracker:    NewTracker(cfg.Strict),
		classifier: NewClassifier(cfg.Lookup),
		open:       make(map[MeshKey]*openWindow),
		table:      NewResultTable(),
	}, nil
}

// Config returns the effective configuration.
func (a *Aggregator) Config() AggregatorConfig { return a.cfg }

// Add consumes the next event of the stream. Crossing into a later window for
// a key closes that key's previous window and records its row.
func (a *Aggregator) Add(ev MembershipEvent) error {
	if a.finished {
		return errAggregatorFinished
	}
	if ev.Kind != Graft && ev.Kind != Prune {
		return fmt.Errorf("mesh: unsupported event kind %s", ev.Kind)
	}
	key := ev.Key(a.cfg.KeyByTopic)
	idx := a.cfg.Grid.Index(ev.Timestamp)

	late, err := a.tracker.admit(key, ev.Timestamp)
	if err != nil {
		return err
	}

	ow := a.open[key]
	if ow == nil {
		ow = &openWindow{index: idx}
		a.open[key] = ow
	} else {
		// Closed windows are never reopened; a late event counts towards
		// the window that is still open.
		if late && idx < ow.index {
			idx = ow.index
		}
		if idx > ow.index {
			if err := a.closeWindow(key, ow); err != nil {
				return err
			}
			if a.cfg.Dense {
				for gap := ow.index + 1; gap < idx; gap++ {
					if err := a.emit(key, gap); err != nil {
						return err
					}
				}
			}
			ow.index = idx
		}
	}

	a.events++
	if a.cfg.Mode == ApplyUnion {
		ow.buffer(ev)
		return nil
	}
	a.tracker.apply(key, ev.Kind, ev.Remote)
	return nil
}

func (ow *openWindow) buffer(ev MembershipEvent) {
	switch ev.Kind {
	case Graft:
		if ow.grafts == nil {
			ow.grafts = make(map[int64]struct{})
		}
		ow.grafts[ev.Remote] = struct{}{}
	case Prune:
		if ow.prunes == nil {
			ow.prunes = make(map[int64]struct{})
		}
		ow.prunes[ev.Remote] = struct{}{}
	}
}

func (a *Aggregator) closeWindow(key MeshKey, ow *openWindow) error {
	if a.cfg.Mode == ApplyUnion {
		for id := range ow.grafts {
			a.tracker.apply(key, Graft, id)
		}
		for id := range ow.prunes {
			a.tracker.apply(key, Prune, id)
		}
		ow.grafts, ow.prunes = nil, nil
	}
	return a.emit(key, ow.index)
}

func (a *Aggregator) emit(key MeshKey, idx int64) error {
	snapshot := a.tracker.Snapshot(key)
	honest, attacker := a.classifier.Count(snapshot)
	row := WindowRow{
		Peer:     key.Owner,
		Topic:    key.Topic,
		Window:   a.cfg.Grid.Window(idx),
		Honest:   honest,
		Attacker: attacker,
	}
	if a.cfg.IncludeMesh {
		row.Mesh = a.tracker.Members(key)
	}
	return a.table.Append(row)
}

// Finish closes every open window, in key order, and returns the table. The
// aggregator must not be used afterwards.
func (a *Aggregator) Finish() (*ResultTable, error) {
	if a.finished {
		return nil, errAggregatorFinished
	}
	a.finished = true
	keys := make([]MeshKey, 0, len(a.open))
	for k := range a.open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		if err := a.closeWindow(k, a.open[k]); err != nil {
			return nil, err
		}
	}
	return a.table, nil
}

// Events reports how many events were accepted.
func (a *Aggregator) Events() uint64 { return a.events }

// Keys reports how many distinct keys have been seen.
func (a *Aggregator) Keys() int { return len(a.open) }

// Aggregate drains src through a fresh aggregator. Cancelling ctx stops
// pulling and discards partial state.
func Aggregate(ctx context.Context, cfg AggregatorConfig, src EventSource) (*ResultTable, error) {
	agg, err := NewAggregator(cfg)
	if err != nil {
		return nil, err
	}
	for {
		ev, err := src.NextEvent(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := agg.Add(ev); err != nil {
			return nil, err
		}
	}
	return agg.Finish()
}
