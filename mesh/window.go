package mesh

import (
	"fmt"
	"time"
)

// DefaultWindowWidth matches the sampling frequency used by the mesh analysis.
const DefaultWindowWidth = 5 * time.Second

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339Nano), w.End.UTC().Format(time.RFC3339Nano))
}

// Grid partitions the timeline into contiguous fixed-width windows anchored at
// Epoch, so boundaries are identical across runs over the same trace.
type Grid struct {
	Width time.Duration
	Epoch time.Time
}

// NewGrid validates width and anchors the grid at epoch. A zero epoch anchors
// at the Unix epoch.
func NewGrid(width time.Duration, epoch time.Time) (Grid, error) {
	if width <= 0 {
		return Grid{}, fmt.Errorf("%w: %s", ErrInvalidWidth, width)
	}
	if epoch.IsZero() {
		epoch = time.Unix(0, 0)
	}
	return Grid{Width: width, Epoch: epoch.UTC()}, nil
}

// Index returns the number of the window containing t. Instants before the
// epoch map to negative indexes.
func (g Grid) Index(t time.Time) int64 {
	offset := t.Sub(g.Epoch)
	idx := int64(offset / g.Width)
	if offset%g.Width < 0 {
		idx--
	}
	return idx
}

// Window returns the bounds of window idx.
func (g Grid) Window(idx int64) Window {
	start := g.Epoch.Add(time.Duration(idx) * g.Width).UTC()
	return Window{Start: start, End: start.Add(g.Width)}
}

// WindowAt returns the window containing t.
func (g Grid) WindowAt(t time.Time) Window {
	return g.Window(g.Index(t))
}
