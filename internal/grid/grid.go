// Package grid holds the in-memory cell matrix painted by detection results.
package grid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// ErrOutOfBounds is returned when a mark falls outside the matrix.
var ErrOutOfBounds = errors.New("grid: cell out of bounds")

// Renderer draws the matrix. It is called synchronously after every mutation
// batch and must not call back into the Grid.
type Renderer interface {
	Render(snap model.GridSnapshot)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(snap model.GridSnapshot)

func (f RenderFunc) Render(snap model.GridSnapshot) { f(snap) }

// Mark is one pending cell update.
type Mark struct {
	X, Y   int
	Status model.CellStatus
}

// Grid is a fixed-size matrix of cell statuses indexed [y][x].
type Grid struct {
	mu       sync.RWMutex
	width    int
	height   int
	cells    [][]model.CellStatus
	version  uint64
	renderer Renderer
}

// New creates a width x height grid with every cell Unknown.
// A nil renderer is allowed.
func New(width, height int, renderer Renderer) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("grid: invalid size %dx%d", width, height)
	}
	cells := make([][]model.CellStatus, height)
	for y := range cells {
		cells[y] = make([]model.CellStatus, width)
	}
	return &Grid{
		width:    width,
		height:   height,
		cells:    cells,
		renderer: renderer,
	}, nil
}

// NewSquare creates a 2^levels sided grid, the range of a decoder with that
// many levels.
func NewSquare(levels int, renderer Renderer) (*Grid, error) {
	if levels < 1 || levels > 12 {
		return nil, fmt.Errorf("grid: invalid levels %d", levels)
	}
	side := 1 << levels
	return New(side, side, renderer)
}

// Width returns the number of columns.
func (g *Grid) Width() int { return g.width }

// Height returns the number of rows.
func (g *Grid) Height() int { return g.height }

// MarkCell sets one cell and renders.
func (g *Grid) MarkCell(x, y int, status model.CellStatus) error {
	return g.Apply([]Mark{{X: x, Y: y, Status: status}})
}

// Apply sets every in-range mark and then renders once. Out-of-range marks
// are skipped and reported together; they do not prevent the others.
func (g *Grid) Apply(marks []Mark) error {
	var errs []error

	g.mu.Lock()
	applied := 0
	for _, m := range marks {
		if !g.inBounds(m.X, m.Y) {
			errs = append(errs, fmt.Errorf("%w: (%d,%d) on %dx%d", ErrOutOfBounds, m.X, m.Y, g.width, g.height))
			continue
		}
		g.cells[m.Y][m.X] = m.Status
		applied++
	}
	var snap model.GridSnapshot
	if applied > 0 {
		g.version++
		snap = g.snapshotLocked()
	}
	g.mu.Unlock()

	if applied > 0 {
		g.render(snap)
	}
	return errors.Join(errs...)
}

// Reset sets every cell back to Unknown and renders.
func (g *Grid) Reset() {
	g.mu.Lock()
	for y := range g.cells {
		for x := range g.cells[y] {
			g.cells[y][x] = model.CellUnknown
		}
	}
	g.version++
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.render(snap)
}

// Cell returns the status at (x, y).
func (g *Grid) Cell(x, y int) (model.CellStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inBounds(x, y) {
		return model.CellUnknown, fmt.Errorf("%w: (%d,%d)", ErrOutOfBounds, x, y)
	}
	return g.cells[y][x], nil
}

// Snapshot returns a deep copy of the matrix.
func (g *Grid) Snapshot() model.GridSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *Grid) inBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.width && y < g.height
}

func (g *Grid) snapshotLocked() model.GridSnapshot {
	cells := make([][]model.CellStatus, g.height)
	for y := range g.cells {
		cells[y] = append([]model.CellStatus(nil), g.cells[y]...)
	}
	return model.GridSnapshot{
		Width:   g.width,
		Height:  g.height,
		Cells:   cells,
		Version: g.version,
	}
}

func (g *Grid) render(snap model.GridSnapshot) {
	if g.renderer != nil {
		g.renderer.Render(snap)
	}
}
