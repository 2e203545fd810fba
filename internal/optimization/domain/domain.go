// Package domain decomposes the unit hypercube into the global domain and
// nested cubes around sampled points, and tracks which of them are worth
// revisiting.
package domain

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/grid"
)

// Tag identifies a domain: either the global domain or the local cube of
// level k around the i-th sample.
type Tag struct {
	local  bool
	anchor int
	level  int
}

// Global returns the tag of the whole search space.
func Global() Tag { return Tag{} }

// Local returns the tag of the cube of half-width deltaCube*(level+1)
// centered at sample anchor.
func Local(anchor, level int) Tag {
	return Tag{local: true, anchor: anchor, level: level}
}

// IsGlobal reports whether t is the global domain.
func (t Tag) IsGlobal() bool { return !t.local }

// Anchor returns the sample index of a local tag.
func (t Tag) Anchor() int { return t.anchor }

// Level returns the cube level of a local tag.
func (t Tag) Level() int { return t.level }

func (t Tag) String() string {
	if !t.local {
		return "global"
	}
	return fmt.Sprintf("(%d,%d)", t.anchor, t.level)
}

// Less orders the global domain first, then local tags by (anchor, level).
func (t Tag) Less(o Tag) bool {
	if t.local != o.local {
		return !t.local
	}
	if t.anchor != o.anchor {
		return t.anchor < o.anchor
	}
	return t.level < o.level
}

// Domain is the data a single processing step works on. Domains are built
// fresh for every step and never shared.
type Domain struct {
	Tag Tag

	LB, UB []float64

	// Grid is the discretization of the box.
	Grid *mat.Dense

	// X and Y are the samples inside the box.
	X *mat.Dense
	Y *mat.VecDense
}

// Contains reports whether x lies in the domain box.
func (d *Domain) Contains(x []float64) bool {
	return grid.InBox(x, d.LB, d.UB)
}

// NumSamples returns the number of samples inside the domain.
func (d *Domain) NumSamples() int {
	if d.Y == nil {
		return 0
	}
	return d.Y.Len()
}

// Builder creates domains over a global grid.
type Builder struct {
	global    *mat.Dense
	deltaCube float64
	localGrid bool
	perAxis   int
}

// NewBuilder creates a builder. With localGrid every local domain gets its
// own cartesian grid with the per-axis resolution of the global grid instead
// of the global grid points inside its box.
func NewBuilder(global *mat.Dense, deltaCube float64, localGrid bool) *Builder {
	n, dim := global.Dims()
	return &Builder{
		global:    global,
		deltaCube: deltaCube,
		localGrid: localGrid,
		perAxis:   grid.PointsPerAxis(n, dim),
	}
}

// Grid returns the global grid.
func (b *Builder) Grid() *mat.Dense { return b.global }

// Build creates the domain for tag from the current samples.
func (b *Builder) Build(tag Tag, samples *optimization.SampleSet) (*Domain, error) {
	if samples.Len() == 0 {
		return nil, optimization.WrapError(optimization.ErrNoSamples, "cannot build a domain without samples").
			WithComponent("domain").WithOperation("Build")
	}
	_, dim := b.global.Dims()
	if samples.Dim() != dim {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "samples have %d coordinates, grid has %d", samples.Dim(), dim).
			WithComponent("domain").WithOperation("Build")
	}

	d := &Domain{Tag: tag}
	if tag.IsGlobal() {
		d.LB = make([]float64, dim)
		d.UB = make([]float64, dim)
		for i := range d.UB {
			d.UB[i] = 1
		}
		d.Grid = b.global
		d.X = grid.FromRows(samples.X)
		d.Y = mat.NewVecDense(samples.Len(), append([]float64(nil), samples.Y...))
		return d, nil
	}

	if tag.Anchor() < 0 || tag.Anchor() >= samples.Len() {
		return nil, optimization.NewErrorf("anchor %d out of range for %d samples", tag.Anchor(), samples.Len()).
			WithComponent("domain").WithOperation("Build")
	}
	d.LB, d.UB = b.Box(samples.X[tag.Anchor()], tag.Level())

	var xs [][]float64
	var ys []float64
	for i, x := range samples.X {
		if grid.InBox(x, d.LB, d.UB) {
			xs = append(xs, x)
			ys = append(ys, samples.Y[i])
		}
	}
	d.X = grid.FromRows(xs)
	d.Y = mat.NewVecDense(len(ys), ys)

	if b.localGrid {
		g, err := grid.Cartesian(d.LB, d.UB, b.perAxis)
		if err != nil {
			return nil, err
		}
		d.Grid = g
	} else {
		d.Grid = grid.Rows(b.global, grid.BoxIndices(b.global, d.LB, d.UB))
		if d.Grid == nil {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidBounds, "no grid point inside %s", tag).
				WithComponent("domain").WithOperation("Build")
		}
	}
	return d, nil
}

// Box returns the cube of half-width deltaCube*(level+1) around center,
// clipped to the unit hypercube.
func (b *Builder) Box(center []float64, level int) (lb, ub []float64) {
	h := b.deltaCube * float64(level+1)
	lb = make([]float64, len(center))
	ub = make([]float64, len(center))
	for i, c := range center {
		lb[i] = max(0, c-h)
		ub[i] = min(1, c+h)
	}
	return lb, ub
}
