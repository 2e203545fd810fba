package domain

import (
	"slices"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/grid"
)

// Registry is the set of domains still worth processing.
type Registry struct {
	tags          map[Tag]struct{}
	numLocalCubes int
	deltaCube     float64
	localized     bool
}

// NewRegistry creates the initial registry. A localized registry holds every
// cube level around each of the numInitial initial samples plus the global
// domain; otherwise only the global domain.
func NewRegistry(numInitial, numLocalCubes int, deltaCube float64, localized bool) *Registry {
	r := &Registry{
		tags:          map[Tag]struct{}{Global(): {}},
		numLocalCubes: numLocalCubes,
		deltaCube:     deltaCube,
		localized:     localized,
	}
	if localized {
		for i := 0; i < numInitial; i++ {
			for k := 0; k < numLocalCubes; k++ {
				r.Add(Local(i, k))
			}
		}
	}
	return r
}

// Add inserts tag.
func (r *Registry) Add(tag Tag) { r.tags[tag] = struct{}{} }

// Remove deletes tag if present.
func (r *Registry) Remove(tag Tag) { delete(r.tags, tag) }

// Contains reports whether tag is registered.
func (r *Registry) Contains(tag Tag) bool {
	_, ok := r.tags[tag]
	return ok
}

// Len returns the number of registered tags.
func (r *Registry) Len() int { return len(r.tags) }

// Tags returns the registered tags in ascending order.
func (r *Registry) Tags() []Tag {
	out := make([]Tag, 0, len(r.tags))
	for t := range r.tags {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tag) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}

// Ordered returns the processing order of a pass: the global domain first,
// registered or not, followed by the registered local domains ascending by
// (anchor, level).
func (r *Registry) Ordered() []Tag {
	out := []Tag{Global()}
	for _, t := range r.Tags() {
		if !t.IsGlobal() {
			out = append(out, t)
		}
	}
	return out
}

// Update registers the domains affected by the new sample xNew, which must
// already be the last entry of samples: every cube level k around sample i
// with Chebyshev distance to xNew of at most deltaCube*(k+1), and the global
// domain. Non-localized registries only re-add the global domain.
func (r *Registry) Update(samples *optimization.SampleSet, xNew []float64) {
	r.Add(Global())
	if !r.localized {
		return
	}
	for i, x := range samples.X {
		d := grid.ChebyshevDistance(x, xNew)
		for k := 0; k < r.numLocalCubes; k++ {
			if d <= r.deltaCube*float64(k+1) {
				r.Add(Local(i, k))
			}
		}
	}
}
