// Package safeset classifies the points of a domain into the safe set, the
// potential maximizers and the potential expanders.
package safeset

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/acquisition"
	"github.com/copyleftdev/safeopt/internal/optimization/confidence"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

// State is the classification of a domain's grid. Bits index grid rows.
type State struct {
	// S holds the points whose lower bound clears the safety threshold.
	S *roaring.Bitmap
	// M holds the potential maximizers, always a subset of S.
	M *roaring.Bitmap
	// G holds the potential expanders.
	G *roaring.Bitmap

	// BestLowerBound is the largest lcb over S, or -Inf when S is empty.
	BestLowerBound float64
	// MaxMaximizerWidth is the largest confidence width over M, or 0.
	MaxMaximizerWidth float64
}

// Interesting returns M ∪ G.
func (s *State) Interesting() *roaring.Bitmap {
	return roaring.Or(s.M, s.G)
}

// Candidate is the point a domain proposes to sample next.
type Candidate struct {
	// Index is the grid row of the point.
	Index int
	X     []float64
	// Width is the largest confidence width over M ∪ G and ranks proposals
	// across domains.
	Width float64
}

// Analyzer computes the sets for one safety threshold.
type Analyzer struct {
	kernel      kernels.Kernel
	distance    func(x, y []float64) float64
	threshold   float64
	exploration float64
	allSets     bool
}

// NewAnalyzer creates an analyzer. The expander test relies on the kernel
// distance identity, so kernels that are not radial with unit variance are
// rejected with ErrNotRadial. With allSets the expander candidates are all
// of S, which is only meant for inspecting the sets.
func NewAnalyzer(kernel kernels.Kernel, threshold, explorationThreshold float64, allSets bool) (*Analyzer, error) {
	distance, err := kernels.DistanceFunc(kernel)
	if err != nil {
		return nil, optimization.WrapError(err, "expander test needs a radial kernel").
			WithComponent("safeset").WithOperation("NewAnalyzer")
	}
	return &Analyzer{
		kernel:      kernel,
		distance:    distance,
		threshold:   threshold,
		exploration: explorationThreshold,
		allSets:     allSets,
	}, nil
}

// Threshold returns the safety threshold.
func (a *Analyzer) Threshold() float64 { return a.threshold }

// Analyze classifies the grid points given their confidence bounds and the
// best safe lower bound found in previously processed domains.
func (a *Analyzer) Analyze(grid *mat.Dense, cs *confidence.State, bestOthers float64) (*State, error) {
	n, _ := grid.Dims()
	if len(cs.LCB) != n || len(cs.UCB) != n {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "grid has %d points, bounds have %d", n, len(cs.LCB)).
			WithComponent("safeset").WithOperation("Analyze")
	}

	st := &State{
		S:              a.safe(cs),
		M:              roaring.New(),
		G:              roaring.New(),
		BestLowerBound: math.Inf(-1),
	}
	a.maximizers(cs, st, bestOthers)
	a.expanders(grid, cs, st)
	return st, nil
}

func (a *Analyzer) safe(cs *confidence.State) *roaring.Bitmap {
	S := roaring.New()
	for i, l := range cs.LCB {
		if l > a.threshold {
			S.Add(uint32(i))
		}
	}
	return S
}

func (a *Analyzer) maximizers(cs *confidence.State, st *State, bestOthers float64) {
	if st.S.IsEmpty() {
		return
	}

	it := st.S.Iterator()
	for it.HasNext() {
		st.BestLowerBound = math.Max(st.BestLowerBound, cs.LCB[it.Next()])
	}
	cut := math.Max(bestOthers, st.BestLowerBound)

	it = st.S.Iterator()
	for it.HasNext() {
		i := it.Next()
		if w := cs.Width(int(i)); cs.UCB[i] >= cut && w > a.exploration {
			st.M.Add(i)
			st.MaxMaximizerWidth = math.Max(st.MaxMaximizerWidth, w)
		}
	}
}

func (a *Analyzer) expanders(grid *mat.Dense, cs *confidence.State, st *State) {
	n, _ := grid.Dims()
	if st.S.IsEmpty() || st.S.GetCardinality() == uint64(n) {
		return
	}

	var candidates *roaring.Bitmap
	if a.allSets {
		candidates = st.S.Clone()
	} else {
		candidates = roaring.AndNot(st.S, st.M)
		it := candidates.Iterator()
		drop := roaring.New()
		for it.HasNext() {
			i := it.Next()
			if w := cs.Width(int(i)); w <= st.MaxMaximizerWidth || w <= a.exploration {
				drop.Add(i)
			}
		}
		candidates.AndNot(drop)
	}
	if candidates.IsEmpty() {
		return
	}

	unsafe := roaring.Flip(st.S, 0, uint64(n))
	unsafeIdx := unsafe.ToArray()

	it := candidates.Iterator()
	for it.HasNext() {
		c := it.Next()
		xc := grid.RawRowView(int(c))
		for _, u := range unsafeIdx {
			if cs.UCB[c]-cs.B*a.distance(xc, grid.RawRowView(int(u))) > a.threshold {
				st.G.Add(c)
				break
			}
		}
	}
}

// Propose returns the point of M ∪ G with the largest posterior variance and
// ok=false when M ∪ G is empty.
func Propose(st *State, grid *mat.Dense, cs *confidence.State) (Candidate, bool) {
	interesting := st.Interesting()
	idx, ok := acquisition.NewMaxVariance(cs.Variance).Argmax(interesting)
	if !ok {
		return Candidate{}, false
	}

	width := 0.0
	it := interesting.Iterator()
	for it.HasNext() {
		width = math.Max(width, cs.Width(int(it.Next())))
	}
	return Candidate{
		Index: idx,
		X:     append([]float64(nil), grid.RawRowView(idx)...),
		Width: width,
	}, true
}
