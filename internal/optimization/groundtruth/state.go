package groundtruth

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/kernels"
)

// State is the serializable description of a Function. The grid values are
// not stored; they are recomputed on Restore.
type State struct {
	Centers     [][]float64
	Alpha       []float64
	RKHSNorm    float64
	Threshold   float64
	LengthScale float64
}

// State returns the parameters needed to rebuild f.
func (f *Function) State() State {
	r, _ := f.centers.Dims()
	centers := make([][]float64, r)
	for i := range centers {
		centers[i] = append([]float64(nil), f.centers.RawRowView(i)...)
	}
	return State{
		Centers:     centers,
		Alpha:       append([]float64(nil), f.alpha.RawVector().Data...),
		RKHSNorm:    f.norm,
		Threshold:   f.threshold,
		LengthScale: f.lengthScale,
	}
}

// Restore rebuilds a Function from its state on the given grid. The stored
// threshold is kept as is.
func Restore(s State, g *mat.Dense, rng *rand.Rand) (*Function, error) {
	if len(s.Centers) == 0 || len(s.Centers) != len(s.Alpha) {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "%d centers but %d weights", len(s.Centers), len(s.Alpha)).
			WithComponent("groundtruth").WithOperation("Restore")
	}
	if g == nil || g.IsEmpty() {
		return nil, optimization.NewError("grid must not be empty").WithComponent("groundtruth").WithOperation("Restore")
	}
	if _, c := g.Dims(); c != len(s.Centers[0]) {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "grid has %d columns, centers have %d", c, len(s.Centers[0])).
			WithComponent("groundtruth").WithOperation("Restore")
	}

	lengthScale := s.LengthScale
	if lengthScale == 0 {
		lengthScale = DefaultLengthScale
	}
	centers := mat.NewDense(len(s.Centers), len(s.Centers[0]), nil)
	for i, row := range s.Centers {
		centers.SetRow(i, row)
	}

	f := &Function{
		kernel:      kernels.NewMatern32Kernel(lengthScale),
		lengthScale: lengthScale,
		centers:     centers,
		alpha:       mat.NewVecDense(len(s.Alpha), append([]float64(nil), s.Alpha...)),
		norm:        s.RKHSNorm,
		threshold:   s.Threshold,
		rng:         rng,
	}
	f.setGrid(g)
	return f, nil
}
