package acquisition

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// MaxVariance implements uncertainty sampling: among the candidate points it
// selects the one with the largest posterior variance.
type MaxVariance struct {
	variance []float64
}

// NewMaxVariance creates the acquisition over a posterior variance vector.
func NewMaxVariance(variance []float64) *MaxVariance {
	return &MaxVariance{variance: variance}
}

// Compute returns the acquisition value of point i.
func (a *MaxVariance) Compute(i int) float64 {
	return a.variance[i]
}

// Argmax returns the candidate with the largest variance. Ties go to the
// smallest index. ok is false when there are no candidates.
func (a *MaxVariance) Argmax(candidates *roaring.Bitmap) (idx int, ok bool) {
	best := math.Inf(-1)
	it := candidates.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if v := a.Compute(i); !ok || v > best {
			best, idx, ok = v, i, true
		}
	}
	return idx, ok
}
