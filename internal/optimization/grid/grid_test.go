package grid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

func TestCartesianOrdering(t *testing.T) {
	g, err := Cartesian([]float64{0, 0}, []float64{1, 1}, 3)
	require.NoError(t, err)

	r, c := g.Dims()
	assert.Equal(t, 9, r)
	assert.Equal(t, 2, c)

	// last axis varies fastest
	assert.Equal(t, []float64{0, 0}, g.RawRowView(0))
	assert.Equal(t, []float64{0, 0.5}, g.RawRowView(1))
	assert.Equal(t, []float64{0, 1}, g.RawRowView(2))
	assert.Equal(t, []float64{0.5, 0}, g.RawRowView(3))
	assert.Equal(t, []float64{1, 1}, g.RawRowView(8))
}

func TestCartesianInvalidBounds(t *testing.T) {
	_, err := Cartesian([]float64{0.5}, []float64{0.1}, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrInvalidBounds))

	_, err = Cartesian([]float64{0}, []float64{1, 1}, 4)
	assert.True(t, errors.Is(err, optimization.ErrInvalidBounds))

	_, err = Cartesian([]float64{0}, []float64{1}, 0)
	assert.Error(t, err)
}

func TestBoxIndices(t *testing.T) {
	g, err := Unit(1, 11)
	require.NoError(t, err)

	idx := BoxIndices(g, []float64{0.2}, []float64{0.4})
	assert.Equal(t, []int{2, 3, 4}, idx)

	sub := Rows(g, idx)
	r, _ := sub.Dims()
	assert.Equal(t, 3, r)
	assert.Nil(t, Rows(g, nil))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, Linspace(0, 1, 5))
	assert.Equal(t, []float64{0.3}, Linspace(0.3, 0.9, 1))
	assert.Equal(t, 100, PointsPerAxis(10000, 2))
	assert.Equal(t, 1000, PointsPerAxis(1000, 1))
	assert.InDelta(t, 0.4, ChebyshevDistance([]float64{0.1, 0.5}, []float64{0.2, 0.9}), 1e-15)
	assert.True(t, InBox([]float64{0.5, 0.5}, []float64{0, 0.5}, []float64{1, 0.5}))
	assert.False(t, InBox([]float64{0.5, 0.6}, []float64{0, 0.5}, []float64{1, 0.5}))
	assert.Nil(t, FromRows(nil))
}
