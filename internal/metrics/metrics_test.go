package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))

	hook := c.StepHook(optimization.ModeBaseline)
	hook(optimization.Step{B: 2})
	hook(optimization.Step{B: 2, Unsafe: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.samples.WithLabelValues("baseline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("baseline")))

	c.RunFinished(optimization.ModeBaseline, "completed", time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("baseline", "completed")))

	n, err := testutil.GatherAndCount(reg, "safeopt_norm_bound")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
