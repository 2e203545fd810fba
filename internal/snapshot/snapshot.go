// Package snapshot persists the state of a safe optimization run: the
// samples taken so far, the ground truth they were drawn from and the
// settings of the run. Snapshots are gob encoded and zstd compressed.
package snapshot

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/copyleftdev/safeopt/internal/optimization"
	"github.com/copyleftdev/safeopt/internal/optimization/grid"
	"github.com/copyleftdev/safeopt/internal/optimization/groundtruth"
)

// Version is the current snapshot format.
const Version = 1

// ErrUnsupportedVersion is returned when loading a snapshot of an unknown
// format.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// GridSpec describes the cartesian grid over the unit hypercube.
type GridSpec struct {
	Dim           int
	PointsPerAxis int
}

// Snapshot is the persisted state of a run.
type Snapshot struct {
	Version         int
	Mode            optimization.Mode
	Hyperparameters optimization.Hyperparameters
	Grid            GridSpec
	Truth           groundtruth.State
	X               [][]float64
	Y               []float64
	Status          optimization.Status
	BestLowerBounds []float64
}

// New captures the state of a run.
func New(mode optimization.Mode, h optimization.Hyperparameters, g GridSpec, truth *groundtruth.Function, res *optimization.Result) *Snapshot {
	s := &Snapshot{
		Version:         Version,
		Mode:            mode,
		Hyperparameters: h,
		Grid:            g,
		Truth:           truth.State(),
	}
	if res != nil {
		s.Status = res.Status
		s.BestLowerBounds = append([]float64(nil), res.BestLowerBounds...)
		if res.Samples != nil {
			c := res.Samples.Clone()
			s.X, s.Y = c.X, c.Y
		}
	}
	return s
}

// Samples returns the recorded samples.
func (s *Snapshot) Samples() (*optimization.SampleSet, error) {
	return optimization.NewSampleSet(s.X, s.Y)
}

// GroundTruth rebuilds the ground truth on the recorded grid. rng drives the
// observation noise of the restored function.
func (s *Snapshot) GroundTruth(rng *rand.Rand) (*groundtruth.Function, error) {
	g, err := grid.Unit(s.Grid.Dim, s.Grid.PointsPerAxis)
	if err != nil {
		return nil, err
	}
	return groundtruth.Restore(s.Truth, g, rng)
}

// Save writes s to w.
func Save(w io.Writer, s *Snapshot) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(s); err != nil {
		enc.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return enc.Close()
}

// Load reads a snapshot from r.
func Load(r io.Reader) (*Snapshot, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	var s Snapshot
	if err := gob.NewDecoder(dec).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	if len(s.X) != len(s.Y) {
		return nil, fmt.Errorf("%w: %d inputs but %d observations", optimization.ErrShapeMismatch, len(s.X), len(s.Y))
	}
	return &s, nil
}

// SaveFile writes s to path.
func SaveFile(path string, s *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Save(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a snapshot from path.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
