// Package coupling maintains the persistent pairwise organ affinity matrix and
// its Hebbian learning rule, including saturation health checks and the
// stratified reset used to recover from saturation.
package coupling

import (
	"fmt"
	"math"
	"time"
)

// SchemaVersion is the persisted matrix format version.
const SchemaVersion = 1

const symmetryTolerance = 1e-9

// Matrix is an N×N symmetric affinity matrix with unit diagonal.
type Matrix struct {
	Names        []string    `json:"names"`
	Values       [][]float64 `json:"values"`
	LearningRate float64     `json:"learning_rate"`
	UpdateCount  int         `json:"update_count"`
	Mean         float64     `json:"mean"`
	Std          float64     `json:"std"`
	UpdatedAt    time.Time   `json:"timestamp"`
	Version      int         `json:"version"`
}

// NewIdentity returns a matrix whose off-diagonal cells sit at floor.
func NewIdentity(names []string, floor, learningRate float64) *Matrix {
	n := len(names)
	m := &Matrix{
		Names:        append([]string(nil), names...),
		Values:       make([][]float64, n),
		LearningRate: learningRate,
		Version:      SchemaVersion,
		UpdatedAt:    time.Now().UTC(),
	}
	for i := range m.Values {
		m.Values[i] = make([]float64, n)
		for j := range m.Values[i] {
			if i == j {
				m.Values[i][j] = 1
			} else {
				m.Values[i][j] = floor
			}
		}
	}
	m.refreshStats()
	return m
}

// Size returns N.
func (m *Matrix) Size() int { return len(m.Names) }

// At returns R[i,j].
func (m *Matrix) At(i, j int) float64 { return m.Values[i][j] }

// Index returns the row of the named organ.
func (m *Matrix) Index(name string) (int, bool) {
	for i, n := range m.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Pair returns R for two organ names (0 when either is unknown).
func (m *Matrix) Pair(a, b string) float64 {
	i, okA := m.Index(a)
	j, okB := m.Index(b)
	if !okA || !okB {
		return 0
	}
	return m.Values[i][j]
}

// setSym writes v into both (i,j) and (j,i).
func (m *Matrix) setSym(i, j int, v float64) {
	m.Values[i][j] = v
	m.Values[j][i] = v
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := *m
	c.Names = append([]string(nil), m.Names...)
	c.Values = make([][]float64, len(m.Values))
	for i, row := range m.Values {
		c.Values[i] = append([]float64(nil), row...)
	}
	return &c
}

// SameOrgans reports whether the matrix covers exactly names, in order.
func (m *Matrix) SameOrgans(names []string) bool {
	if len(names) != len(m.Names) {
		return false
	}
	for i := range names {
		if names[i] != m.Names[i] {
			return false
		}
	}
	return true
}

// refreshStats recomputes the full-matrix mean and std metadata.
func (m *Matrix) refreshStats() {
	s := m.stats()
	m.Mean = s.mean
	m.Std = s.std
}

type matrixStats struct {
	mean, std               float64
	offDiagMean, offDiagStd float64
}

func (m *Matrix) stats() matrixStats {
	n := len(m.Values)
	if n == 0 {
		return matrixStats{}
	}
	var sum, sumOff float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := m.Values[i][j]
			sum += v
			if i != j {
				sumOff += v
			}
		}
	}
	cells := float64(n * n)
	offCells := float64(n*n - n)

	var s matrixStats
	s.mean = sum / cells
	if offCells > 0 {
		s.offDiagMean = sumOff / offCells
	}

	var sq, sqOff float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := m.Values[i][j]
			sq += (v - s.mean) * (v - s.mean)
			if i != j {
				sqOff += (v - s.offDiagMean) * (v - s.offDiagMean)
			}
		}
	}
	s.std = math.Sqrt(sq / cells)
	if offCells > 0 {
		s.offDiagStd = math.Sqrt(sqOff / offCells)
	}
	return s
}

// Validate rejects structurally or numerically invalid matrices.
func (m *Matrix) Validate(lower, upper float64) error {
	n := len(m.Names)
	if n == 0 {
		return fmt.Errorf("matrix has no organs")
	}
	if len(m.Values) != n {
		return fmt.Errorf("matrix has %d rows for %d organs", len(m.Values), n)
	}
	if !finite(m.LearningRate) || m.LearningRate <= 0 || m.LearningRate > 1 {
		return fmt.Errorf("learning rate %v out of range (0,1]", m.LearningRate)
	}
	if m.UpdateCount < 0 {
		return fmt.Errorf("negative update count %d", m.UpdateCount)
	}
	for i, row := range m.Values {
		if len(row) != n {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), n)
		}
		for j, v := range row {
			if !finite(v) {
				return fmt.Errorf("cell (%d,%d) is not finite", i, j)
			}
			if i == j {
				if v != 1 {
					return fmt.Errorf("diagonal (%d,%d) = %v, want 1", i, j, v)
				}
				continue
			}
			if v < lower-symmetryTolerance || v > upper+symmetryTolerance {
				return fmt.Errorf("cell (%d,%d) = %v outside [%v,%v]", i, j, v, lower, upper)
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(m.Values[i][j]-m.Values[j][i]) > symmetryTolerance {
				return fmt.Errorf("asymmetric at (%d,%d)", i, j)
			}
		}
	}
	return nil
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
