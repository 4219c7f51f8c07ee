package coupling

import (
	"errors"
	"fmt"
	"math"
	"time"

	"organon/internal/logging"
	"organon/internal/organ"
)

// ErrSaturationDegraded is returned by Check when the matrix has lost its
// discriminative power and must be reset.
var ErrSaturationDegraded = errors.New("coupling matrix saturation degraded")

// Config configures the learner.
type Config struct {
	LearningRate    float64 `yaml:"learning_rate" json:"learning_rate"`
	Lower           float64 `yaml:"lower" json:"lower"`
	Upper           float64 `yaml:"upper" json:"upper"`
	DecayRate       float64 `yaml:"decay_rate" json:"decay_rate"`         // λ; 0 disables the regularizer
	DecayBaseline   float64 `yaml:"decay_baseline" json:"decay_baseline"` // cells relax toward this value
	HighWatermark   float64 `yaml:"high_watermark" json:"high_watermark"` // degraded when mean exceeds it
	LowStdWatermark float64 `yaml:"low_std_watermark" json:"low_std_watermark"`
	ResetFactor     float64 `yaml:"reset_factor" json:"reset_factor"` // η multiplier applied on reset
	MinLearningRate float64 `yaml:"min_learning_rate" json:"min_learning_rate"`
	AutoReset       bool    `yaml:"auto_reset" json:"auto_reset"`

	Stratified StratifiedConfig `yaml:"stratified" json:"stratified"`
}

// DefaultConfig returns the default learner configuration.
func DefaultConfig() Config {
	return Config{
		LearningRate:    0.01,
		Lower:           0.2,
		Upper:           0.9,
		DecayRate:       0,
		DecayBaseline:   0.5,
		HighWatermark:   0.85,
		LowStdWatermark: 0.08,
		ResetFactor:     0.1,
		MinLearningRate: 1e-4,
		AutoReset:       true,
		Stratified:      DefaultStratifiedConfig(),
	}
}

// Health summarizes matrix spread.
type Health struct {
	Mean        float64  `json:"mean"`
	Std         float64  `json:"std"`
	OffDiagMean float64  `json:"off_diag_mean"`
	OffDiagStd  float64  `json:"off_diag_std"`
	Degraded    bool     `json:"degraded"`
	Reasons     []string `json:"reasons,omitempty"`
}

// UpdateReport describes one Hebbian step.
type UpdateReport struct {
	Pairs     int
	MeanDelta float64
}

// Learner applies the Hebbian rule and the recovery procedure. It holds no
// matrix; every call receives the matrix it operates on.
type Learner struct {
	cfg        Config
	categories map[string]string
}

// NewLearner creates a learner. categories maps organ name to its declared
// category for stratified resets.
func NewLearner(cfg Config, categories map[string]string) *Learner {
	cats := make(map[string]string, len(categories))
	for k, v := range categories {
		cats[k] = v
	}
	return &Learner{cfg: cfg, categories: cats}
}

// Config returns the learner configuration.
func (l *Learner) Config() Config { return l.cfg }

// NewMatrix builds the initial matrix for names: stratified when categories
// are declared, identity at the lower bound otherwise.
func (l *Learner) NewMatrix(names []string) *Matrix {
	m := NewIdentity(names, l.cfg.Lower, l.cfg.LearningRate)
	if len(l.categories) > 0 {
		l.stratify(m, 0)
	}
	return m
}

// Update applies, for every pair of active organs i≠j,
// R ← R + η·c_i·c_j·s·(1−R), then the optional decay toward the baseline,
// then clamps into [Lower, Upper].
func (l *Learner) Update(m *Matrix, signals []organ.Signal, satisfaction float64) UpdateReport {
	s := unit(satisfaction)
	eta := m.LearningRate

	type act struct {
		idx int
		coh float64
	}
	var active []act
	for _, sig := range signals {
		if !sig.Active {
			continue
		}
		if i, ok := m.Index(sig.Name); ok {
			active = append(active, act{idx: i, coh: unit(sig.Coherence)})
		}
	}

	var report UpdateReport
	var deltaSum float64
	for a := 0; a < len(active); a++ {
		for b := a + 1; b < len(active); b++ {
			i, j := active[a].idx, active[b].idx
			if i == j {
				continue
			}
			r := m.Values[i][j]
			d := eta * active[a].coh * active[b].coh * s * (1 - r)
			m.setSym(i, j, r+d)
			deltaSum += d
			report.Pairs++
		}
	}
	if report.Pairs > 0 {
		report.MeanDelta = deltaSum / float64(report.Pairs)
	}

	n := m.Size()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := m.Values[i][j]
			if l.cfg.DecayRate > 0 {
				r -= l.cfg.DecayRate * (r - l.cfg.DecayBaseline)
			}
			m.setSym(i, j, clamp(r, l.cfg.Lower, l.cfg.Upper))
		}
		m.Values[i][i] = 1
	}

	m.UpdateCount++
	m.UpdatedAt = time.Now().UTC()
	m.refreshStats()

	logging.CouplingDebug("update #%d: pairs=%d mean_delta=%.5f mean=%.4f std=%.4f",
		m.UpdateCount, report.Pairs, report.MeanDelta, m.Mean, m.Std)
	return report
}

// Health computes spread statistics and the degraded flag.
func (l *Learner) Health(m *Matrix) Health {
	s := m.stats()
	h := Health{Mean: s.mean, Std: s.std, OffDiagMean: s.offDiagMean, OffDiagStd: s.offDiagStd}
	if s.mean > l.cfg.HighWatermark {
		h.Degraded = true
		h.Reasons = append(h.Reasons, fmt.Sprintf("mean %.4f above %.2f", s.mean, l.cfg.HighWatermark))
	}
	if s.std < l.cfg.LowStdWatermark {
		h.Degraded = true
		h.Reasons = append(h.Reasons, fmt.Sprintf("std %.4f below %.2f", s.std, l.cfg.LowStdWatermark))
	}
	return h
}

// Check returns the health and ErrSaturationDegraded when degraded.
func (l *Learner) Check(m *Matrix) (Health, error) {
	h := l.Health(m)
	if h.Degraded {
		return h, fmt.Errorf("%w: %v", ErrSaturationDegraded, h.Reasons)
	}
	return h, nil
}

// Reset snapshots m, reinitializes it with stratified noise and reduces η by
// ResetFactor (floored at MinLearningRate). The snapshot is independent of m.
func (l *Learner) Reset(m *Matrix, reason string) Snapshot {
	snap := newSnapshot(m, l.Health(m), reason)

	l.stratify(m, uint64(m.UpdateCount)+1)

	factor := l.cfg.ResetFactor
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	m.LearningRate = math.Max(m.LearningRate*factor, l.cfg.MinLearningRate)
	m.UpdatedAt = time.Now().UTC()
	m.refreshStats()

	logging.CouplingWarn("matrix reset (%s): mean %.4f -> %.4f, std %.4f -> %.4f, lr %.5f -> %.5f",
		reason, snap.Health.Mean, m.Mean, snap.Health.Std, m.Std, snap.Matrix.LearningRate, m.LearningRate)
	return snap
}

func unit(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
