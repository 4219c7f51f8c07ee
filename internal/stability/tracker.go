// Package stability decides when cross-turn learning has settled.
package stability

import (
	"fmt"
	"math"

	"organon/internal/logging"
	"organon/internal/regime"
)

// Decision is the tracker verdict.
type Decision string

const (
	Continue          Decision = "CONTINUE"
	HaltStable        Decision = "HALT_STABLE"
	HaltMaxIterations Decision = "HALT_MAX_ITERATIONS"
)

// Sample is one turn's measurements.
type Sample struct {
	Satisfaction float64 `json:"satisfaction"`
	Coherence    float64 `json:"coherence"`
	Variance     float64 `json:"variance"`
}

// Config holds the stability criteria.
type Config struct {
	Window          int     `yaml:"window" json:"window"`
	MinSatisfaction float64 `yaml:"min_satisfaction" json:"min_satisfaction"`
	MinCoherence    float64 `yaml:"min_coherence" json:"min_coherence"`
	MaxVariance     float64 `yaml:"max_variance" json:"max_variance"`
	MaxStd          float64 `yaml:"max_std" json:"max_std"`
	MaxIterations   int     `yaml:"max_iterations" json:"max_iterations"`
}

// DefaultConfig returns the default criteria.
func DefaultConfig() Config {
	return Config{
		Window:          5,
		MinSatisfaction: 0.70,
		MinCoherence:    0.60,
		MaxVariance:     0.05,
		MaxStd:          0.05,
		MaxIterations:   500,
	}
}

// State is the persisted tracker state.
type State struct {
	Iterations int      `json:"iterations"`
	Samples    []Sample `json:"samples"`
	Decision   Decision `json:"decision"`
}

// NewState returns an empty state.
func NewState() *State { return &State{Decision: Continue} }

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Samples = append([]Sample(nil), s.Samples...)
	return &c
}

// Validate rejects non-finite samples and unknown decisions.
func (s *State) Validate() error {
	switch s.Decision {
	case Continue, HaltStable, HaltMaxIterations:
	default:
		return fmt.Errorf("unknown stability decision %q", s.Decision)
	}
	if s.Iterations < 0 {
		return fmt.Errorf("negative iteration count %d", s.Iterations)
	}
	for i, x := range s.Samples {
		for _, v := range []float64{x.Satisfaction, x.Coherence, x.Variance} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("stability sample %d is not finite", i)
			}
		}
	}
	return nil
}

// Tracker evaluates the stability window.
type Tracker struct {
	cfg Config
}

// NewTracker creates a tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Window < 1 {
		cfg.Window = DefaultConfig().Window
	}
	return &Tracker{cfg: cfg}
}

// Observe records a sample and returns the new decision.
func (t *Tracker) Observe(s *State, x Sample, r regime.Regime) Decision {
	s.Iterations++
	s.Samples = append(s.Samples, x)
	if len(s.Samples) > t.cfg.Window {
		s.Samples = append(s.Samples[:0:0], s.Samples[len(s.Samples)-t.cfg.Window:]...)
	}
	d := t.Evaluate(s, r)
	if d != s.Decision {
		logging.Stability("stability %s -> %s at iteration %d (regime %s)", s.Decision, d, s.Iterations, r)
	}
	s.Decision = d
	return d
}

// Restart clears the window and iteration count.
func (t *Tracker) Restart(s *State) {
	s.Iterations = 0
	s.Samples = nil
	s.Decision = Continue
}

// Evaluate applies the criteria without mutating s.
func (t *Tracker) Evaluate(s *State, r regime.Regime) Decision {
	if t.cfg.MaxIterations > 0 && s.Iterations >= t.cfg.MaxIterations {
		return HaltMaxIterations
	}
	if r == regime.Exploring {
		return Continue
	}
	if len(s.Samples) < t.cfg.Window {
		return Continue
	}
	sat := make([]float64, len(s.Samples))
	coh := make([]float64, len(s.Samples))
	vr := make([]float64, len(s.Samples))
	for i, x := range s.Samples {
		sat[i], coh[i], vr[i] = x.Satisfaction, x.Coherence, x.Variance
	}
	satMean, satStd := meanStd(sat)
	cohMean, cohStd := meanStd(coh)
	varMean, varStd := meanStd(vr)

	if satMean >= t.cfg.MinSatisfaction && cohMean >= t.cfg.MinCoherence && varMean <= t.cfg.MaxVariance &&
		satStd <= t.cfg.MaxStd && cohStd <= t.cfg.MaxStd && varStd <= t.cfg.MaxStd {
		return HaltStable
	}
	return Continue
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
