// Package threshold adapts the confidence threshold tau from regime rate and
// contextual dampening.
package threshold

import (
	"fmt"
	"math"
	"time"

	"organon/internal/logging"
	"organon/internal/regime"
)

// Config bounds and scales tau evolution.
type Config struct {
	Initial          float64 `yaml:"initial" json:"initial"`
	Min              float64 `yaml:"min" json:"min"`
	Max              float64 `yaml:"max" json:"max"`
	BaseStep         float64 `yaml:"base_step" json:"base_step"`
	ExploratoryDamp  float64 `yaml:"exploratory_damp" json:"exploratory_damp"`
	IntegrativeBoost float64 `yaml:"integrative_boost" json:"integrative_boost"`
	VarianceScale    float64 `yaml:"variance_scale" json:"variance_scale"`
	HistoryLimit     int     `yaml:"history_limit" json:"history_limit"`
}

// DefaultConfig returns the default tau configuration.
func DefaultConfig() Config {
	return Config{
		Initial:          0.5,
		Min:              0.2,
		Max:              0.9,
		BaseStep:         0.02,
		ExploratoryDamp:  0.5,
		IntegrativeBoost: 1.25,
		VarianceScale:    0.05,
		HistoryLimit:     500,
	}
}

// Observation is the per-turn input to Evolve.
type Observation struct {
	Confidence    float64
	Variance      float64 // recent measurement variance
	MeanCoherence float64 // organ agreement
	Regime        regime.Regime
	Rate          float64 // regime evolution-rate multiplier
}

// Step records one evolution.
type Step struct {
	At            time.Time     `json:"at"`
	Previous      float64       `json:"previous"`
	Tau           float64       `json:"tau"`
	Gap           float64       `json:"gap"`
	Regime        regime.Regime `json:"regime"`
	Rate          float64       `json:"rate"`
	Phase         float64       `json:"phase"`
	VarianceDamp  float64       `json:"variance_damp"`
	CoherenceDamp float64       `json:"coherence_damp"`
	Frozen        bool          `json:"frozen,omitempty"`
}

// State is the persisted threshold state.
type State struct {
	Tau     float64 `json:"tau"`
	History []Step  `json:"history"`
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{Tau: s.Tau, History: append([]Step(nil), s.History...)}
}

// Validate rejects a tau outside [min, max] or non-finite history.
func (s *State) Validate(min, max float64) error {
	if math.IsNaN(s.Tau) || s.Tau < min || s.Tau > max {
		return fmt.Errorf("tau %v outside [%v, %v]", s.Tau, min, max)
	}
	for i, st := range s.History {
		if math.IsNaN(st.Tau) || math.IsInf(st.Tau, 0) {
			return fmt.Errorf("history step %d tau is not finite", i)
		}
	}
	return nil
}

// Evolver applies the update rule.
type Evolver struct {
	cfg Config
}

// NewEvolver creates an evolver.
func NewEvolver(cfg Config) *Evolver {
	return &Evolver{cfg: cfg}
}

// Config returns the evolver configuration.
func (e *Evolver) Config() Config { return e.cfg }

// NewState returns a state at the initial tau.
func (e *Evolver) NewState() *State {
	return &State{Tau: clamp(e.cfg.Initial, e.cfg.Min, e.cfg.Max)}
}

// Evolve moves tau one step toward the observed confidence and records it.
func (e *Evolver) Evolve(s *State, obs Observation) Step {
	gap := obs.Confidence - s.Tau
	st := Step{
		At:            time.Now().UTC(),
		Previous:      s.Tau,
		Gap:           gap,
		Regime:        obs.Regime,
		Rate:          obs.Rate,
		Phase:         e.phase(obs.Regime, gap),
		VarianceDamp:  e.varianceDamp(obs.Variance),
		CoherenceDamp: coherenceDamp(obs.MeanCoherence),
	}
	delta := sign(gap) * e.cfg.BaseStep * obs.Rate * st.Phase * st.VarianceDamp * st.CoherenceDamp
	if math.IsNaN(delta) {
		delta = 0
	}
	s.Tau = clamp(s.Tau+delta, e.cfg.Min, e.cfg.Max)
	st.Tau = s.Tau
	e.record(s, st)

	logging.ThresholdDebug("tau %.4f -> %.4f (gap %.3f, regime %s, rate %.2f)", st.Previous, st.Tau, gap, obs.Regime, obs.Rate)
	return st
}

// Hold records a frozen step that leaves tau unchanged.
func (e *Evolver) Hold(s *State, obs Observation) Step {
	st := Step{
		At:       time.Now().UTC(),
		Previous: s.Tau,
		Tau:      s.Tau,
		Gap:      obs.Confidence - s.Tau,
		Regime:   obs.Regime,
		Rate:     obs.Rate,
		Frozen:   true,
	}
	e.record(s, st)
	return st
}

func (e *Evolver) record(s *State, st Step) {
	s.History = append(s.History, st)
	if limit := e.cfg.HistoryLimit; limit > 0 && len(s.History) > limit {
		s.History = append(s.History[:0:0], s.History[len(s.History)-limit:]...)
	}
}

// phase damps upward moves while exploring and boosts them while integrating.
func (e *Evolver) phase(r regime.Regime, gap float64) float64 {
	if gap <= 0 {
		return 1
	}
	switch r {
	case regime.Initializing, regime.Exploring:
		return e.cfg.ExploratoryDamp
	case regime.Converging, regime.Stable, regime.Committed:
		return e.cfg.IntegrativeBoost
	}
	return 1
}

func (e *Evolver) varianceDamp(v float64) float64 {
	if v <= 0 || e.cfg.VarianceScale <= 0 || math.IsNaN(v) {
		return 1
	}
	return 1 / (1 + v/e.cfg.VarianceScale)
}

func coherenceDamp(meanCoherence float64) float64 {
	return 0.5 + 0.5*clamp(meanCoherence, 0, 1)
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
