// Package energy computes the V0 energy: the scalar unresolved-tension cost the
// convergence loop minimizes.
package energy

import (
	"math"

	"organon/internal/organ"
)

// Weights are the per-term coefficients. They need not sum to 1; the result is
// clamped to [0,1] either way.
type Weights struct {
	Unsatisfaction float64 `yaml:"unsatisfaction" json:"unsatisfaction"`
	Delta          float64 `yaml:"delta" json:"delta"`
	Appetition     float64 `yaml:"appetition" json:"appetition"`
	Irrelevance    float64 `yaml:"irrelevance" json:"irrelevance"`
	Complexity     float64 `yaml:"complexity" json:"complexity"`
	Uncertainty    float64 `yaml:"uncertainty" json:"uncertainty"` // only applied when an external signal is supplied
}

// Sum returns the total weight, excluding Uncertainty unless withExternal.
func (w Weights) Sum(withExternal bool) float64 {
	s := w.Unsatisfaction + w.Delta + w.Appetition + w.Irrelevance + w.Complexity
	if withExternal {
		s += w.Uncertainty
	}
	return s
}

// Config configures the evaluator.
type Config struct {
	Weights   Weights `yaml:"weights" json:"weights"`
	TagBudget int     `yaml:"tag_budget" json:"tag_budget"` // active tag count at which complexity saturates
}

// DefaultConfig returns the default evaluator configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Unsatisfaction: 0.35,
			Delta:          0.15,
			Appetition:     0.20,
			Irrelevance:    0.15,
			Complexity:     0.15,
			Uncertainty:    0.10,
		},
		TagBudget: 12,
	}
}

// Inputs are the per-cycle terms before clamping.
type Inputs struct {
	Satisfaction    float64
	DeltaEnergy     float64
	ActivationRatio float64
	Irrelevance     float64
	Complexity      float64
	Uncertainty     *float64 // nil when no external signal is supplied
}

// Terms are the clamped [0,1] terms that were weighted.
type Terms struct {
	Unsatisfaction float64 `json:"unsatisfaction"`
	Delta          float64 `json:"delta"`
	Appetition     float64 `json:"appetition"`
	Irrelevance    float64 `json:"irrelevance"`
	Complexity     float64 `json:"complexity"`
	Uncertainty    float64 `json:"uncertainty"`
}

// Evaluator computes energy from inputs.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.TagBudget <= 0 {
		cfg.TagBudget = DefaultConfig().TagBudget
	}
	return &Evaluator{cfg: cfg}
}

// Config returns the evaluator configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate returns E = clamp(sum w_i * term_i, 0, 1) and the clamped terms.
func (e *Evaluator) Evaluate(in Inputs) (float64, Terms) {
	w := e.cfg.Weights
	t := Terms{
		Unsatisfaction: Clamp01(1 - Clamp01(in.Satisfaction)),
		Delta:          Clamp01(in.DeltaEnergy),
		Appetition:     Clamp01(1 - Clamp01(in.ActivationRatio)),
		Irrelevance:    Clamp01(in.Irrelevance),
		Complexity:     Clamp01(in.Complexity),
	}

	sum := w.Unsatisfaction*t.Unsatisfaction +
		w.Delta*t.Delta +
		w.Appetition*t.Appetition +
		w.Irrelevance*t.Irrelevance +
		w.Complexity*t.Complexity
	if in.Uncertainty != nil {
		t.Uncertainty = Clamp01(*in.Uncertainty)
		sum += w.Uncertainty * t.Uncertainty
	}
	return Clamp01(sum), t
}

// InputsFromSignals derives the signal-dependent terms for one cycle.
// Satisfaction is left for the caller; see EstimateSatisfaction.
func (e *Evaluator) InputsFromSignals(signals []organ.Signal) Inputs {
	total := len(signals)
	if total == 0 {
		return Inputs{Irrelevance: 1}
	}

	active, tags := 0, 0
	var cohSum float64
	for _, s := range signals {
		if !s.Active {
			continue
		}
		active++
		tags += len(s.ActiveTags)
		cohSum += Clamp01(s.Coherence)
	}

	in := Inputs{
		ActivationRatio: float64(active) / float64(total),
		Irrelevance:     1,
		Complexity:      math.Min(1, float64(tags)/float64(e.cfg.TagBudget)),
	}
	if active > 0 {
		in.Irrelevance = 1 - cohSum/float64(active)
	}
	return in
}

// EstimateSatisfaction is the default turn satisfaction estimator: mean active
// coherence scaled by (0.5 + 0.5*activation ratio).
func EstimateSatisfaction(signals []organ.Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	active := 0
	var cohSum float64
	for _, s := range signals {
		if s.Active {
			active++
			cohSum += Clamp01(s.Coherence)
		}
	}
	if active == 0 {
		return 0
	}
	ratio := float64(active) / float64(len(signals))
	return Clamp01(cohSum / float64(active) * (0.5 + 0.5*ratio))
}

// Candidate describes a prospective organ grouping for energy projection.
type Candidate struct {
	Size          int
	Total         int
	MeanCoherence float64
	MeanCoupling  float64
	Tags          int
}

// Project estimates the energy a turn would settle at if driven by c alone.
func (e *Evaluator) Project(c Candidate) float64 {
	ratio := 0.0
	if c.Total > 0 {
		ratio = float64(c.Size) / float64(c.Total)
	}
	en, _ := e.Evaluate(Inputs{
		Satisfaction:    Clamp01(c.MeanCoherence) * Clamp01(c.MeanCoupling),
		ActivationRatio: ratio,
		Irrelevance:     1 - Clamp01(c.MeanCoherence),
		Complexity:      math.Min(1, float64(c.Tags)/float64(e.cfg.TagBudget)),
	})
	return en
}

// Clamp01 clamps x into [0,1]; NaN maps to 0 and +Inf to 1.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
