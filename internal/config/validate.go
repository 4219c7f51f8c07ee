package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"organon/internal/cycle"
	"organon/internal/regime"
)

// ValidationError lists every invalid setting found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

type checker struct {
	problems []string
}

func (c *checker) addf(format string, args ...interface{}) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) unit(field string, v float64) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		c.addf("%s must be in [0,1], got %v", field, v)
	}
}

func (c *checker) nonNegative(field string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		c.addf("%s must be a finite non-negative number, got %v", field, v)
	}
}

func (c *checker) positive(field string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		c.addf("%s must be positive, got %v", field, v)
	}
}

func (c *checker) duration(field, v string) {
	d, err := time.ParseDuration(v)
	if err != nil {
		c.addf("%s: invalid duration %q", field, v)
		return
	}
	if d <= 0 {
		c.addf("%s must be positive, got %s", field, v)
	}
}

// Validate checks every weight, threshold and bound. It returns a
// *ValidationError listing all problems, or nil.
func (c *Config) Validate() error {
	var ck checker

	w := c.Energy.Weights
	ck.nonNegative("energy.weights.unsatisfaction", w.Unsatisfaction)
	ck.nonNegative("energy.weights.delta", w.Delta)
	ck.nonNegative("energy.weights.appetition", w.Appetition)
	ck.nonNegative("energy.weights.irrelevance", w.Irrelevance)
	ck.nonNegative("energy.weights.complexity", w.Complexity)
	ck.nonNegative("energy.weights.uncertainty", w.Uncertainty)
	if w.Sum(false) <= 0 {
		ck.addf("energy.weights must not all be zero")
	}
	if c.Energy.TagBudget < 1 {
		ck.addf("energy.tag_budget must be at least 1, got %d", c.Energy.TagBudget)
	}

	if c.Cycle.MaxCycles < 1 || c.Cycle.MaxCycles > cycle.HardMaxCycles {
		ck.addf("cycle.max_cycles must be in [1,%d], got %d", cycle.HardMaxCycles, c.Cycle.MaxCycles)
	}
	ck.unit("cycle.kairos.low", c.Cycle.Kairos.Low)
	ck.unit("cycle.kairos.high", c.Cycle.Kairos.High)
	if c.Cycle.Kairos.Low > c.Cycle.Kairos.High {
		ck.addf("cycle.kairos.low %v exceeds high %v", c.Cycle.Kairos.Low, c.Cycle.Kairos.High)
	}
	ck.nonNegative("cycle.stable_epsilon", c.Cycle.StableEpsilon)

	ck.unit("nexus.activation_threshold", c.Nexus.ActivationThreshold)
	ck.unit("nexus.coupling_threshold", c.Nexus.CouplingThreshold)
	ck.unit("nexus.coherence_threshold", c.Nexus.CoherenceThreshold)
	if c.Nexus.KairosBoost < 1 || math.IsInf(c.Nexus.KairosBoost, 0) {
		ck.addf("nexus.kairos_boost must be at least 1, got %v", c.Nexus.KairosBoost)
	}
	if c.Nexus.MaxCandidates < 1 {
		ck.addf("nexus.max_candidates must be at least 1, got %d", c.Nexus.MaxCandidates)
	}

	cp := c.Coupling
	ck.unit("coupling.lower", cp.Lower)
	ck.unit("coupling.upper", cp.Upper)
	if cp.Lower >= cp.Upper {
		ck.addf("coupling.lower %v must be below upper %v", cp.Lower, cp.Upper)
	}
	if cp.LearningRate <= 0 || cp.LearningRate > 1 {
		ck.addf("coupling.learning_rate must be in (0,1], got %v", cp.LearningRate)
	}
	if cp.DecayRate < 0 || cp.DecayRate >= 1 {
		ck.addf("coupling.decay_rate must be in [0,1), got %v", cp.DecayRate)
	}
	if cp.DecayRate > 0 && (cp.DecayBaseline < cp.Lower || cp.DecayBaseline > cp.Upper) {
		ck.addf("coupling.decay_baseline %v outside [%v,%v]", cp.DecayBaseline, cp.Lower, cp.Upper)
	}
	ck.unit("coupling.high_watermark", cp.HighWatermark)
	ck.nonNegative("coupling.low_std_watermark", cp.LowStdWatermark)
	if cp.ResetFactor <= 0 || cp.ResetFactor >= 1 {
		ck.addf("coupling.reset_factor must be in (0,1), got %v", cp.ResetFactor)
	}
	ck.positive("coupling.min_learning_rate", cp.MinLearningRate)
	if cp.MinLearningRate > cp.LearningRate {
		ck.addf("coupling.min_learning_rate %v exceeds learning_rate %v", cp.MinLearningRate, cp.LearningRate)
	}
	for cat, m := range cp.Stratified.CategoryMeans {
		ck.unit("coupling.stratified.category_means."+cat, m)
	}
	ck.unit("coupling.stratified.cross_mean", cp.Stratified.CrossMean)
	ck.unit("coupling.stratified.default_mean", cp.Stratified.DefaultMean)
	ck.nonNegative("coupling.stratified.noise_sigma", cp.Stratified.NoiseSigma)

	ck.unit("family.assign_threshold", c.Family.AssignThreshold)
	if strings.TrimSpace(c.Family.Labels.DefaultContext) == "" {
		ck.addf("family.labels.default_context must not be empty")
	}

	rg := c.Regime
	if rg.Capacity < 2 {
		ck.addf("regime.capacity must be at least 2, got %d", rg.Capacity)
	}
	ck.nonNegative("regime.high_variance", rg.HighVariance)
	ck.nonNegative("regime.low_variance", rg.LowVariance)
	if rg.LowVariance > rg.HighVariance {
		ck.addf("regime.low_variance %v exceeds high_variance %v", rg.LowVariance, rg.HighVariance)
	}
	ck.unit("regime.target", rg.Target)
	ck.unit("regime.plateau_floor", rg.PlateauFloor)
	if rg.PlateauFloor >= rg.Target {
		ck.addf("regime.plateau_floor %v must be below target %v", rg.PlateauFloor, rg.Target)
	}
	if rg.StableRun < 1 {
		ck.addf("regime.stable_run must be at least 1, got %d", rg.StableRun)
	}
	if rg.CommitRun != 0 && (rg.CommitRun < rg.StableRun || rg.CommitRun > rg.Capacity) {
		ck.addf("regime.commit_run must be 0 or in [stable_run,capacity], got %d", rg.CommitRun)
	}
	for r, v := range rg.Rates {
		if !r.Valid() {
			ck.addf("regime.rates: unknown regime %q", r)
			continue
		}
		ck.nonNegative("regime.rates."+string(r), v)
	}
	for _, r := range regime.All {
		if _, ok := rg.Rates[r]; !ok && rg.Rates != nil {
			ck.addf("regime.rates missing %s", r)
		}
	}

	th := c.Threshold
	ck.unit("threshold.min", th.Min)
	ck.unit("threshold.max", th.Max)
	if th.Min >= th.Max {
		ck.addf("threshold.min %v must be below max %v", th.Min, th.Max)
	}
	if th.Initial < th.Min || th.Initial > th.Max {
		ck.addf("threshold.initial %v outside [%v,%v]", th.Initial, th.Min, th.Max)
	}
	ck.positive("threshold.base_step", th.BaseStep)
	ck.positive("threshold.exploratory_damp", th.ExploratoryDamp)
	ck.positive("threshold.integrative_boost", th.IntegrativeBoost)
	ck.positive("threshold.variance_scale", th.VarianceScale)
	if th.HistoryLimit < 1 {
		ck.addf("threshold.history_limit must be at least 1, got %d", th.HistoryLimit)
	}

	st := c.Stability
	if st.Window < 1 {
		ck.addf("stability.window must be at least 1, got %d", st.Window)
	}
	ck.unit("stability.min_satisfaction", st.MinSatisfaction)
	ck.unit("stability.min_coherence", st.MinCoherence)
	ck.nonNegative("stability.max_variance", st.MaxVariance)
	ck.nonNegative("stability.max_std", st.MaxStd)
	if st.MaxIterations < 0 {
		ck.addf("stability.max_iterations must not be negative, got %d", st.MaxIterations)
	}

	rw := c.Reward
	ck.unit("reward.success_threshold", rw.SuccessThreshold)
	if rw.BatchSize < 1 {
		ck.addf("reward.batch_size must be at least 1, got %d", rw.BatchSize)
	}
	ck.nonNegative("reward.success_weight", rw.SuccessWeight)
	ck.nonNegative("reward.confidence_weight", rw.ConfidenceWeight)
	if rw.SuccessWeight+rw.ConfidenceWeight > 1+1e-9 {
		ck.addf("reward weights sum to %v, must not exceed 1", rw.SuccessWeight+rw.ConfidenceWeight)
	}
	if rw.Alpha <= 0 || rw.Alpha > 1 {
		ck.addf("reward.alpha must be in (0,1], got %v", rw.Alpha)
	}
	ck.unit("reward.initial_global", rw.InitialGlobal)
	if rw.TaskLogLimit < 0 || rw.EpochLimit < 0 {
		ck.addf("reward log limits must not be negative")
	}

	ck.duration("engine.turn_timeout", c.Engine.TurnTimeout)
	ck.duration("engine.flush_timeout", c.Engine.FlushTimeout)
	ck.unit("engine.fallback_confidence", c.Engine.FallbackConfidence)
	if c.Engine.FlushMode != FlushTurn && c.Engine.FlushMode != FlushEpoch {
		ck.addf("engine.flush_mode must be %q or %q, got %q", FlushTurn, FlushEpoch, c.Engine.FlushMode)
	}
	if c.Engine.FlushQueue < 1 {
		ck.addf("engine.flush_queue must be at least 1, got %d", c.Engine.FlushQueue)
	}

	seen := make(map[string]bool, len(c.Organs))
	for i, o := range c.Organs {
		if o.Name == "" {
			ck.addf("organs[%d]: name required", i)
			continue
		}
		if seen[o.Name] {
			ck.addf("organs[%d]: duplicate name %q", i, o.Name)
		}
		seen[o.Name] = true
		ck.unit(fmt.Sprintf("organs[%d].base", i), o.Base)
		ck.unit(fmt.Sprintf("organs[%d].threshold", i), o.Threshold)
		ck.nonNegative(fmt.Sprintf("organs[%d].jitter", i), o.Jitter)
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		ck.addf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		ck.addf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if len(ck.problems) > 0 {
		return &ValidationError{Problems: ck.problems}
	}
	return nil
}
