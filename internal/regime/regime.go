// Package regime classifies recent learning dynamics into a discrete regime
// from a bounded window of per-turn metrics.
package regime

import (
	"fmt"
	"math"

	"organon/internal/logging"
)

// Regime is a discrete learning-dynamics class.
type Regime string

const (
	Initializing Regime = "INITIALIZING"
	Exploring    Regime = "EXPLORING"
	Converging   Regime = "CONVERGING"
	Stable       Regime = "STABLE"
	Committed    Regime = "COMMITTED"
	Plateaued    Regime = "PLATEAUED"
)

// All lists every regime in declaration order.
var All = []Regime{Initializing, Exploring, Converging, Stable, Committed, Plateaued}

// Valid reports whether r is a known regime.
func (r Regime) Valid() bool {
	for _, k := range All {
		if r == k {
			return true
		}
	}
	return false
}

// Metrics is one window entry.
type Metrics struct {
	Satisfaction      float64 `json:"satisfaction"`
	CoherenceVariance float64 `json:"coherence_variance"`
	EnergyDescent     float64 `json:"energy_descent"`
}

// Config holds the classification thresholds.
type Config struct {
	Capacity        int                `yaml:"capacity" json:"capacity"`
	HighVariance    float64            `yaml:"high_variance" json:"high_variance"`
	LowVariance     float64            `yaml:"low_variance" json:"low_variance"`
	Target          float64            `yaml:"target" json:"target"`
	StableRun       int                `yaml:"stable_run" json:"stable_run"`
	CommitRun       int                `yaml:"commit_run" json:"commit_run"` // turns in STABLE before COMMITTED; 0 means Capacity
	RiseSlope       float64            `yaml:"rise_slope" json:"rise_slope"`
	PlateauVariance float64            `yaml:"plateau_variance" json:"plateau_variance"`
	PlateauFloor    float64            `yaml:"plateau_floor" json:"plateau_floor"`
	Rates           map[Regime]float64 `yaml:"rates" json:"rates"`
}

// DefaultRates are the evolution-rate multipliers per regime.
func DefaultRates() map[Regime]float64 {
	return map[Regime]float64{
		Initializing: 0.1,
		Exploring:    0.3,
		Converging:   0.5,
		Stable:       0.2,
		Committed:    0.1,
		Plateaued:    1.0,
	}
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        8,
		HighVariance:    0.08,
		LowVariance:     0.02,
		Target:          0.75,
		StableRun:       3,
		RiseSlope:       0.005,
		PlateauVariance: 0.0005,
		PlateauFloor:    0.3,
		Rates:           DefaultRates(),
	}
}

func (c Config) commitRun() int {
	if c.CommitRun > 0 {
		return c.CommitRun
	}
	return c.Capacity
}

// Window is a bounded FIFO of metrics, oldest first.
type Window struct {
	Capacity int       `json:"capacity"`
	Entries  []Metrics `json:"entries"`
}

// NewWindow creates an empty window.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{Capacity: capacity, Entries: make([]Metrics, 0, capacity)}
}

// Push appends m, evicting the oldest entry when full.
func (w *Window) Push(m Metrics) {
	if len(w.Entries) >= w.Capacity {
		copy(w.Entries, w.Entries[1:])
		w.Entries = w.Entries[:w.Capacity-1]
	}
	w.Entries = append(w.Entries, m)
}

// Len returns the number of entries.
func (w *Window) Len() int { return len(w.Entries) }

// Full reports whether the window holds Capacity entries.
func (w *Window) Full() bool { return len(w.Entries) >= w.Capacity }

// Clone returns a deep copy.
func (w *Window) Clone() *Window {
	out := &Window{Capacity: w.Capacity, Entries: make([]Metrics, len(w.Entries), max(w.Capacity, len(w.Entries)))}
	copy(out.Entries, w.Entries)
	return out
}

// Validate rejects out-of-range or non-finite windows.
func (w *Window) Validate() error {
	if w.Capacity < 1 {
		return fmt.Errorf("window capacity %d", w.Capacity)
	}
	if len(w.Entries) > w.Capacity {
		return fmt.Errorf("window holds %d entries, capacity %d", len(w.Entries), w.Capacity)
	}
	for i, e := range w.Entries {
		if !finite(e.Satisfaction) || !finite(e.CoherenceVariance) || !finite(e.EnergyDescent) {
			return fmt.Errorf("window entry %d is not finite", i)
		}
		if e.Satisfaction < 0 || e.Satisfaction > 1 {
			return fmt.Errorf("window entry %d satisfaction %v out of range", i, e.Satisfaction)
		}
		if e.CoherenceVariance < 0 {
			return fmt.Errorf("window entry %d coherence variance %v negative", i, e.CoherenceVariance)
		}
	}
	return nil
}

// State is the persisted regime state.
type State struct {
	Current     Regime  `json:"current"`
	Since       int     `json:"since"` // turns spent in Current
	Transitions int     `json:"transitions"`
	Window      *Window `json:"window"`
}

// NewState returns an INITIALIZING state with an empty window.
func NewState(cfg Config) *State {
	return &State{Current: Initializing, Window: NewWindow(cfg.Capacity)}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Window = s.Window.Clone()
	return &c
}

// Validate checks the regime and its window.
func (s *State) Validate() error {
	if !s.Current.Valid() {
		return fmt.Errorf("unknown regime %q", s.Current)
	}
	if s.Window == nil {
		return fmt.Errorf("missing regime window")
	}
	return s.Window.Validate()
}

// Classifier applies Config to windows.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier.
func NewClassifier(cfg Config) *Classifier {
	if cfg.Rates == nil {
		cfg.Rates = DefaultRates()
	}
	return &Classifier{cfg: cfg}
}

// Config returns the classifier configuration.
func (c *Classifier) Config() Config { return c.cfg }

// Rate returns the evolution-rate multiplier for r.
func (c *Classifier) Rate(r Regime) float64 {
	if v, ok := c.cfg.Rates[r]; ok {
		return v
	}
	return DefaultRates()[r]
}

// Observe pushes m into s's window and reclassifies. A STABLE state that has
// lasted commitRun turns is promoted to COMMITTED on the next stable turn and
// stays there until the window stops classifying as STABLE.
func (c *Classifier) Observe(s *State, m Metrics) Regime {
	if s.Window == nil || s.Window.Capacity != c.cfg.Capacity {
		w := NewWindow(c.cfg.Capacity)
		if s.Window != nil {
			for _, e := range s.Window.Entries {
				w.Push(e)
			}
		}
		s.Window = w
	}
	s.Window.Push(m)
	next := c.Classify(s.Window)
	if next == Stable && (s.Current == Committed || (s.Current == Stable && s.Since >= c.cfg.commitRun())) {
		next = Committed
	}
	if next != s.Current {
		logging.RegimeDebug("regime %s -> %s after %d turns", s.Current, next, s.Since)
		s.Current = next
		s.Since = 0
		s.Transitions++
	}
	s.Since++
	return next
}

// Classify is a pure function of the window contents. It never reports
// COMMITTED: that needs STABLE held for commitRun turns, which only Observe
// can count.
func (c *Classifier) Classify(w *Window) Regime {
	cfg := c.cfg
	if w == nil || len(w.Entries) < cfg.Capacity {
		return Initializing
	}
	sats := make([]float64, len(w.Entries))
	cvs := make([]float64, len(w.Entries))
	for i, e := range w.Entries {
		sats[i] = e.Satisfaction
		cvs[i] = e.CoherenceVariance
	}
	satMean, satVar := meanVar(sats)
	cvMean, _ := meanVar(cvs)
	noise := math.Max(satVar, cvMean)

	if noise > cfg.HighVariance {
		return Exploring
	}

	run := 0
	for i := len(w.Entries) - 1; i >= 0; i-- {
		e := w.Entries[i]
		if e.Satisfaction < cfg.Target || e.CoherenceVariance > cfg.LowVariance {
			break
		}
		run++
	}
	if run >= cfg.StableRun {
		return Stable
	}
	if slope(sats) > cfg.RiseSlope && slope(cvs) <= 0 {
		return Converging
	}
	if satVar < cfg.PlateauVariance && noise < cfg.LowVariance && satMean >= cfg.PlateauFloor && satMean < cfg.Target {
		return Plateaued
	}
	return Exploring
}

func meanVar(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, ss / float64(len(xs))
}

// slope is the least-squares slope of xs against their index.
func slope(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	xm := (n - 1) / 2
	var ym float64
	for _, y := range xs {
		ym += y
	}
	ym /= n
	var num, den float64
	for i, y := range xs {
		dx := float64(i) - xm
		num += dx * (y - ym)
		den += dx * dx
	}
	return num / den
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
