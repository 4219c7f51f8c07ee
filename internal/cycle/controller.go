// Package cycle drives the bounded convergence loop: each cycle invokes every
// organ, evaluates V0 energy, and applies the halt rules.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"math"

	"organon/internal/energy"
	"organon/internal/logging"
	"organon/internal/organ"
)

// HardMaxCycles bounds MaxCycles regardless of configuration.
const HardMaxCycles = 50

// ErrConvergenceTimeout reports that the wall-clock budget ran out mid-loop.
var ErrConvergenceTimeout = errors.New("convergence timeout")

// Reason is the terminal state of a loop.
type Reason string

const (
	Running       Reason = "RUNNING"
	HaltKairos    Reason = "HALT_KAIROS"
	HaltStable    Reason = "HALT_STABLE"
	HaltMaxCycles Reason = "HALT_MAX_CYCLES"
	HaltTimeout   Reason = "HALT_TIMEOUT"
)

// Converged reports whether the reason counts as successful convergence.
func (r Reason) Converged() bool { return r == HaltKairos || r == HaltStable }

// Band is a closed interval of satisfaction values.
type Band struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// Contains reports whether x lies in [Low, High].
func (b Band) Contains(x float64) bool { return x >= b.Low && x <= b.High }

// Config configures the controller.
type Config struct {
	MaxCycles     int     `yaml:"max_cycles" json:"max_cycles"`
	Kairos        Band    `yaml:"kairos" json:"kairos"`
	StableEpsilon float64 `yaml:"stable_epsilon" json:"stable_epsilon"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxCycles:     5,
		Kairos:        Band{Low: 0.45, High: 0.70},
		StableEpsilon: 0.01,
	}
}

// SatisfactionFunc estimates turn satisfaction from one cycle's signals.
type SatisfactionFunc func(signals []organ.Signal) float64

// Turn is the input to one convergence loop.
type Turn struct {
	Text         string
	Values       map[string]string
	Uncertainty  *float64
	Satisfaction SatisfactionFunc // nil uses energy.EstimateSatisfaction
}

// Result is the outcome of one loop.
type Result struct {
	Reason       Reason
	Cycles       int
	Energy       energy.State
	Signals      []organ.Signal
	Satisfaction float64
	Terms        energy.Terms
}

// Controller runs convergence loops over a fixed organ set.
type Controller struct {
	cfg       Config
	organs    []organ.Organ
	evaluator *energy.Evaluator
}

// NewController creates a controller. MaxCycles is clamped to [1, HardMaxCycles].
func NewController(cfg Config, organs []organ.Organ, ev *energy.Evaluator) *Controller {
	if cfg.MaxCycles < 1 {
		cfg.MaxCycles = 1
	}
	if cfg.MaxCycles > HardMaxCycles {
		cfg.MaxCycles = HardMaxCycles
	}
	return &Controller{cfg: cfg, organs: organs, evaluator: ev}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Run executes the loop. It returns ErrConvergenceTimeout (wrapped) with a
// partial result when ctx is done before a halt rule fires.
func (c *Controller) Run(ctx context.Context, turn Turn) (Result, error) {
	timer := logging.StartTimer(logging.CategoryCycle, "Controller.Run")
	defer timer.Stop()

	satisfy := turn.Satisfaction
	if satisfy == nil {
		satisfy = energy.EstimateSatisfaction
	}

	res := Result{Reason: Running}
	var prev []organ.Signal

	for cycle := 1; cycle <= c.cfg.MaxCycles; cycle++ {
		tc := organ.TurnContext{
			Cycle:           cycle,
			PreviousEnergy:  res.Energy.Current,
			PreviousSignals: prev,
			Values:          turn.Values,
		}

		signals, err := c.invoke(ctx, turn.Text, tc)
		if err != nil {
			res.Reason = HaltTimeout
			logging.CycleWarn("loop aborted at cycle %d: %v", cycle, err)
			return res, fmt.Errorf("cycle %d: %w", cycle, ErrConvergenceTimeout)
		}

		in := c.evaluator.InputsFromSignals(signals)
		in.Satisfaction = energy.Clamp01(satisfy(signals))
		in.DeltaEnergy = res.Energy.Delta()
		in.Uncertainty = turn.Uncertainty

		e, terms := c.evaluator.Evaluate(in)
		res.Energy.Record(e)
		res.Cycles = cycle
		res.Signals = signals
		res.Satisfaction = in.Satisfaction
		res.Terms = terms
		prev = signals

		logging.CycleDebug("cycle %d: energy=%.4f satisfaction=%.4f", cycle, e, in.Satisfaction)

		if reason := c.halt(cycle, res); reason != Running {
			res.Reason = reason
			return res, nil
		}
	}

	// Unreachable when MaxCycles >= 1: halt() returns HaltMaxCycles on the last cycle.
	res.Reason = HaltMaxCycles
	return res, nil
}

// halt applies the rules in priority order: kairos, stable, max cycles.
func (c *Controller) halt(cycle int, res Result) Reason {
	if cycle >= 2 && c.cfg.Kairos.Contains(res.Satisfaction) {
		return HaltKairos
	}
	if cycle >= 2 {
		cur, _ := res.Energy.Last(0)
		prev, _ := res.Energy.Last(1)
		if math.Abs(cur-prev) < c.cfg.StableEpsilon {
			return HaltStable
		}
	}
	if cycle >= c.cfg.MaxCycles {
		return HaltMaxCycles
	}
	return Running
}

// invoke calls every organ once. Organ errors yield an inactive signal; only a
// done context aborts the cycle.
func (c *Controller) invoke(ctx context.Context, text string, tc organ.TurnContext) ([]organ.Signal, error) {
	signals := make([]organ.Signal, 0, len(c.organs))
	for _, o := range c.organs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig, err := o.Process(ctx, text, tc)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logging.CycleWarn("organ %s failed: %v", o.Name(), err)
			sig = organ.Signal{}
		}
		sig.Name = o.Name()
		signals = append(signals, sig.Normalize())
	}
	return signals, nil
}
