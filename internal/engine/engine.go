// Package engine runs turns end to end: the convergence loop over the
// registered organs, nexus composition, and the single-writer commit of every
// piece of learned state (coupling matrix, families, regime, stability, tau
// and reward cascade), followed by asynchronous persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"organon/internal/config"
	"organon/internal/coupling"
	"organon/internal/cycle"
	"organon/internal/energy"
	"organon/internal/family"
	"organon/internal/logging"
	"organon/internal/nexus"
	"organon/internal/organ"
	"organon/internal/regime"
	"organon/internal/reward"
	"organon/internal/stability"
	"organon/internal/store"
	"organon/internal/threshold"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Turn is one unit of input.
type Turn struct {
	ID          string // generated when empty
	SessionID   string
	Text        string
	Category    string // optional; inferred from the most coherent active organ
	Values      map[string]string
	Uncertainty *float64
	// Satisfaction overrides the default satisfaction estimator.
	Satisfaction cycle.SatisfactionFunc
}

// Outcome is the result of one processed turn.
type Outcome struct {
	TurnID       string
	Reason       cycle.Reason
	Cycles       int
	Energy       float64
	Satisfaction float64
	Composition  nexus.Composition
	Confidence   float64
	Tau          float64 // threshold in effect for this turn
	Emit         bool    // confidence reached tau
	TimedOut     bool

	// Learned-state effects; zero when the turn timed out.
	Category  string // given or inferred turn category
	Regime    regime.Regime
	Stability stability.Decision
	Family    family.Assignment
	TauStep   threshold.Step
	Epoch     *reward.Epoch
	Reset     *coupling.Snapshot
}

// Engine owns the learned state and serializes every mutation of it.
type Engine struct {
	cfg      *config.Config
	registry *organ.Registry
	docs     *store.Documents
	history  *store.History

	evaluator  *energy.Evaluator
	controller *cycle.Controller
	composer   *nexus.Composer
	learner    *coupling.Learner
	clusterer  *family.Clusterer
	classifier *regime.Classifier
	evolver    *threshold.Evolver
	tracker    *stability.Tracker
	cascade    *reward.Cascade

	mu     sync.Mutex
	state  *learned
	gen    uint64
	turns  int
	closed bool

	flushMu    sync.Mutex
	flushedGen uint64
	flusher    *flusher
}

// New validates cfg and builds an engine over the registered organs. docs and
// history may be nil, which disables persistence or the audit log. The
// engine starts with default state; call Load to restore persisted state.
func New(cfg *config.Config, registry *organ.Registry, docs *store.Documents, history *store.History) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("at least one organ must be registered")
	}

	ev := energy.NewEvaluator(cfg.Energy)
	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		docs:       docs,
		history:    history,
		evaluator:  ev,
		controller: cycle.NewController(cfg.Cycle, registry.Organs(), ev),
		composer:   nexus.NewComposer(cfg.Nexus, cfg.Cycle.Kairos, ev),
		learner:    coupling.NewLearner(cfg.Coupling, registry.Categories()),
		clusterer:  family.NewClusterer(cfg.Family, registry.Names()),
		classifier: regime.NewClassifier(cfg.Regime),
		evolver:    threshold.NewEvolver(cfg.Threshold),
		tracker:    stability.NewTracker(cfg.Stability),
		cascade:    reward.NewCascade(cfg.Reward),
	}
	e.state = e.defaults()

	if docs != nil {
		e.flusher = newFlusher(cfg.Engine.FlushQueue, cfg.GetFlushTimeout(), e.writeAll)
		e.flusher.start()
	}

	logging.Engine("engine ready: %d organs, flush mode %s", registry.Len(), cfg.Engine.FlushMode)
	return e, nil
}

// ProcessTurn runs one turn. Recoverable conditions (timeouts, saturation,
// clustering failures) degrade the outcome instead of returning an error; an
// error means the caller's context ended or the engine is closed.
func (e *Engine) ProcessTurn(ctx context.Context, t Turn) (Outcome, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "ProcessTurn")
	defer timer.Stop()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	matrix := e.state.matrix.Clone()
	tau := e.state.tau.Tau
	e.mu.Unlock()

	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.GetTurnTimeout())
	defer cancel()

	res, err := e.controller.Run(turnCtx, cycle.Turn{
		Text:         t.Text,
		Values:       t.Values,
		Uncertainty:  t.Uncertainty,
		Satisfaction: t.Satisfaction,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if !errors.Is(err, cycle.ErrConvergenceTimeout) {
			return Outcome{}, err
		}
		return e.fallback(ctx, t, res, tau), nil
	}

	comp := e.composer.Compose(res.Signals, matrix, res.Satisfaction)
	out := Outcome{
		TurnID:       t.ID,
		Reason:       res.Reason,
		Cycles:       res.Cycles,
		Energy:       res.Energy.Current,
		Satisfaction: res.Satisfaction,
		Composition:  comp,
		Confidence:   comp.Confidence,
		Tau:          tau,
		Emit:         !comp.Fallback && comp.Confidence >= tau,
	}

	if err := e.commit(t, res, &out); err != nil {
		logging.EngineError("turn %s: learned state not committed: %v", t.ID, err)
	}

	e.record(ctx, t, out)
	return out, nil
}

// fallback builds the low-confidence outcome of a timed-out turn. Learned state
// is not touched.
func (e *Engine) fallback(ctx context.Context, t Turn, res cycle.Result, tau float64) Outcome {
	logging.EngineWarn("turn %s timed out after %d cycles; emitting fallback", t.ID, res.Cycles)
	logging.AuditWithSession(t.SessionID).TurnTimeout(t.ID, res.Cycles)
	out := Outcome{
		TurnID:       t.ID,
		Reason:       cycle.HaltTimeout,
		Cycles:       res.Cycles,
		Energy:       res.Energy.Current,
		Satisfaction: res.Satisfaction,
		Composition:  nexus.Composition{Fallback: true, Confidence: e.cfg.Engine.FallbackConfidence},
		Confidence:   e.cfg.Engine.FallbackConfidence,
		Tau:          tau,
		TimedOut:     true,
		Category:     t.Category,
	}
	e.record(ctx, t, out)
	return out
}

// commit applies every learned-state update to clones and swaps them in only
// when all of them succeed.
func (e *Engine) commit(t Turn, res cycle.Result, out *Outcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	next := e.state.clone()

	var reset *coupling.Snapshot
	e.learner.Update(next.matrix, res.Signals, res.Satisfaction)
	if h, err := e.learner.Check(next.matrix); err != nil {
		logging.CouplingWarn("turn %s: %v", t.ID, err)
		logging.Audit().CouplingDegraded(h.Reasons)
		if e.cfg.Coupling.AutoReset {
			snap := e.learner.Reset(next.matrix, fmt.Sprintf("auto: mean %.4f std %.4f", h.Mean, h.Std))
			reset = &snap
		}
	}

	category := t.Category
	if category == "" {
		category = e.inferCategory(res.Signals)
	}
	assign, err := e.clusterer.Assign(next.families, e.registry.Signature(res.Signals), res.Satisfaction, category)
	if err != nil {
		return fmt.Errorf("family assignment: %w", err)
	}

	meanCoh, cohVar := activeCoherence(res.Signals)
	prevRegime, prevDecision := next.regime.Current, next.stability.Decision
	r := e.classifier.Observe(next.regime, regime.Metrics{
		Satisfaction:      res.Satisfaction,
		CoherenceVariance: cohVar,
		EnergyDescent:     res.Energy.DescentRate,
	})

	decision := e.tracker.Observe(next.stability, stability.Sample{
		Satisfaction: res.Satisfaction,
		Coherence:    meanCoh,
		Variance:     cohVar,
	}, r)

	obs := threshold.Observation{
		Confidence:    out.Confidence,
		Variance:      cohVar,
		MeanCoherence: meanCoh,
		Regime:        r,
		Rate:          e.classifier.Rate(r),
	}
	var step threshold.Step
	if decision == stability.HaltStable {
		step = e.evolver.Hold(next.tau, obs)
	} else {
		step = e.evolver.Evolve(next.tau, obs)
	}
	if decision == stability.HaltMaxIterations {
		logging.Stability("iteration budget of %d turns exhausted; restarting stability window", e.cfg.Stability.MaxIterations)
		e.tracker.Restart(next.stability)
	}

	epoch, _ := e.cascade.Log(next.reward, t.ID, res.Satisfaction, out.Confidence)

	audit := logging.AuditWithSession(t.SessionID)
	if r != prevRegime {
		audit.RegimeChange(string(prevRegime), string(r))
	}
	if decision != prevDecision {
		audit.StabilityChange(string(prevDecision), string(decision), next.stability.Iterations)
	}
	if reset != nil {
		audit.CouplingReset(reset.ID, reset.Reason, reset.Health.Mean, reset.Health.Std)
	}
	if epoch != nil {
		audit.EpochClose(epoch.Index, epoch.Reward, epoch.GlobalAfter)
	}
	audit.TurnCommit(t.ID, string(res.Reason), res.Satisfaction, out.Confidence, step.Tau)

	e.state = next
	e.gen++
	e.turns++

	out.Category = category
	out.Family = assign
	out.Regime = r
	out.Stability = decision
	out.TauStep = step
	out.Epoch = epoch
	out.Reset = reset

	logging.EngineDebug("turn %s committed: reason=%s sat=%.3f conf=%.3f tau=%.4f regime=%s family=%s",
		t.ID, res.Reason, res.Satisfaction, out.Confidence, step.Tau, r, assign.Label)
	return nil
}

// record writes the audit rows and schedules persistence.
func (e *Engine) record(ctx context.Context, t Turn, out Outcome) {
	if e.history != nil {
		if out.Reset != nil {
			if err := e.history.RecordSnapshot(ctx, *out.Reset); err != nil {
				logging.StoreError("failed to record snapshot %s: %v", out.Reset.ID, err)
			}
		}
		row := store.TurnRecord{
			ID:           out.TurnID,
			SessionID:    t.SessionID,
			At:           time.Now().UTC(),
			Cycles:       out.Cycles,
			HaltReason:   string(out.Reason),
			Energy:       out.Energy,
			Satisfaction: out.Satisfaction,
			Confidence:   out.Confidence,
			Tau:          out.Tau,
			Regime:       string(out.Regime),
			FamilyID:     out.Family.FamilyID,
			NexusCount:   len(out.Composition.Nexuses),
			TimedOut:     out.TimedOut,
			Fallback:     out.Composition.Fallback,
			Category:     out.Category,
			Emitted:      out.Emit,
		}
		if err := e.history.RecordTurn(ctx, row); err != nil {
			logging.StoreError("failed to record turn %s: %v", out.TurnID, err)
		}
		if out.Epoch != nil {
			if err := e.history.RecordEpoch(ctx, *out.Epoch); err != nil {
				logging.StoreError("failed to record epoch %d: %v", out.Epoch.Index, err)
			}
		}
	}

	if out.TimedOut || e.flusher == nil {
		return
	}
	if e.cfg.Engine.FlushMode == config.FlushTurn || out.Epoch != nil || out.Reset != nil {
		e.flusher.request()
	}
}

// inferCategory returns the declared category of the most coherent active
// organ, or "" when none is active or categorized.
func (e *Engine) inferCategory(signals []organ.Signal) string {
	cats := e.registry.Categories()
	best, bestCoh := "", -1.0
	for _, s := range signals {
		if !s.Active {
			continue
		}
		if c, ok := cats[s.Name]; ok && s.Coherence > bestCoh {
			best, bestCoh = c, s.Coherence
		}
	}
	return best
}

// activeCoherence returns the mean and population variance of active organ
// coherence.
func activeCoherence(signals []organ.Signal) (float64, float64) {
	var xs []float64
	for _, s := range signals {
		if s.Active {
			xs = append(xs, s.Coherence)
		}
	}
	if len(xs) == 0 {
		return 0, 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return mean, v / float64(len(xs))
}

// writeAll saves every document in parallel. It reports false when the state
// has not changed since the last successful flush.
func (e *Engine) writeAll(ctx context.Context) (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	gen := e.gen
	if gen == e.flushedGen {
		e.mu.Unlock()
		return false, nil
	}
	snap := e.state.clone()
	e.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "Engine.writeAll")
	defer timer.Stop()

	batch, err := e.docs.Begin()
	if err != nil {
		return false, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range snap.documents() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return batch.Save(d.kind, d.version, d.value)
		})
	}
	if err := g.Wait(); err != nil {
		e.docs.Abort(batch)
		return false, err
	}
	if err := ctx.Err(); err != nil {
		e.docs.Abort(batch)
		return false, err
	}
	if err := e.docs.Commit(batch); err != nil {
		e.docs.Abort(batch)
		return false, err
	}

	e.mu.Lock()
	e.flushedGen = gen
	e.mu.Unlock()
	logging.StoreDebug("flushed state generation %d to store generation %d", gen, batch.ID())
	return true, nil
}

// Flush synchronously persists the current state.
func (e *Engine) Flush(ctx context.Context) error {
	if e.docs == nil {
		return nil
	}
	_, err := e.writeAll(ctx)
	return err
}

// Close stops accepting turns, runs a final flush and waits for the
// background flusher.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.flusher == nil {
		return nil
	}
	e.flusher.stop()

	// Retries anything the final background flush could not write.
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GetFlushTimeout())
	defer cancel()
	return e.Flush(ctx)
}

// FlushStats returns background persistence counters.
func (e *Engine) FlushStats() FlushStats {
	if e.flusher == nil {
		return FlushStats{}
	}
	return e.flusher.snapshot()
}

// Status summarizes the learned state.
type Status struct {
	Turns        int
	Health       coupling.Health
	LearningRate float64
	UpdateCount  int
	Tau          float64
	Regime       regime.Regime
	Stability    stability.Decision
	Iterations   int
	Families     int
	GlobalReward float64
	Epochs       int
}

// Status returns a consistent view of the learned state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	return Status{
		Turns:        e.turns,
		Health:       e.learner.Health(s.matrix),
		LearningRate: s.matrix.LearningRate,
		UpdateCount:  s.matrix.UpdateCount,
		Tau:          s.tau.Tau,
		Regime:       s.regime.Current,
		Stability:    s.stability.Decision,
		Iterations:   s.stability.Iterations,
		Families:     len(s.families.Records),
		GlobalReward: s.reward.Global,
		Epochs:       s.reward.EpochCount,
	}
}

// Health returns the coupling matrix health.
func (e *Engine) Health() coupling.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.learner.Health(e.state.matrix)
}

// Matrix returns a copy of the coupling matrix.
func (e *Engine) Matrix() *coupling.Matrix {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.matrix.Clone()
}

// ResetCoupling snapshots and reinitializes the coupling matrix on demand.
func (e *Engine) ResetCoupling(ctx context.Context, reason string) (coupling.Snapshot, error) {
	if reason == "" {
		reason = "manual"
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return coupling.Snapshot{}, ErrClosed
	}
	m := e.state.matrix.Clone()
	snap := e.learner.Reset(m, reason)
	e.state.matrix = m
	e.gen++
	e.mu.Unlock()
	logging.Audit().CouplingReset(snap.ID, snap.Reason, snap.Health.Mean, snap.Health.Std)

	if e.history != nil {
		if err := e.history.RecordSnapshot(ctx, snap); err != nil {
			return snap, fmt.Errorf("failed to record snapshot: %w", err)
		}
	}
	if e.flusher != nil {
		e.flusher.request()
	}
	return snap, nil
}

// RewardSummary is the cascade trend.
type RewardSummary struct {
	Global float64
	Epochs []reward.Epoch
	Slope  float64
	Batch  int // tasks in the open epoch
}

// Rewards returns the last n epochs (all when n <= 0) and their trend.
func (e *Engine) Rewards(n int) RewardSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	eps, slope := reward.Trend(e.state.reward, n)
	return RewardSummary{
		Global: e.state.reward.Global,
		Epochs: eps,
		Slope:  slope,
		Batch:  len(e.state.reward.Batch),
	}
}

// Families returns copies of every family, largest first.
func (e *Engine) Families() []family.Record {
	e.mu.Lock()
	c := e.state.families.Clone()
	e.mu.Unlock()

	out := make([]family.Record, len(c.Records))
	for i, r := range c.Records {
		out[i] = *r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MemberCount > out[j].MemberCount })
	return out
}

// SetLabelTables swaps the label tables and relabels every family. It is the
// hot-reload hook for config.Watcher.
func (e *Engine) SetLabelTables(t family.LabelTables) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clusterer.SetTables(t)
	c := e.state.families.Clone()
	n := e.clusterer.Relabel(c)
	e.state.families = c
	if n > 0 {
		e.gen++
		if e.flusher != nil && !e.closed {
			e.flusher.request()
		}
	}
	logging.Family("label tables v%d applied, %d families relabeled", t.Version, n)
	logging.Audit().LabelsReloaded(t.Version, n)
	return n
}

// Tau returns the emission threshold in effect.
func (e *Engine) Tau() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.tau.Tau
}
