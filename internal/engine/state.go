package engine

import (
	"errors"
	"fmt"
	"slices"

	"organon/internal/coupling"
	"organon/internal/family"
	"organon/internal/logging"
	"organon/internal/regime"
	"organon/internal/reward"
	"organon/internal/stability"
	"organon/internal/store"
	"organon/internal/threshold"
)

// stateVersion is the document schema version for components that do not
// declare their own.
const stateVersion = 1

// learned bundles every piece of cross-session mutable state. A turn commits
// by replacing the whole bundle.
type learned struct {
	matrix    *coupling.Matrix
	families  *family.Collection
	tau       *threshold.State
	reward    *reward.State
	regime    *regime.State
	stability *stability.State
}

func (l *learned) clone() *learned {
	return &learned{
		matrix:    l.matrix.Clone(),
		families:  l.families.Clone(),
		tau:       l.tau.Clone(),
		reward:    l.reward.Clone(),
		regime:    l.regime.Clone(),
		stability: l.stability.Clone(),
	}
}

type document struct {
	kind    store.Kind
	version int
	value   any
}

func (l *learned) documents() []document {
	return []document{
		{store.KindCoupling, coupling.SchemaVersion, l.matrix},
		{store.KindFamilies, family.SchemaVersion, l.families},
		{store.KindThreshold, stateVersion, l.tau},
		{store.KindReward, stateVersion, l.reward},
		{store.KindRegime, stateVersion, l.regime},
		{store.KindStability, stateVersion, l.stability},
	}
}

// defaults builds fresh state for the registered organs.
func (e *Engine) defaults() *learned {
	return &learned{
		matrix:    e.learner.NewMatrix(e.registry.Names()),
		families:  family.NewCollection(),
		tau:       e.evolver.NewState(),
		reward:    e.cascade.NewState(),
		regime:    regime.NewState(e.cfg.Regime),
		stability: stability.NewState(),
	}
}

// LoadReport lists what Load restored and what it had to discard.
// Generation is the store generation read, 0 when none was committed.
type LoadReport struct {
	Generation  uint64
	Restored    []store.Kind
	Defaulted   []store.Kind
	Quarantined map[store.Kind]string
}

// Load restores every document of the committed store generation. Missing
// documents keep their defaults, and so do fields a document omits. Corrupt
// documents, including ones written for another generation, are quarantined
// and replaced by defaults. Only I/O failures are returned.
func (e *Engine) Load() (LoadReport, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Engine.Load")
	defer timer.Stop()

	report := LoadReport{Quarantined: make(map[store.Kind]string)}
	if e.docs == nil {
		return report, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.defaults()
	names := e.registry.Names()

	cur, err := e.docs.Current()
	switch {
	case err == nil:
		report.Generation = cur.ID()
	case errors.Is(err, store.ErrNotFound):
		report.Defaulted = append(report.Defaulted, store.AllKinds...)
		e.state = next
		e.gen++
		logging.Engine("no committed state; using defaults")
		return report, nil
	case errors.Is(err, store.ErrCorrupt):
		logging.EngineError("data loss: %v; using defaults", err)
		dst, qerr := e.docs.QuarantinePointer()
		if qerr != nil {
			return report, qerr
		}
		report.Quarantined[store.KindPointer] = dst
		logging.Audit().DataLoss(string(store.KindPointer), dst, err)
		report.Defaulted = append(report.Defaulted, store.AllKinds...)
		e.state = next
		e.gen++
		return report, nil
	default:
		return report, err
	}

	cp := e.cfg.Coupling
	th := e.cfg.Threshold

	loaders := []struct {
		kind    store.Kind
		version int
		load    func(kind store.Kind, version int) error
	}{
		{store.KindCoupling, coupling.SchemaVersion, func(kind store.Kind, version int) error {
			m := e.learner.NewMatrix(names)
			if _, err := cur.Load(kind, version, m, func() error { return m.Validate(cp.Lower, cp.Upper) }); err != nil {
				return err
			}
			if !m.SameOrgans(names) {
				logging.EngineWarn("coupling matrix organs %v differ from registry %v; starting a new matrix", m.Names, names)
				return errOrganMismatch
			}
			next.matrix = m
			return nil
		}},
		{store.KindFamilies, family.SchemaVersion, func(kind store.Kind, version int) error {
			c := family.NewCollection()
			if _, err := cur.Load(kind, version, c, c.Validate); err != nil {
				return err
			}
			if c.Dimension != 0 && !slices.Equal(c.Organs, names) {
				logging.EngineWarn("family collection organs %v differ from registry; starting a new collection", c.Organs)
				return errOrganMismatch
			}
			if n := e.clusterer.Relabel(c); n > 0 {
				logging.Family("relabeled %d families on load", n)
			}
			next.families = c
			return nil
		}},
		{store.KindThreshold, stateVersion, func(kind store.Kind, version int) error {
			s := e.evolver.NewState()
			if _, err := cur.Load(kind, version, s, func() error { return s.Validate(th.Min, th.Max) }); err != nil {
				return err
			}
			next.tau = s
			return nil
		}},
		{store.KindReward, stateVersion, func(kind store.Kind, version int) error {
			s := e.cascade.NewState()
			if _, err := cur.Load(kind, version, s, s.Validate); err != nil {
				return err
			}
			next.reward = s
			return nil
		}},
		{store.KindRegime, stateVersion, func(kind store.Kind, version int) error {
			s := regime.NewState(e.cfg.Regime)
			if _, err := cur.Load(kind, version, s, s.Validate); err != nil {
				return err
			}
			next.regime = s
			return nil
		}},
		{store.KindStability, stateVersion, func(kind store.Kind, version int) error {
			s := stability.NewState()
			if _, err := cur.Load(kind, version, s, s.Validate); err != nil {
				return err
			}
			next.stability = s
			return nil
		}},
	}

	for _, l := range loaders {
		err := l.load(l.kind, l.version)
		switch {
		case err == nil:
			report.Restored = append(report.Restored, l.kind)
		case errors.Is(err, store.ErrNotFound), errors.Is(err, errOrganMismatch):
			report.Defaulted = append(report.Defaulted, l.kind)
		case errors.Is(err, store.ErrCorrupt):
			logging.EngineError("data loss: %v; using defaults", err)
			dst, qerr := cur.Quarantine(l.kind)
			if qerr != nil {
				return report, qerr
			}
			report.Quarantined[l.kind] = dst
			logging.Audit().DataLoss(string(l.kind), dst, err)
			report.Defaulted = append(report.Defaulted, l.kind)
		default:
			return report, fmt.Errorf("failed to load %s: %w", l.kind, err)
		}
	}

	e.state = next
	e.gen++
	logging.Engine("state loaded from generation %d: restored=%v defaulted=%v quarantined=%d", report.Generation, report.Restored, report.Defaulted, len(report.Quarantined))
	return report, nil
}

var errOrganMismatch = errors.New("organ set changed")
