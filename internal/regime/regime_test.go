package regime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Capacity = 4
	cfg.StableRun = 1
	cfg.CommitRun = 4
	return cfg
}

func TestRisingSatisfactionTransitions(t *testing.T) {
	c := NewClassifier(smallConfig())
	s := NewState(c.Config())

	steps := []struct {
		sat, cv float64
		want    Regime
	}{
		{0.5, 0.20, Initializing},
		{0.5, 0.15, Initializing},
		{0.5, 0.12, Initializing},
		{0.5, 0.10, Exploring},
		{0.6, 0.01, Exploring},
		{0.7, 0.005, Converging},
		{0.8, 0.005, Stable},
		{0.8, 0.005, Stable},
		{0.8, 0.005, Stable},
		{0.8, 0.005, Stable},
		{0.8, 0.005, Committed},
	}
	for i, st := range steps {
		got := c.Observe(s, Metrics{Satisfaction: st.sat, CoherenceVariance: st.cv})
		require.Equal(t, st.want, got, "step %d", i)
	}
	assert.Equal(t, Committed, s.Current)
	assert.Equal(t, 1, s.Since)
	assert.Equal(t, 4, s.Transitions)
	assert.Equal(t, 4, s.Window.Len())
}

func TestCommittedNeedsStableBeyondWindow(t *testing.T) {
	c := NewClassifier(smallConfig())
	s := NewState(c.Config())
	stable := Metrics{Satisfaction: 0.8, CoherenceVariance: 0.005}

	for i := 0; i < 3; i++ {
		require.Equal(t, Initializing, c.Observe(s, stable))
	}
	// The window is full of stable turns, but STABLE itself has not lasted
	// commit_run turns yet.
	for i := 0; i < 4; i++ {
		require.Equal(t, Stable, c.Observe(s, stable), "stable turn %d", i)
		assert.Equal(t, Stable, c.Classify(s.Window))
	}
	assert.Equal(t, 4, s.Since)

	assert.Equal(t, Committed, c.Observe(s, stable))
	assert.Equal(t, Committed, c.Observe(s, stable))
	assert.Equal(t, 2, s.Since)

	assert.Equal(t, Exploring, c.Observe(s, Metrics{Satisfaction: 0.2, CoherenceVariance: 0.005}))
	assert.Equal(t, 1, s.Since)
}

func TestClassifyIsPure(t *testing.T) {
	c := NewClassifier(smallConfig())
	w := NewWindow(4)
	for _, m := range []Metrics{{0.5, 0.1, 0}, {0.52, 0.05, 0.1}, {0.61, 0.02, 0}, {0.7, 0.01, 0}} {
		w.Push(m)
	}
	first := c.Classify(w)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(w.Clone()))
	}
}

func TestPlateaued(t *testing.T) {
	c := NewClassifier(smallConfig())
	w := NewWindow(4)
	for i := 0; i < 4; i++ {
		w.Push(Metrics{Satisfaction: 0.5, CoherenceVariance: 0.001})
	}
	assert.Equal(t, Plateaued, c.Classify(w))
	assert.Equal(t, 1.0, c.Rate(Plateaued))

	// Below the floor is not a plateau.
	low := NewWindow(4)
	for i := 0; i < 4; i++ {
		low.Push(Metrics{Satisfaction: 0.1, CoherenceVariance: 0.001})
	}
	assert.Equal(t, Exploring, c.Classify(low))
}

func TestHighSatisfactionVarianceExplores(t *testing.T) {
	c := NewClassifier(smallConfig())
	w := NewWindow(4)
	for _, s := range []float64{0.95, 0.2, 0.95, 0.2} {
		w.Push(Metrics{Satisfaction: s})
	}
	assert.Equal(t, Exploring, c.Classify(w))
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Push(Metrics{Satisfaction: float64(i) / 10})
	}
	require.Equal(t, 3, w.Len())
	assert.Equal(t, 0.2, w.Entries[0].Satisfaction)
	assert.Equal(t, 0.4, w.Entries[2].Satisfaction)
}

func TestRatesDefaults(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	want := map[Regime]float64{
		Initializing: 0.1, Exploring: 0.3, Converging: 0.5,
		Stable: 0.2, Committed: 0.1, Plateaued: 1.0,
	}
	for r, v := range want {
		assert.Equal(t, v, c.Rate(r), r)
	}
}

func TestObserveResizesWindow(t *testing.T) {
	s := &State{Current: Initializing, Window: NewWindow(2)}
	s.Window.Push(Metrics{Satisfaction: 0.4})
	c := NewClassifier(smallConfig())
	c.Observe(s, Metrics{Satisfaction: 0.5})
	assert.Equal(t, 4, s.Window.Capacity)
	assert.Equal(t, 2, s.Window.Len())
}

func TestStateValidate(t *testing.T) {
	s := NewState(DefaultConfig())
	require.NoError(t, s.Validate())

	bad := s.Clone()
	bad.Current = "WANDERING"
	assert.Error(t, bad.Validate())

	bad = s.Clone()
	bad.Window.Entries = append(bad.Window.Entries, Metrics{Satisfaction: math.NaN()})
	assert.Error(t, bad.Validate())

	bad = s.Clone()
	bad.Window.Entries = append(bad.Window.Entries, Metrics{Satisfaction: 1.2})
	assert.Error(t, bad.Validate())

	bad = s.Clone()
	bad.Window = nil
	assert.Error(t, bad.Validate())
}
