package energy

import (
	"math"
	"math/rand/v2"
	"testing"

	"organon/internal/organ"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateStaysInUnitInterval(t *testing.T) {
	ev := NewEvaluator(Config{
		Weights:   Weights{Unsatisfaction: 2, Delta: 2, Appetition: 2, Irrelevance: 2, Complexity: 2, Uncertainty: 2},
		TagBudget: 4,
	})
	rng := rand.New(rand.NewPCG(1, 2))
	wild := func() float64 { return rng.Float64()*6 - 3 }

	for i := 0; i < 1000; i++ {
		u := wild()
		in := Inputs{
			Satisfaction:    wild(),
			DeltaEnergy:     wild(),
			ActivationRatio: wild(),
			Irrelevance:     wild(),
			Complexity:      wild(),
		}
		if i%2 == 0 {
			in.Uncertainty = &u
		}
		e, terms := ev.Evaluate(in)
		assert.GreaterOrEqual(t, e, 0.0)
		assert.LessOrEqual(t, e, 1.0)
		for _, v := range []float64{terms.Unsatisfaction, terms.Delta, terms.Appetition, terms.Irrelevance, terms.Complexity, terms.Uncertainty} {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}

	nan := math.NaN()
	e, _ := ev.Evaluate(Inputs{Satisfaction: nan, Irrelevance: math.Inf(1), Uncertainty: &nan})
	assert.False(t, math.IsNaN(e))
	assert.LessOrEqual(t, e, 1.0)
}

func TestUncertaintyOnlyWhenSupplied(t *testing.T) {
	ev := NewEvaluator(DefaultConfig())
	in := Inputs{Satisfaction: 0.5, ActivationRatio: 0.5, Irrelevance: 0.5, Complexity: 0.5}

	base, terms := ev.Evaluate(in)
	assert.Zero(t, terms.Uncertainty)

	u := 1.0
	in.Uncertainty = &u
	with, _ := ev.Evaluate(in)
	assert.InDelta(t, base+0.10, with, 1e-9)
}

func TestEvaluateWeightedSum(t *testing.T) {
	ev := NewEvaluator(DefaultConfig())
	e, _ := ev.Evaluate(Inputs{
		Satisfaction:    0.6, // unsat 0.4
		DeltaEnergy:     0.2,
		ActivationRatio: 0.25, // appetition 0.75
		Irrelevance:     0.3,
		Complexity:      0.5,
	})
	want := 0.35*0.4 + 0.15*0.2 + 0.20*0.75 + 0.15*0.3 + 0.15*0.5
	assert.InDelta(t, want, e, 1e-9)
}

func TestInputsFromSignals(t *testing.T) {
	ev := NewEvaluator(Config{Weights: DefaultConfig().Weights, TagBudget: 4})
	in := ev.InputsFromSignals([]organ.Signal{
		{Name: "A", Active: true, Coherence: 0.9, ActiveTags: []string{"x", "y"}},
		{Name: "B", Active: true, Coherence: 0.7, ActiveTags: []string{"z"}},
		{Name: "C", Active: false, Coherence: 0.1},
		{Name: "D", Active: false, Coherence: 0.2},
	})
	assert.InDelta(t, 0.5, in.ActivationRatio, 1e-9)
	assert.InDelta(t, 0.2, in.Irrelevance, 1e-9)
	assert.InDelta(t, 0.75, in.Complexity, 1e-9)

	none := ev.InputsFromSignals([]organ.Signal{{Name: "A"}})
	assert.Equal(t, 1.0, none.Irrelevance)
	assert.Zero(t, none.ActivationRatio)
}

func TestEstimateSatisfaction(t *testing.T) {
	assert.Zero(t, EstimateSatisfaction(nil))
	assert.Zero(t, EstimateSatisfaction([]organ.Signal{{Name: "A", Coherence: 0.9}}))

	got := EstimateSatisfaction([]organ.Signal{
		{Name: "A", Active: true, Coherence: 0.8},
		{Name: "B", Active: false, Coherence: 0.1},
	})
	assert.InDelta(t, 0.8*0.75, got, 1e-9)
}

func TestProjectPrefersCoherentCoupledGroups(t *testing.T) {
	ev := NewEvaluator(DefaultConfig())
	strong := ev.Project(Candidate{Size: 3, Total: 6, MeanCoherence: 0.9, MeanCoupling: 0.8, Tags: 2})
	weak := ev.Project(Candidate{Size: 2, Total: 6, MeanCoherence: 0.6, MeanCoupling: 0.55, Tags: 2})
	assert.Less(t, strong, weak)
}

func TestStateDescentRate(t *testing.T) {
	var s State
	_, ok := s.Last(0)
	assert.False(t, ok)
	assert.Zero(t, s.Delta())

	s.Record(0.8)
	s.Record(0.6)
	s.Record(0.5)

	assert.Equal(t, 0.8, s.Initial)
	assert.Equal(t, 0.5, s.Current)
	assert.Equal(t, 3, s.Cycles())
	assert.InDelta(t, 0.1, s.DescentRate, 1e-9)
	assert.InDelta(t, 0.1, s.Delta(), 1e-9)

	s.Record(7)
	assert.Equal(t, 1.0, s.Current, "recorded energies are clamped")
}
