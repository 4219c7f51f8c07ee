package organ

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Signal
		coh  float64
		urg  float64
	}{
		{"in range", Signal{Coherence: 0.4, Urgency: 0.2}, 0.4, 0.2},
		{"above", Signal{Coherence: 1.7, Urgency: 9}, 1, 1},
		{"below", Signal{Coherence: -0.1, Urgency: -3}, 0, 0},
		{"nan", Signal{Coherence: math.NaN(), Urgency: math.NaN()}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.coh, got.Coherence)
			assert.Equal(t, tt.urg, got.Urgency)
		})
	}
}

func TestRegistryOrderAndSignature(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Fixed("A", 0.9, true), "affective"))
	require.NoError(t, r.Register(Fixed("B", 0.8, true), "cognitive"))
	require.NoError(t, r.Register(Fixed("C", 0.3, false), ""))

	assert.Error(t, r.Register(Fixed("A", 0.1, true), ""), "duplicate names rejected")
	assert.Equal(t, []string{"A", "B", "C"}, r.Names())
	assert.Equal(t, map[string]string{"A": "affective", "B": "cognitive"}, r.Categories())

	sig := r.Signature([]Signal{
		{Name: "B", Active: true, Coherence: 0.8},
		{Name: "C", Active: false, Coherence: 0.3},
		{Name: "Z", Active: true, Coherence: 1},
	})
	assert.Equal(t, []float64{0, 0.8, 0}, sig)

	require.NoError(t, r.SetCategory("C", "cognitive"))
	assert.Equal(t, "cognitive", r.Categories()["C"])
	assert.Error(t, r.SetCategory("missing", "x"))
}

func TestSyntheticDeterministic(t *testing.T) {
	a := &Synthetic{ID: "A", Base: 0.6, Jitter: 0.2, Threshold: 0.5, Seed: 7, Tags: []string{"warmth"}}
	b := &Synthetic{ID: "A", Base: 0.6, Jitter: 0.2, Threshold: 0.5, Seed: 7, Tags: []string{"warmth"}}

	ctx := context.Background()
	for cycle := 0; cycle < 5; cycle++ {
		sa, err := a.Process(ctx, "hello", TurnContext{Cycle: cycle})
		require.NoError(t, err)
		sb, err := b.Process(ctx, "hello", TurnContext{Cycle: cycle})
		require.NoError(t, err)
		assert.Equal(t, sa, sb)
		assert.GreaterOrEqual(t, sa.Coherence, 0.4)
		assert.LessOrEqual(t, sa.Coherence, 0.8)
	}
}

func TestSyntheticHonorsCancelledContext(t *testing.T) {
	s := &Synthetic{ID: "A", Base: 0.5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Process(ctx, "x", TurnContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestActiveNames(t *testing.T) {
	got := ActiveNames([]Signal{{Name: "b", Active: true}, {Name: "a", Active: true}, {Name: "c"}})
	assert.Equal(t, []string{"a", "b"}, got)
}
