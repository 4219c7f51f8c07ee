package nexus

import (
	"testing"

	"organon/internal/coupling"
	"organon/internal/cycle"
	"organon/internal/energy"
	"organon/internal/organ"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newComposer(cfg Config) *Composer {
	return NewComposer(cfg, cycle.DefaultConfig().Kairos, energy.NewEvaluator(energy.DefaultConfig()))
}

func matrixWith(names []string, floor float64, pairs map[[2]string]float64) *coupling.Matrix {
	m := coupling.NewIdentity(names, floor, 0.01)
	for k, v := range pairs {
		i, _ := m.Index(k[0])
		j, _ := m.Index(k[1])
		m.Values[i][j] = v
		m.Values[j][i] = v
	}
	return m
}

func scenarioSignals() []organ.Signal {
	return []organ.Signal{
		{Name: "A", Active: true, Coherence: 0.9},
		{Name: "B", Active: true, Coherence: 0.85},
		{Name: "C", Active: true, Coherence: 0.1},
		{Name: "D", Active: false, Coherence: 0.1},
	}
}

func TestComposeKairosPair(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	m := matrixWith(names, 0.2, map[[2]string]float64{{"A", "B"}: 0.7})

	comp := newComposer(DefaultConfig()).Compose(scenarioSignals(), m, 0.55)

	require.Len(t, comp.Nexuses, 1)
	n := comp.Nexuses[0]
	assert.Equal(t, []string{"A", "B"}, n.Organs)
	assert.Equal(t, 1.5, n.GateFactors[GateKairos])
	assert.Equal(t, 1.0, n.GateFactors[GateIntersection])
	assert.InDelta(t, 0.875, n.MeanCoherence, 1e-12)
	assert.InDelta(t, 0.5+0.5*(0.875-0.4)/0.6, n.GateFactors[GateCoherence], 1e-12)
	assert.Equal(t, 1.0, n.GateFactors[GateArgmin])
	assert.Equal(t, 1.0, n.EmissionReadiness, "product clamped to 1")
	assert.False(t, comp.Fallback)
	assert.Equal(t, n.EmissionReadiness, comp.Confidence)
}

func TestComposeOutsideKairos(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	m := matrixWith(names, 0.2, map[[2]string]float64{{"A", "B"}: 0.7})

	comp := newComposer(DefaultConfig()).Compose(scenarioSignals(), m, 0.9)
	require.Len(t, comp.Nexuses, 1)
	n := comp.Nexuses[0]
	assert.Equal(t, 1.0, n.GateFactors[GateKairos])
	assert.InDelta(t, n.GateFactors[GateCoherence], n.EmissionReadiness, 1e-12)
}

func TestComposeFallbackWhenUncoupled(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	m := matrixWith(names, 0.2, map[[2]string]float64{{"A", "B"}: 0.49})

	comp := newComposer(DefaultConfig()).Compose(scenarioSignals(), m, 0.55)
	assert.Empty(t, comp.Nexuses, "coupling below the threshold")
	assert.True(t, comp.Fallback)
	assert.Zero(t, comp.Confidence)
}

func TestComposeCouplingAtThreshold(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	m := matrixWith(names, 0.2, map[[2]string]float64{{"A", "B"}: 0.5})

	comp := newComposer(DefaultConfig()).Compose(scenarioSignals(), m, 0.55)
	require.Len(t, comp.Nexuses, 1)
	assert.Equal(t, []string{"A", "B"}, comp.Nexuses[0].Organs)
	assert.False(t, comp.Fallback)
}

func TestComposeFallbackWithSingleEligible(t *testing.T) {
	m := matrixWith([]string{"A", "B"}, 0.8, nil)
	comp := newComposer(DefaultConfig()).Compose([]organ.Signal{
		{Name: "A", Active: true, Coherence: 0.9},
		{Name: "B", Active: true, Coherence: 0.3},
	}, m, 0.6)
	assert.True(t, comp.Fallback)
}

func TestComposeCoherenceGateRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoherenceThreshold = 0.9
	m := matrixWith([]string{"A", "B", "C", "D"}, 0.2, map[[2]string]float64{{"A", "B"}: 0.7})

	comp := newComposer(cfg).Compose(scenarioSignals(), m, 0.55)
	assert.Empty(t, comp.Nexuses)
	assert.True(t, comp.Fallback)
}

func TestComposeCliquesAndArgmin(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	m := matrixWith(names, 0.2, map[[2]string]float64{
		{"A", "B"}: 0.8,
		{"A", "C"}: 0.8,
		{"B", "C"}: 0.8,
		{"C", "D"}: 0.6,
	})
	signals := []organ.Signal{
		{Name: "A", Active: true, Coherence: 0.9},
		{Name: "B", Active: true, Coherence: 0.8},
		{Name: "C", Active: true, Coherence: 0.7},
		{Name: "D", Active: true, Coherence: 0.6},
	}

	comp := newComposer(DefaultConfig()).Compose(signals, m, 0.9)

	keys := make(map[string]Nexus)
	for _, n := range comp.Nexuses {
		keys[n.Key()] = n
		assert.GreaterOrEqual(t, n.EmissionReadiness, 0.0)
		assert.LessOrEqual(t, n.EmissionReadiness, 1.0)
		assert.GreaterOrEqual(t, len(n.Organs), 2)
	}
	for _, k := range []string{"A+B", "A+C", "B+C", "C+D", "A+B+C"} {
		assert.Contains(t, keys, k)
	}
	assert.Len(t, keys, 5)

	best := keys["A+B+C"]
	assert.Equal(t, 1.0, best.GateFactors[GateArgmin], "lowest projected energy wins gate 4")
	for k, n := range keys {
		if k != "A+B+C" {
			assert.Less(t, n.GateFactors[GateArgmin], 1.0)
			assert.GreaterOrEqual(t, n.GateFactors[GateArgmin], 0.5)
		}
	}

	for i := 1; i < len(comp.Nexuses); i++ {
		assert.GreaterOrEqual(t, comp.Nexuses[i-1].EmissionReadiness, comp.Nexuses[i].EmissionReadiness)
	}
}

func TestComposeMaxCandidates(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E"}
	m := matrixWith(names, 0.8, nil)
	var signals []organ.Signal
	for _, n := range names {
		signals = append(signals, organ.Signal{Name: n, Active: true, Coherence: 0.9})
	}

	cfg := DefaultConfig()
	cfg.MaxCandidates = 3
	comp := newComposer(cfg).Compose(signals, m, 0.9)
	require.Len(t, comp.Nexuses, 3)
	assert.Len(t, comp.Nexuses[0].Organs, 5, "full clique kept first")
}

func TestBronKerboschMaximalCliques(t *testing.T) {
	// 0-1-2 triangle, 2-3 edge, 4 isolated.
	edges := map[[2]int]bool{{0, 1}: true, {0, 2}: true, {1, 2}: true, {2, 3}: true}
	adj := func(a, b int) bool { return edges[[2]int{a, b}] || edges[[2]int{b, a}] }

	var cliques [][]int
	bronKerbosch(nil, []int{0, 1, 2, 3, 4}, nil, adj, func(c []int) {
		cliques = append(cliques, append([]int(nil), c...))
	})

	sizes := map[int]int{}
	for _, c := range cliques {
		sizes[len(c)]++
	}
	assert.Equal(t, map[int]int{3: 1, 2: 1, 1: 1}, sizes)
}
