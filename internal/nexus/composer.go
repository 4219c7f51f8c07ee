// Package nexus forms gated groupings of co-active organs ("nexuses") that are
// eligible to drive output selection.
package nexus

import (
	"sort"
	"strings"

	"organon/internal/coupling"
	"organon/internal/cycle"
	"organon/internal/energy"
	"organon/internal/logging"
	"organon/internal/organ"
)

// Config configures the composer.
type Config struct {
	ActivationThreshold float64 `yaml:"activation_threshold" json:"activation_threshold"`
	CouplingThreshold   float64 `yaml:"coupling_threshold" json:"coupling_threshold"`
	CoherenceThreshold  float64 `yaml:"coherence_threshold" json:"coherence_threshold"`
	KairosBoost         float64 `yaml:"kairos_boost" json:"kairos_boost"`
	MaxCandidates       int     `yaml:"max_candidates" json:"max_candidates"`
}

// DefaultConfig returns the default gating configuration.
func DefaultConfig() Config {
	return Config{
		ActivationThreshold: 0.5,
		CouplingThreshold:   0.5,
		CoherenceThreshold:  0.4,
		KairosBoost:         1.5,
		MaxCandidates:       32,
	}
}

// Gate indexes into Nexus.GateFactors.
const (
	GateIntersection = iota
	GateCoherence
	GateKairos
	GateArgmin
)

// Nexus is a gated grouping of co-active organs.
type Nexus struct {
	Organs            []string   `json:"organs"`
	MeanCoherence     float64    `json:"mean_coherence"`
	MeanCoupling      float64    `json:"mean_coupling"`
	ProjectedEnergy   float64    `json:"projected_energy"`
	GateFactors       [4]float64 `json:"gate_factors"`
	EmissionReadiness float64    `json:"emission_readiness"`
}

// Key identifies the nexus by its sorted organ set.
func (n Nexus) Key() string { return strings.Join(n.Organs, "+") }

// Composition is the composer's output for one turn.
type Composition struct {
	Nexuses    []Nexus `json:"nexuses"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback"` // no qualifying nexus; external fallback emission applies
}

// Composer builds nexuses from final signals and the coupling matrix.
type Composer struct {
	cfg       Config
	kairos    cycle.Band
	evaluator *energy.Evaluator
}

// NewComposer creates a composer.
func NewComposer(cfg Config, kairos cycle.Band, ev *energy.Evaluator) *Composer {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	return &Composer{cfg: cfg, kairos: kairos, evaluator: ev}
}

type candidate struct {
	members []int // indices into eligible
}

// Compose runs candidate formation and the four ordered gates. A composition
// with no nexuses is a valid terminal state.
func (c *Composer) Compose(signals []organ.Signal, m *coupling.Matrix, satisfaction float64) Composition {
	type member struct {
		sig organ.Signal
		row int
	}
	var eligible []member
	for _, s := range signals {
		if !s.Active || s.Coherence <= c.cfg.ActivationThreshold {
			continue
		}
		row, ok := m.Index(s.Name)
		if !ok {
			continue
		}
		eligible = append(eligible, member{sig: s, row: row})
	}

	coupled := func(a, b int) bool {
		return m.At(eligible[a].row, eligible[b].row) >= c.cfg.CouplingThreshold
	}

	cands := c.candidates(len(eligible), coupled)
	if len(cands) == 0 {
		logging.NexusDebug("no candidates among %d eligible organs", len(eligible))
		return Composition{Fallback: true}
	}

	total := len(signals)
	kairosFactor := 1.0
	if c.kairos.Contains(satisfaction) {
		kairosFactor = c.cfg.KairosBoost
	}

	nexuses := make([]Nexus, 0, len(cands))
	for _, cand := range cands {
		var n Nexus
		var cohSum, coupSum float64
		tags := 0
		pairs := 0
		for ai, a := range cand.members {
			s := eligible[a].sig
			n.Organs = append(n.Organs, s.Name)
			cohSum += s.Coherence
			tags += len(s.ActiveTags)
			for _, b := range cand.members[ai+1:] {
				coupSum += m.At(eligible[a].row, eligible[b].row)
				pairs++
			}
		}
		sort.Strings(n.Organs)
		size := len(cand.members)
		n.MeanCoherence = cohSum / float64(size)
		if pairs > 0 {
			n.MeanCoupling = coupSum / float64(pairs)
		}
		n.ProjectedEnergy = c.evaluator.Project(energy.Candidate{
			Size:          size,
			Total:         total,
			MeanCoherence: n.MeanCoherence,
			MeanCoupling:  n.MeanCoupling,
			Tags:          tags,
		})

		n.GateFactors[GateIntersection] = intersectionGate(size)
		n.GateFactors[GateCoherence] = c.coherenceGate(n.MeanCoherence)
		n.GateFactors[GateKairos] = kairosFactor
		nexuses = append(nexuses, n)
	}

	applyArgminGate(nexuses)

	kept := nexuses[:0]
	for _, n := range nexuses {
		r := n.GateFactors[0] * n.GateFactors[1] * n.GateFactors[2] * n.GateFactors[3]
		n.EmissionReadiness = energy.Clamp01(r)
		if n.EmissionReadiness > 0 {
			kept = append(kept, n)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].EmissionReadiness != kept[j].EmissionReadiness {
			return kept[i].EmissionReadiness > kept[j].EmissionReadiness
		}
		return kept[i].Key() < kept[j].Key()
	})

	comp := Composition{Nexuses: kept, Fallback: len(kept) == 0}
	if len(kept) > 0 {
		comp.Confidence = kept[0].EmissionReadiness
	}
	logging.NexusDebug("composed %d nexuses from %d candidates (confidence %.3f)", len(kept), len(cands), comp.Confidence)
	return comp
}

// candidates returns every coupled pair plus every maximal clique of size ≥ 3.
func (c *Composer) candidates(n int, coupled func(a, b int) bool) []candidate {
	var out []candidate
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			if coupled(a, b) {
				out = append(out, candidate{members: []int{a, b}})
			}
		}
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	bronKerbosch(nil, all, nil, coupled, func(clique []int) {
		if len(clique) >= 3 {
			out = append(out, candidate{members: append([]int(nil), clique...)})
		}
	})

	if len(out) > c.cfg.MaxCandidates {
		// Larger groups first; they subsume their pairs.
		sort.SliceStable(out, func(i, j int) bool { return len(out[i].members) > len(out[j].members) })
		out = out[:c.cfg.MaxCandidates]
	}
	return out
}

// bronKerbosch enumerates maximal cliques (with pivoting).
func bronKerbosch(r, p, x []int, adj func(a, b int) bool, emit func([]int)) {
	if len(p) == 0 && len(x) == 0 {
		emit(r)
		return
	}
	pivot := -1
	best := -1
	for _, u := range append(append([]int(nil), p...), x...) {
		cnt := 0
		for _, v := range p {
			if v != u && adj(u, v) {
				cnt++
			}
		}
		if cnt > best {
			best, pivot = cnt, u
		}
	}
	for _, v := range append([]int(nil), p...) {
		if pivot >= 0 && v != pivot && adj(pivot, v) {
			continue
		}
		var np, nx []int
		for _, w := range p {
			if w != v && adj(v, w) {
				np = append(np, w)
			}
		}
		for _, w := range x {
			if w != v && adj(v, w) {
				nx = append(nx, w)
			}
		}
		bronKerbosch(append(append([]int(nil), r...), v), np, nx, adj, emit)
		p = remove(p, v)
		x = append(x, v)
	}
}

func remove(s []int, v int) []int {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func intersectionGate(size int) float64 {
	if size < 2 {
		return 0
	}
	return 1
}

func (c *Composer) coherenceGate(mean float64) float64 {
	thr := c.cfg.CoherenceThreshold
	if mean <= thr {
		return 0
	}
	if thr >= 1 {
		return 1
	}
	f := 0.5 + 0.5*(mean-thr)/(1-thr)
	if f > 1 {
		return 1
	}
	return f
}

// applyArgminGate ranks contenders by projected energy (lowest first, equal
// energies share a rank) and assigns 1 − 0.5·rank/(distinct−1).
func applyArgminGate(ns []Nexus) {
	order := make([]int, len(ns))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ns[order[a]].ProjectedEnergy < ns[order[b]].ProjectedEnergy
	})

	ranks := make([]int, len(ns))
	rank := 0
	for k, i := range order {
		if k > 0 && ns[i].ProjectedEnergy > ns[order[k-1]].ProjectedEnergy {
			rank++
		}
		ranks[i] = rank
	}
	if rank == 0 {
		for i := range ns {
			ns[i].GateFactors[GateArgmin] = 1
		}
		return
	}
	for i := range ns {
		ns[i].GateFactors[GateArgmin] = 1 - 0.5*float64(ranks[i])/float64(rank)
	}
}
