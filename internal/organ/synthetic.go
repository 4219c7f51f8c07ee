package organ

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sync"
)

// Synthetic is a deterministic organ for simulations and tests. Its coherence
// is drawn around Base with uniform Jitter from a seeded source mixed with the
// turn text, so identical text and seed reproduce identical signals.
type Synthetic struct {
	ID        string
	Base      float64
	Jitter    float64
	Threshold float64 // active when coherence >= Threshold
	Tags      []string
	Seed      uint64

	mu sync.Mutex
}

// Name implements Organ.
func (s *Synthetic) Name() string { return s.ID }

// Process implements Organ.
func (s *Synthetic) Process(ctx context.Context, text string, tc TurnContext) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{Name: s.ID}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := fnv.New64a()
	_, _ = h.Write([]byte(s.ID))
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewPCG(s.Seed, h.Sum64()+uint64(tc.Cycle)))

	coh := s.Base + (rng.Float64()*2-1)*s.Jitter
	sig := Signal{
		Name:      s.ID,
		Coherence: coh,
		Urgency:   rng.Float64() * 0.5,
	}.Normalize()
	sig.Active = sig.Coherence >= s.Threshold
	if sig.Active {
		sig.ActiveTags = append([]string(nil), s.Tags...)
	}
	return sig, nil
}

// Fixed returns an organ that always reports the same signal.
func Fixed(name string, coherence float64, active bool, tags ...string) Organ {
	return Func{ID: name, Fn: func(ctx context.Context, text string, tc TurnContext) (Signal, error) {
		return Signal{Name: name, Active: active, Coherence: coherence, ActiveTags: tags}.Normalize(), nil
	}}
}
