// Package organ defines the capability contract for the independent scoring
// modules ("organs") that feed the convergence loop, plus a registry that fixes
// their order and declared categories.
package organ

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Signal is what one organ reports for one cycle.
type Signal struct {
	Name       string   `json:"name"`
	Active     bool     `json:"active"`
	Coherence  float64  `json:"coherence"`
	Urgency    float64  `json:"urgency"`
	ActiveTags []string `json:"active_tags,omitempty"`
}

// Normalize clamps coherence and urgency into [0,1]. NaN becomes 0.
func (s Signal) Normalize() Signal {
	s.Coherence = unit(s.Coherence)
	s.Urgency = unit(s.Urgency)
	return s
}

func unit(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// TurnContext is the per-cycle context handed to every organ.
type TurnContext struct {
	Cycle           int
	PreviousEnergy  float64
	PreviousSignals []Signal
	Values          map[string]string
}

// Organ is a scoring module. Process must not retain tc beyond the call.
type Organ interface {
	Name() string
	Process(ctx context.Context, text string, tc TurnContext) (Signal, error)
}

// Func adapts a function to the Organ interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, text string, tc TurnContext) (Signal, error)
}

// Name implements Organ.
func (f Func) Name() string { return f.ID }

// Process implements Organ.
func (f Func) Process(ctx context.Context, text string, tc TurnContext) (Signal, error) {
	return f.Fn(ctx, text, tc)
}

// Registry holds the fixed, ordered set of organs. The index of an organ is its
// row in the coupling matrix and its dimension in family signatures.
type Registry struct {
	mu         sync.RWMutex
	organs     []Organ
	index      map[string]int
	categories map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index:      make(map[string]int),
		categories: make(map[string]string),
	}
}

// Register appends an organ with an optional declared category.
func (r *Registry) Register(o Organ, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := o.Name()
	if name == "" {
		return fmt.Errorf("organ name required")
	}
	if _, exists := r.index[name]; exists {
		return fmt.Errorf("organ %q already registered", name)
	}
	r.index[name] = len(r.organs)
	r.organs = append(r.organs, o)
	if category != "" {
		r.categories[name] = category
	}
	return nil
}

// Len returns the organ count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.organs)
}

// Organs returns the organs in registration order.
func (r *Registry) Organs() []Organ {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Organ, len(r.organs))
	copy(out, r.organs)
	return out
}

// Names returns organ names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.organs))
	for i, o := range r.organs {
		names[i] = o.Name()
	}
	return names
}

// Index returns the position of the named organ.
func (r *Registry) Index(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	return i, ok
}

// Categories returns a copy of the organ -> category map.
func (r *Registry) Categories() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.categories))
	for k, v := range r.categories {
		out[k] = v
	}
	return out
}

// SetCategory overrides the declared category of a registered organ.
func (r *Registry) SetCategory(name, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[name]; !ok {
		return fmt.Errorf("unknown organ %q", name)
	}
	if category == "" {
		delete(r.categories, name)
	} else {
		r.categories[name] = category
	}
	return nil
}

// Signature maps final signals onto the registry order: coherence for active
// organs, 0 otherwise. Signals for unknown organs are ignored.
func (r *Registry) Signature(signals []Signal) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vec := make([]float64, len(r.organs))
	for _, s := range signals {
		i, ok := r.index[s.Name]
		if !ok || !s.Active {
			continue
		}
		vec[i] = unit(s.Coherence)
	}
	return vec
}

// ActiveNames returns the sorted names of active signals.
func ActiveNames(signals []Signal) []string {
	var names []string
	for _, s := range signals {
		if s.Active {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}
