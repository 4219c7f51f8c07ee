package coupling

import (
	"math/rand/v2"
)

// StratifiedConfig controls the reinitialization scheme. Pairs of organs in
// the same category draw around that category's mean; pairs spanning
// categories draw around CrossMean; pairs touching an uncategorized organ draw
// around DefaultMean. Noise is Gaussian, truncated at ±2σ.
type StratifiedConfig struct {
	CategoryMeans map[string]float64 `yaml:"category_means" json:"category_means"`
	CrossMean     float64            `yaml:"cross_mean" json:"cross_mean"`
	DefaultMean   float64            `yaml:"default_mean" json:"default_mean"`
	NoiseSigma    float64            `yaml:"noise_sigma" json:"noise_sigma"`
	Seed          uint64             `yaml:"seed" json:"seed"`
}

// DefaultStratifiedConfig returns the defaults used for two semantic classes.
func DefaultStratifiedConfig() StratifiedConfig {
	return StratifiedConfig{
		CategoryMeans: map[string]float64{
			"affective": 0.70,
			"cognitive": 0.60,
		},
		CrossMean:   0.45,
		DefaultMean: 0.55,
		NoiseSigma:  0.05,
		Seed:        1,
	}
}

func (c StratifiedConfig) target(catA, catB string) float64 {
	if catA == "" || catB == "" {
		return c.DefaultMean
	}
	if catA != catB {
		return c.CrossMean
	}
	if mean, ok := c.CategoryMeans[catA]; ok {
		return mean
	}
	return c.DefaultMean
}

// stratify overwrites every off-diagonal cell of m in place.
func (l *Learner) stratify(m *Matrix, salt uint64) {
	sc := l.cfg.Stratified
	rng := rand.New(rand.NewPCG(sc.Seed, salt))

	n := m.Size()
	for i := 0; i < n; i++ {
		m.Values[i][i] = 1
		for j := i + 1; j < n; j++ {
			mean := sc.target(l.categories[m.Names[i]], l.categories[m.Names[j]])
			noise := rng.NormFloat64() * sc.NoiseSigma
			noise = clamp(noise, -2*sc.NoiseSigma, 2*sc.NoiseSigma)
			m.setSym(i, j, clamp(mean+noise, l.cfg.Lower, l.cfg.Upper))
		}
	}
}
