// Package family assigns each turn's activation signature to an online cluster
// ("family") with a running centroid, satisfaction statistics and a
// human-readable label.
package family

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"organon/internal/logging"

	"github.com/google/uuid"
)

// SchemaVersion is the persisted collection format version.
const SchemaVersion = 1

var (
	// ErrDimensionMismatch is returned when a signature's length differs from
	// the dimension fixed at first family creation.
	ErrDimensionMismatch = errors.New("signature dimension mismatch")
	// ErrInvalidSignature is returned for signatures with NaN/Inf components.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Config configures the clusterer.
type Config struct {
	AssignThreshold float64     `yaml:"assign_threshold" json:"assign_threshold"`
	Labels          LabelTables `yaml:"labels" json:"labels"`
}

// DefaultConfig returns the default clustering configuration.
func DefaultConfig() Config {
	return Config{AssignThreshold: 0.85, Labels: DefaultLabelTables()}
}

// Record is one family.
type Record struct {
	ID                   string         `json:"id"`
	Centroid             []float64      `json:"centroid"`
	MemberCount          int            `json:"member_count"`
	SatisfactionMean     float64        `json:"satisfaction_mean"`
	SatisfactionM2       float64        `json:"satisfaction_m2"`
	Label                string         `json:"label"`
	CategoryDistribution map[string]int `json:"category_distribution"`
	DominantOrgan        string         `json:"dominant_organ"`
	DominantCategory     string         `json:"dominant_category,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// SatisfactionVariance returns the population variance of member satisfaction.
func (r *Record) SatisfactionVariance() float64 {
	if r.MemberCount < 1 {
		return 0
	}
	return r.SatisfactionM2 / float64(r.MemberCount)
}

func (r *Record) clone() *Record {
	c := *r
	c.Centroid = append([]float64(nil), r.Centroid...)
	c.CategoryDistribution = make(map[string]int, len(r.CategoryDistribution))
	for k, v := range r.CategoryDistribution {
		c.CategoryDistribution[k] = v
	}
	return &c
}

// Collection is the persistent, append-only family set.
type Collection struct {
	Version   int       `json:"version"`
	Dimension int       `json:"dimension"`
	Organs    []string  `json:"organs"`
	Records   []*Record `json:"records"`
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{Version: SchemaVersion}
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	out := &Collection{Version: c.Version, Dimension: c.Dimension, Organs: append([]string(nil), c.Organs...)}
	out.Records = make([]*Record, len(c.Records))
	for i, r := range c.Records {
		out.Records[i] = r.clone()
	}
	return out
}

// Find returns the record with id.
func (c *Collection) Find(id string) (*Record, bool) {
	for _, r := range c.Records {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Validate rejects inconsistent or non-finite collections.
func (c *Collection) Validate() error {
	if len(c.Records) == 0 {
		return nil
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("collection has records but dimension %d", c.Dimension)
	}
	if len(c.Organs) != c.Dimension {
		return fmt.Errorf("collection has %d organs for dimension %d", len(c.Organs), c.Dimension)
	}
	seen := make(map[string]bool, len(c.Records))
	for i, r := range c.Records {
		if r == nil || r.ID == "" {
			return fmt.Errorf("record %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate family id %s", r.ID)
		}
		seen[r.ID] = true
		if len(r.Centroid) != c.Dimension {
			return fmt.Errorf("family %s centroid has %d dims, want %d", r.ID, len(r.Centroid), c.Dimension)
		}
		for _, v := range r.Centroid {
			if !finite(v) {
				return fmt.Errorf("family %s centroid is not finite", r.ID)
			}
		}
		if r.MemberCount < 1 {
			return fmt.Errorf("family %s has member count %d", r.ID, r.MemberCount)
		}
		if !finite(r.SatisfactionMean) || r.SatisfactionMean < 0 || r.SatisfactionMean > 1 {
			return fmt.Errorf("family %s satisfaction mean %v out of range", r.ID, r.SatisfactionMean)
		}
		if !finite(r.SatisfactionM2) || r.SatisfactionM2 < 0 {
			return fmt.Errorf("family %s satisfaction m2 %v invalid", r.ID, r.SatisfactionM2)
		}
	}
	return nil
}

// Assignment is the result of one Assign call.
type Assignment struct {
	FamilyID     string  `json:"family_id"`
	Created      bool    `json:"created"`
	Similarity   float64 `json:"similarity"`
	Label        string  `json:"label"`
	LabelChanged bool    `json:"label_changed"`
	MemberCount  int     `json:"member_count"`
}

// Clusterer assigns signatures to families in a Collection.
type Clusterer struct {
	cfg    Config
	organs []string
}

// NewClusterer creates a clusterer for the given organ order.
func NewClusterer(cfg Config, organs []string) *Clusterer {
	if cfg.Labels.OrganTags == nil && cfg.Labels.CategoryContexts == nil && cfg.Labels.DefaultContext == "" {
		cfg.Labels = DefaultLabelTables()
	}
	return &Clusterer{cfg: cfg, organs: append([]string(nil), organs...)}
}

// Tables returns the active label tables.
func (cl *Clusterer) Tables() LabelTables { return cl.cfg.Labels }

// SetTables replaces the label tables. Existing labels are refreshed by Relabel.
func (cl *Clusterer) SetTables(t LabelTables) { cl.cfg.Labels = t }

// Assign places signature into the most similar family when similarity
// reaches the threshold, else creates a new family. category may be empty.
func (cl *Clusterer) Assign(c *Collection, signature []float64, satisfaction float64, category string) (Assignment, error) {
	for _, v := range signature {
		if !finite(v) {
			return Assignment{}, ErrInvalidSignature
		}
	}
	if len(signature) == 0 {
		return Assignment{}, fmt.Errorf("%w: empty signature", ErrInvalidSignature)
	}
	if c.Dimension != 0 && len(signature) != c.Dimension {
		return Assignment{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(signature), c.Dimension)
	}
	if satisfaction < 0 || math.IsNaN(satisfaction) {
		satisfaction = 0
	}
	if satisfaction > 1 {
		satisfaction = 1
	}

	best, bestSim := -1, -1.0
	for i, r := range c.Records {
		if sim := Cosine(signature, r.Centroid); sim > bestSim {
			best, bestSim = i, sim
		}
	}

	now := time.Now().UTC()
	if best >= 0 && bestSim >= cl.cfg.AssignThreshold {
		r := c.Records[best]
		r.MemberCount++
		inv := 1 / float64(r.MemberCount)
		for i := range r.Centroid {
			r.Centroid[i] += (signature[i] - r.Centroid[i]) * inv
		}
		delta := satisfaction - r.SatisfactionMean
		r.SatisfactionMean += delta * inv
		r.SatisfactionM2 += delta * (satisfaction - r.SatisfactionMean)
		if category != "" {
			if r.CategoryDistribution == nil {
				r.CategoryDistribution = map[string]int{}
			}
			r.CategoryDistribution[category]++
		}
		r.UpdatedAt = now
		changed := cl.refreshLabel(r)

		logging.FamilyDebug("assigned to %s (sim %.4f, members %d)", r.ID, bestSim, r.MemberCount)
		return Assignment{
			FamilyID:     r.ID,
			Similarity:   bestSim,
			Label:        r.Label,
			LabelChanged: changed,
			MemberCount:  r.MemberCount,
		}, nil
	}

	if c.Dimension == 0 {
		c.Dimension = len(signature)
		c.Organs = cl.organsFor(len(signature))
	}
	r := &Record{
		ID:                   uuid.NewString(),
		Centroid:             append([]float64(nil), signature...),
		MemberCount:          1,
		SatisfactionMean:     satisfaction,
		CategoryDistribution: map[string]int{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if category != "" {
		r.CategoryDistribution[category] = 1
	}
	cl.refreshLabelFor(c, r)
	c.Records = append(c.Records, r)

	logging.Family("created family %s label=%s (best sim %.4f)", r.ID, r.Label, math.Max(bestSim, 0))
	return Assignment{
		FamilyID:     r.ID,
		Created:      true,
		Similarity:   1,
		Label:        r.Label,
		LabelChanged: true,
		MemberCount:  1,
	}, nil
}

// Relabel recomputes every label from the current tables and returns how many changed.
func (cl *Clusterer) Relabel(c *Collection) int {
	changed := 0
	for _, r := range c.Records {
		old := r.Label
		r.Label = Label(cl.cfg.Labels, r.DominantOrgan, r.DominantCategory)
		if r.Label != old {
			changed++
		}
	}
	return changed
}

func (cl *Clusterer) organsFor(dim int) []string {
	if len(cl.organs) == dim {
		return append([]string(nil), cl.organs...)
	}
	names := make([]string, dim)
	for i := range names {
		names[i] = fmt.Sprintf("organ%d", i)
	}
	return names
}

func (cl *Clusterer) refreshLabelFor(c *Collection, r *Record) bool {
	organ := dominantOrgan(r.Centroid, c.Organs)
	cat := dominantCategory(r.CategoryDistribution)
	if r.Label != "" && organ == r.DominantOrgan && cat == r.DominantCategory {
		return false
	}
	r.DominantOrgan, r.DominantCategory = organ, cat
	old := r.Label
	r.Label = Label(cl.cfg.Labels, organ, cat)
	return r.Label != old
}

func (cl *Clusterer) refreshLabel(r *Record) bool {
	organs := cl.organs
	if len(organs) != len(r.Centroid) {
		organs = cl.organsFor(len(r.Centroid))
	}
	return cl.refreshLabelFor(&Collection{Organs: organs}, r)
}

// dominantOrgan returns the organ with the largest centroid component
// (lowest index on ties).
func dominantOrgan(centroid []float64, organs []string) string {
	best := -1
	for i, v := range centroid {
		if best < 0 || v > centroid[best] {
			best = i
		}
	}
	if best < 0 || best >= len(organs) {
		return ""
	}
	return organs[best]
}

// dominantCategory returns the most frequent category (lexically first on ties).
func dominantCategory(dist map[string]int) string {
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if dist[k] > bestN {
			best, bestN = k, dist[k]
		}
	}
	return best
}

// Cosine returns the cosine similarity of a and b. Two zero vectors are
// identical (1); a zero and a non-zero vector are unrelated (0).
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	switch {
	case na == 0 && nb == 0:
		return 1
	case na == 0 || nb == 0:
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
