package family

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var organs = []string{"Emotion", "Logic", "Memory", "Ethics"}

func TestNearIdenticalSignaturesFormOneFamily(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	rng := rand.New(rand.NewPCG(4, 4))
	base := []float64{0.9, 0.2, 0.5, 0.1}

	var first string
	for i := 0; i < 100; i++ {
		sig := make([]float64, len(base))
		for k, v := range base {
			sig[k] = v + (rng.Float64()-0.5)*0.02
		}
		require.Greater(t, Cosine(sig, base), 0.95)

		a, err := cl.Assign(c, sig, 0.6, "casual")
		require.NoError(t, err)
		if i == 0 {
			first = a.FamilyID
			assert.True(t, a.Created)
		} else {
			assert.Equal(t, first, a.FamilyID)
			assert.False(t, a.Created)
		}
	}

	require.Len(t, c.Records, 1)
	r := c.Records[0]
	assert.Equal(t, 100, r.MemberCount)
	assert.Equal(t, 100, r.CategoryDistribution["casual"])
	assert.InDelta(t, 0.6, r.SatisfactionMean, 1e-12)
	assert.InDelta(t, 0, r.SatisfactionVariance(), 1e-12)
	for k := range base {
		assert.InDelta(t, base[k], r.Centroid[k], 0.01)
	}
	assert.Equal(t, "emotion_casual", r.Label)
}

func TestAssignIsIdempotent(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	sig := []float64{0.1, 0.8, 0.3, 0.2}

	a1, err := cl.Assign(c, sig, 0.5, "")
	require.NoError(t, err)
	a2, err := cl.Assign(c, sig, 0.5, "")
	require.NoError(t, err)

	assert.Equal(t, a1.FamilyID, a2.FamilyID)
	assert.Len(t, c.Records, 1)
	assert.InDelta(t, 1, a2.Similarity, 1e-12)
	assert.Equal(t, sig, c.Records[0].Centroid)
}

func TestDissimilarSignatureCreatesFamily(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()

	_, err := cl.Assign(c, []float64{1, 0, 0, 0}, 0.5, "")
	require.NoError(t, err)
	a, err := cl.Assign(c, []float64{0, 1, 0, 0}, 0.5, "")
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.Len(t, c.Records, 2)
	assert.Equal(t, "logic_general", a.Label)
}

func TestIncrementalStatistics(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	sats := []float64{0.2, 0.4, 0.9}
	sigs := [][]float64{{1, 0.1, 0, 0}, {1, 0.2, 0, 0}, {1, 0.3, 0, 0}}
	for i := range sats {
		_, err := cl.Assign(c, sigs[i], sats[i], "")
		require.NoError(t, err)
	}
	require.Len(t, c.Records, 1)
	r := c.Records[0]
	assert.InDelta(t, 0.2, r.Centroid[1], 1e-12)
	assert.InDelta(t, 0.5, r.SatisfactionMean, 1e-12)
	// population variance of {0.2, 0.4, 0.9}
	assert.InDelta(t, (0.09+0.01+0.16)/3, r.SatisfactionVariance(), 1e-12)
}

func TestDimensionLocked(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	_, err := cl.Assign(c, []float64{1, 0, 0, 0}, 0.5, "")
	require.NoError(t, err)
	assert.Equal(t, 4, c.Dimension)

	_, err = cl.Assign(c, []float64{1, 0, 0}, 0.5, "")
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.Len(t, c.Records, 1)

	_, err = cl.Assign(c, []float64{math.NaN(), 0, 0, 0}, 0.5, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestLabelFollowsDominantChanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AssignThreshold = 0.5
	cfg.Labels.OrganTags = map[string]string{"Emotion": "feeling", "Logic": "reason"}
	cfg.Labels.CategoryContexts = map[string]string{"work": "professional"}
	cl := NewClusterer(cfg, organs)
	c := NewCollection()

	a, err := cl.Assign(c, []float64{0.9, 0.6, 0, 0}, 0.5, "work")
	require.NoError(t, err)
	assert.Equal(t, "feeling_professional", a.Label)

	a, err = cl.Assign(c, []float64{0.9, 0.6, 0, 0}, 0.5, "work")
	require.NoError(t, err)
	assert.False(t, a.LabelChanged)

	// Pull the centroid toward Logic.
	for i := 0; i < 4; i++ {
		a, err = cl.Assign(c, []float64{0.5, 1, 0, 0}, 0.5, "work")
		require.NoError(t, err)
	}
	require.Len(t, c.Records, 1)
	assert.Equal(t, "Logic", c.Records[0].DominantOrgan)
	assert.Equal(t, "reason_professional", c.Records[0].Label)
}

func TestRelabel(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	_, err := cl.Assign(c, []float64{0, 0, 1, 0}, 0.5, "Support")
	require.NoError(t, err)
	assert.Equal(t, "memory_support", c.Records[0].Label)

	tables := DefaultLabelTables()
	tables.Version = 2
	tables.OrganTags["Memory"] = "recall"
	cl.SetTables(tables)
	assert.Equal(t, 1, cl.Relabel(c))
	assert.Equal(t, "recall_support", c.Records[0].Label)
	assert.Equal(t, 0, cl.Relabel(c))
}

func TestLabelPure(t *testing.T) {
	tables := LabelTables{
		OrganTags:        map[string]string{"Emotion": "empathy"},
		CategoryContexts: map[string]string{"grief": "loss"},
		DefaultContext:   "general",
	}
	tests := []struct {
		organ, category, want string
	}{
		{"Emotion", "grief", "empathy_loss"},
		{"Emotion", "", "empathy_general"},
		{"Logic", "grief", "logic_loss"},
		{"Logic", "Work", "logic_work"},
		{"", "", "unknown_general"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Label(tables, tt.organ, tt.category))
		assert.Equal(t, tt.want, Label(tables, tt.organ, tt.category), "same input, same label")
	}
	assert.Equal(t, "x_general", Label(LabelTables{}, "X", ""))
}

func TestCosineZeroVectors(t *testing.T) {
	assert.Equal(t, 1.0, Cosine([]float64{0, 0}, []float64{0, 0}))
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 0}))
	assert.InDelta(t, 1, Cosine([]float64{2, 0}, []float64{5, 0}), 1e-12)
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 0}))
}

func TestCloneDoesNotAlias(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	_, err := cl.Assign(c, []float64{1, 0, 0, 0}, 0.5, "a")
	require.NoError(t, err)

	cp := c.Clone()
	_, err = cl.Assign(cp, []float64{1, 0, 0, 0}, 0.5, "a")
	require.NoError(t, err)

	assert.Equal(t, 1, c.Records[0].MemberCount)
	assert.Equal(t, 1, c.Records[0].CategoryDistribution["a"])
	assert.Equal(t, 2, cp.Records[0].MemberCount)
}

func TestValidate(t *testing.T) {
	cl := NewClusterer(DefaultConfig(), organs)
	c := NewCollection()
	require.NoError(t, c.Validate())
	_, err := cl.Assign(c, []float64{1, 0, 0, 0}, 0.5, "")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	tests := []struct {
		name   string
		mutate func(c *Collection)
	}{
		{"nan centroid", func(c *Collection) { c.Records[0].Centroid[0] = math.NaN() }},
		{"short centroid", func(c *Collection) { c.Records[0].Centroid = c.Records[0].Centroid[:2] }},
		{"zero members", func(c *Collection) { c.Records[0].MemberCount = 0 }},
		{"satisfaction", func(c *Collection) { c.Records[0].SatisfactionMean = 1.5 }},
		{"negative m2", func(c *Collection) { c.Records[0].SatisfactionM2 = -1 }},
		{"no id", func(c *Collection) { c.Records[0].ID = "" }},
		{"duplicate", func(c *Collection) { c.Records = append(c.Records, c.Records[0]) }},
		{"dimension", func(c *Collection) { c.Dimension = 0 }},
		{"organs", func(c *Collection) { c.Organs = c.Organs[:1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := c.Clone()
			tt.mutate(cp)
			assert.Error(t, cp.Validate())
		})
	}
}

func TestAssignIntoRecordWithoutDistribution(t *testing.T) {
	raw := `{"version":1,"dimension":4,"organs":["Emotion","Logic","Memory","Ethics"],"records":[
		{"id":"f1","centroid":[1,0,0,0],"member_count":2,"satisfaction_mean":0.5,"label":"emotion_general","dominant_organ":"Emotion"}]}`
	c := NewCollection()
	require.NoError(t, json.Unmarshal([]byte(raw), c))
	require.NoError(t, c.Validate())
	require.Nil(t, c.Records[0].CategoryDistribution)

	cl := NewClusterer(DefaultConfig(), organs)
	a, err := cl.Assign(c, []float64{1, 0, 0, 0}, 0.5, "casual")
	require.NoError(t, err)
	assert.False(t, a.Created)
	assert.Equal(t, 3, a.MemberCount)
	assert.Equal(t, map[string]int{"casual": 1}, c.Records[0].CategoryDistribution)
}
