package family

import "strings"

// LabelTables is versioned lookup data for label generation.
type LabelTables struct {
	Version          int               `yaml:"version" json:"version"`
	OrganTags        map[string]string `yaml:"organ_tags" json:"organ_tags"`               // organ name -> semantic tag
	CategoryContexts map[string]string `yaml:"category_contexts" json:"category_contexts"` // category -> context label
	DefaultContext   string            `yaml:"default_context" json:"default_context"`
}

// DefaultLabelTables returns an empty table set with the "general" context.
func DefaultLabelTables() LabelTables {
	return LabelTables{
		Version:          1,
		OrganTags:        map[string]string{},
		CategoryContexts: map[string]string{},
		DefaultContext:   "general",
	}
}

// Label returns "{tag}_{context}" for a dominant organ and dominant category.
// It is a pure function of its arguments.
func Label(t LabelTables, dominantOrgan, dominantCategory string) string {
	tag, ok := t.OrganTags[dominantOrgan]
	if !ok || tag == "" {
		tag = strings.ToLower(dominantOrgan)
	}
	if tag == "" {
		tag = "unknown"
	}

	ctx := t.DefaultContext
	if dominantCategory != "" {
		if c, ok := t.CategoryContexts[dominantCategory]; ok && c != "" {
			ctx = c
		} else {
			ctx = strings.ToLower(dominantCategory)
		}
	}
	if ctx == "" {
		ctx = "general"
	}
	return tag + "_" + ctx
}
