// Package inference runs on-device crop disease classification.
//
// INVARIANTS:
// - Output vectors always have exactly one entry per category label
// - Returned probabilities are finite, non-negative and sum to 1
// - At most one inference runs at a time per Engine
// - Partial vectors are never returned
package inference

import (
	"fmt"

	"github.com/cropdoc/cropdoc/internal/model"
)

// Transform describes how an image becomes an input tensor.
type Transform struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// Spec is the fixed per-category configuration: labels plus input transform.
type Spec struct {
	Category  model.Category
	Labels    []string
	Transform Transform
}

// InputLen is the CHW tensor length the category expects.
func (s Spec) InputLen() int { return 3 * s.Transform.Size * s.Transform.Size }

var imagenet = Transform{
	Size: 240,
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// Label order matches the class index order of the trained assets.
var specs = map[model.Category]Spec{
	model.CategoryCashew: {
		Category:  model.CategoryCashew,
		Labels:    []string{"anthracnose", "gumosis", "healthy", "leaf_miner", "red_rust"},
		Transform: imagenet,
	},
	model.CategoryCassava: {
		Category:  model.CategoryCassava,
		Labels:    []string{"bacterial_blight", "brown_spot", "green_mite", "healthy", "mosaic"},
		Transform: imagenet,
	},
	model.CategoryMaize: {
		Category:  model.CategoryMaize,
		Labels:    []string{"fall_armyworm", "grasshoper", "healthy", "leaf_beetle", "leaf_blight", "leaf_spot", "streak_virus"},
		Transform: imagenet,
	},
	model.CategoryTomato: {
		Category:  model.CategoryTomato,
		Labels:    []string{"healthy", "leaf_blight", "leaf_curl", "septoria_leaf_spot", "verticulium_wilt"},
		Transform: imagenet,
	},
}

// SpecFor returns the configuration for a category.
func SpecFor(c model.Category) (Spec, error) {
	s, ok := specs[c]
	if !ok {
		return Spec{}, fmt.Errorf("no inference configuration for category %q", c)
	}
	return s, nil
}

// Labels returns a copy of the category's label list, or nil if unknown.
func Labels(c model.Category) []string {
	s, ok := specs[c]
	if !ok {
		return nil
	}
	out := make([]string, len(s.Labels))
	copy(out, s.Labels)
	return out
}
