package schema

// Weights is a per-dimension weight vector over a layout, initialized to 1.0
// and selectively overridden per feature type and domain. A weight set can be
// attached to a whole database or to a single source sequence to bias that
// sequence's poses during search.
type Weights struct {
	layout *Layout
	values []float32
}

// NewWeights returns a uniform weight set for the layout.
func NewWeights(layout *Layout) *Weights {
	values := make([]float32, layout.NumFloats)
	for i := range values {
		values[i] = 1
	}
	return &Weights{layout: layout, values: values}
}

// Set overrides the weight of every feature with the given type and domain
// across all of its float axes.
func (w *Weights) Set(t FeatureType, d Domain, weight float32) *Weights {
	for i := w.layout.NextFeature(-1, t, d); i >= 0; i = w.layout.NextFeature(i, t, d) {
		f := w.layout.Features[i]
		for axis := 0; axis < f.Type.NumFloats(); axis++ {
			w.values[f.ValueOffset+axis] = weight
		}
	}
	return w
}

// SetFeature overrides the weight of the single feature equal to f. Unknown
// features are ignored.
func (w *Weights) SetFeature(f Feature, weight float32) *Weights {
	i := w.layout.Find(f)
	if i < 0 {
		return w
	}
	found := w.layout.Features[i]
	for axis := 0; axis < found.Type.NumFloats(); axis++ {
		w.values[found.ValueOffset+axis] = weight
	}
	return w
}

// Values returns the underlying per-dimension weights.
func (w *Weights) Values() []float32 {
	return w.values
}
