// Package searchindex defines the immutable search index artifact: the flat
// feature vector table, per-pose metadata, per-sequence pose ranges, and the
// preprocessing transform applied to the table.
package searchindex

import (
	"math"

	"github.com/hupe1980/posematch/schema"
)

// PoseFlags carries per-pose markers that influence search.
type PoseFlags uint32

const (
	// PoseFlagBlockTransition marks poses that must not be selected as a
	// transition target.
	PoseFlagBlockTransition PoseFlags = 1 << iota
)

// PoseMetadata annotates one indexed pose.
type PoseMetadata struct {
	Flags                    PoseFlags `json:"flags"`
	CostAddend               float32   `json:"cost_addend"`
	ContinuingPoseCostAddend float32   `json:"continuing_pose_cost_addend"`
	AssetIdx                 int       `json:"asset_idx"`
}

// Asset records the pose range one source sequence contributed to a merged
// index, plus the sampling range needed to map a pose back to playback time.
type Asset struct {
	SourceIdx    int     `json:"source_idx"`
	FirstPoseIdx int     `json:"first_pose_idx"`
	NumPoses     int     `json:"num_poses"`
	RangeStart   float32 `json:"range_start"`
	RangeEnd     float32 `json:"range_end"`
}

// Contains reports whether the flat pose index falls in this asset's range.
func (a *Asset) Contains(poseIdx int) bool {
	return poseIdx >= a.FirstPoseIdx && poseIdx < a.FirstPoseIdx+a.NumPoses
}

// PreprocessInfo is the transform pair produced by index preprocessing.
// Matrices are row-major NumDimensions x NumDimensions.
type PreprocessInfo struct {
	NumDimensions    int       `json:"num_dimensions"`
	Transform        []float32 `json:"transform"`
	InverseTransform []float32 `json:"inverse_transform"`
	SampleMean       []float32 `json:"sample_mean"`
}

// IsValid reports whether the info holds a complete transform pair.
func (p *PreprocessInfo) IsValid() bool {
	n := p.NumDimensions
	return n > 0 &&
		len(p.Transform) == n*n &&
		len(p.InverseTransform) == n*n &&
		len(p.SampleMean) == n
}

// SetIdentity fills the info with the identity transform and zero mean, so
// downstream code can treat unpreprocessed indexes uniformly.
func (p *PreprocessInfo) SetIdentity(numDimensions int) {
	p.NumDimensions = numDimensions
	p.Transform = make([]float32, numDimensions*numDimensions)
	p.InverseTransform = make([]float32, numDimensions*numDimensions)
	p.SampleMean = make([]float32, numDimensions)
	for i := 0; i < numDimensions; i++ {
		p.Transform[i*numDimensions+i] = 1
		p.InverseTransform[i*numDimensions+i] = 1
	}
}

// Apply computes dst = Transform * (src - SampleMean). dst and src must both
// have length NumDimensions and may not alias.
func (p *PreprocessInfo) Apply(dst, src []float32) {
	n := p.NumDimensions
	for row := 0; row < n; row++ {
		var sum float64
		for col := 0; col < n; col++ {
			sum += float64(p.Transform[row*n+col]) * float64(src[col]-p.SampleMean[col])
		}
		dst[row] = float32(sum)
	}
}

// ApplyInverse computes dst = InverseTransform * src + SampleMean, undoing
// Apply up to floating point error.
func (p *PreprocessInfo) ApplyInverse(dst, src []float32) {
	n := p.NumDimensions
	for row := 0; row < n; row++ {
		var sum float64
		for col := 0; col < n; col++ {
			sum += float64(p.InverseTransform[row*n+col]) * float64(src[col])
		}
		dst[row] = float32(sum) + p.SampleMean[row]
	}
}

// Index is the searchable artifact. It is built offline, immutable at
// runtime, and safe for concurrent read-only search.
type Index struct {
	Schema   *schema.Schema `json:"schema"`
	NumPoses int            `json:"num_poses"`
	Values   []float32      `json:"values"`

	PreprocessInfo PreprocessInfo `json:"preprocess_info"`

	Assets        []Asset        `json:"assets"`
	PoseMetadata  []PoseMetadata `json:"pose_metadata"`
	OverallFlags  PoseFlags      `json:"overall_flags"`
	MinCostAddend float32        `json:"min_cost_addend"`
}

// IsValid reports whether the index is consistent with its schema and can be
// searched.
func (x *Index) IsValid() bool {
	return x != nil &&
		x.Schema != nil &&
		x.Schema.IsValid() &&
		x.NumPoses*x.Schema.Layout.NumFloats == len(x.Values)
}

// PoseValues returns the stored (possibly preprocessed) feature vector of the
// pose.
func (x *Index) PoseValues(poseIdx int) []float32 {
	n := x.Schema.Layout.NumFloats
	return x.Values[poseIdx*n : (poseIdx+1)*n]
}

// FindAsset maps a flat pose index back to the asset that contributed it.
func (x *Index) FindAsset(poseIdx int) (*Asset, bool) {
	for i := range x.Assets {
		if x.Assets[i].Contains(poseIdx) {
			return &x.Assets[i], true
		}
	}
	return nil, false
}

// AssetTime maps a flat pose index to a playback time within its source
// sequence: the asset's sampling range start plus the pose offset times the
// sampling interval.
func (x *Index) AssetTime(poseIdx int) (float32, bool) {
	asset, ok := x.FindAsset(poseIdx)
	if !ok {
		return 0, false
	}
	offset := poseIdx - asset.FirstPoseIdx
	return asset.RangeStart + float32(offset)*x.Schema.SamplingInterval(), true
}

// Metadata returns the metadata of the pose, or a zero value when the index
// carries none.
func (x *Index) Metadata(poseIdx int) PoseMetadata {
	if poseIdx < 0 || poseIdx >= len(x.PoseMetadata) {
		return PoseMetadata{}
	}
	return x.PoseMetadata[poseIdx]
}

// FinalizeMetadata recomputes the aggregate flag and cost summaries after the
// per-pose metadata table is assembled.
func (x *Index) FinalizeMetadata() {
	x.OverallFlags = 0
	x.MinCostAddend = 0
	if len(x.PoseMetadata) == 0 {
		return
	}
	x.MinCostAddend = float32(math.Inf(1))
	for i := range x.PoseMetadata {
		x.OverallFlags |= x.PoseMetadata[i].Flags
		if x.PoseMetadata[i].CostAddend < x.MinCostAddend {
			x.MinCostAddend = x.PoseMetadata[i].CostAddend
		}
	}
}
