// Package schema declares which semantic features compose a pose feature
// vector and computes the flat float layout they occupy.
package schema

import (
	"fmt"
	"sort"
)

// FeatureType identifies the semantic quantity a feature encodes.
type FeatureType uint8

const (
	FeatureTypePosition FeatureType = iota
	FeatureTypeRotation
	FeatureTypeLinearVelocity
	FeatureTypeAngularVelocity
)

// NumFloats returns the fixed float width of the feature type. Rotation is
// stored as two 3D basis columns rather than a quaternion, which keeps the
// squared-difference metric free of sign ambiguity.
func (t FeatureType) NumFloats() int {
	switch t {
	case FeatureTypePosition, FeatureTypeLinearVelocity, FeatureTypeAngularVelocity:
		return 3
	case FeatureTypeRotation:
		return 6
	default:
		return 0
	}
}

func (t FeatureType) String() string {
	switch t {
	case FeatureTypePosition:
		return "Position"
	case FeatureTypeRotation:
		return "Rotation"
	case FeatureTypeLinearVelocity:
		return "LinearVelocity"
	case FeatureTypeAngularVelocity:
		return "AngularVelocity"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Domain identifies whether a feature's subsamples are indexed by elapsed
// time or by traveled root distance.
type Domain uint8

const (
	DomainTime Domain = iota
	DomainDistance
)

func (d Domain) String() string {
	switch d {
	case DomainTime:
		return "Time"
	case DomainDistance:
		return "Distance"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(d))
	}
}

// TrajectoryBoneIndex is the sentinel bone index used by trajectory features,
// which describe the root motion track rather than a skeleton bone.
const TrajectoryBoneIndex = -1

// Feature describes one feature slot in a layout. Equality for lookups
// ignores ValueOffset: two descriptors denote the same feature if bone,
// subsample, type and domain match.
type Feature struct {
	SchemaBoneIdx int         `json:"schema_bone_idx"`
	SubsampleIdx  int         `json:"subsample_idx"`
	Type          FeatureType `json:"type"`
	Domain        Domain      `json:"domain"`
	ValueOffset   int         `json:"value_offset"`
}

// Equal reports whether f and other describe the same feature slot,
// disregarding the value offset.
func (f Feature) Equal(other Feature) bool {
	return f.SchemaBoneIdx == other.SchemaBoneIdx &&
		f.SubsampleIdx == other.SubsampleIdx &&
		f.Type == other.Type &&
		f.Domain == other.Domain
}

// Layout is an ordered sequence of features with precomputed value offsets.
// It is built once from a Config and immutable afterwards.
type Layout struct {
	Features  []Feature `json:"features"`
	NumFloats int       `json:"num_floats"`
}

func (l *Layout) init() {
	offset := 0
	for i := range l.Features {
		l.Features[i].ValueOffset = offset
		offset += l.Features[i].Type.NumFloats()
	}
	l.NumFloats = offset
}

// IsValid reports whether the layout holds at least one feature.
func (l *Layout) IsValid() bool {
	return l.NumFloats != 0
}

// Find returns the index of the feature equal to f, or -1. Layouts hold at
// most a few dozen features, so a linear scan beats any map here and keeps
// NextFeature's continuation semantics trivial.
func (l *Layout) Find(f Feature) int {
	for i := range l.Features {
		if l.Features[i].Equal(f) {
			return i
		}
	}
	return -1
}

// NextFeature returns the index of the next feature of the given type and
// domain strictly after last, or -1 when exhausted. Pass -1 to start a new
// enumeration; the cursor only ever advances.
func (l *Layout) NextFeature(last int, t FeatureType, d Domain) int {
	for i := last + 1; i < len(l.Features); i++ {
		if l.Features[i].Type == t && l.Features[i].Domain == d {
			return i
		}
	}
	return -1
}

// Config declares the inputs a schema is built from. Subsample offsets are
// expressed in samples relative to the indexed pose (negative values look
// into the past), distance offsets in traveled-distance units.
type Config struct {
	SampleRate int `json:"sample_rate"`

	// Skeleton description. Bones are skeleton bone indices; NumSkeletonBones
	// bounds them for validation.
	Bones            []int `json:"bones"`
	NumSkeletonBones int   `json:"num_skeleton_bones"`

	PoseSampleOffsets         []int     `json:"pose_sample_offsets"`
	TrajectorySampleOffsets   []int     `json:"trajectory_sample_offsets"`
	TrajectoryDistanceOffsets []float32 `json:"trajectory_distance_offsets"`

	UseBonePositions        bool `json:"use_bone_positions"`
	UseBoneRotations        bool `json:"use_bone_rotations"`
	UseBoneVelocities       bool `json:"use_bone_velocities"`
	UseTrajectoryPositions  bool `json:"use_trajectory_positions"`
	UseTrajectoryVelocities bool `json:"use_trajectory_velocities"`

	// Cost addends attached to every indexed pose unless overridden per pose.
	BaseCostBias           float32 `json:"base_cost_bias"`
	ContinuingPoseCostBias float32 `json:"continuing_pose_cost_bias"`
}

// Schema is a finalized Config plus the generated layout. BoneIndices is the
// sorted copy of Config.Bones that all schema-bone indexing refers to.
type Schema struct {
	Config      Config `json:"config"`
	BoneIndices []int  `json:"bone_indices"`
	Layout      Layout `json:"layout"`
}

// New finalizes a config into a schema: sorts bones and subsample offsets and
// generates the feature layout.
func New(cfg Config) (*Schema, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("schema: sample rate must be positive, got %d", cfg.SampleRate)
	}

	s := &Schema{Config: cfg}

	s.BoneIndices = append([]int(nil), cfg.Bones...)
	sort.Ints(s.BoneIndices)

	s.Config.PoseSampleOffsets = sortedInts(cfg.PoseSampleOffsets)
	s.Config.TrajectorySampleOffsets = sortedInts(cfg.TrajectorySampleOffsets)
	s.Config.TrajectoryDistanceOffsets = sortedFloats(cfg.TrajectoryDistanceOffsets)

	s.generateLayout()
	return s, nil
}

func sortedInts(v []int) []int {
	out := append([]int(nil), v...)
	sort.Ints(out)
	return out
}

func sortedFloats(v []float32) []float32 {
	out := append([]float32(nil), v...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// generateLayout enumerates features in a fixed group order: time-domain
// trajectory subsamples, distance-domain trajectory subsamples, then pose
// bones with subsamples as the outer loop and bones as the inner loop.
// Downstream offset math and weight binding depend on this ordering.
func (s *Schema) generateLayout() {
	s.Layout = Layout{}
	cfg := &s.Config

	for subsample := range cfg.TrajectorySampleOffsets {
		f := Feature{
			SchemaBoneIdx: TrajectoryBoneIndex,
			SubsampleIdx:  subsample,
			Domain:        DomainTime,
		}
		if cfg.UseTrajectoryPositions {
			f.Type = FeatureTypePosition
			s.Layout.Features = append(s.Layout.Features, f)
		}
		if cfg.UseTrajectoryVelocities {
			f.Type = FeatureTypeLinearVelocity
			s.Layout.Features = append(s.Layout.Features, f)
		}
	}

	for subsample := range cfg.TrajectoryDistanceOffsets {
		f := Feature{
			SchemaBoneIdx: TrajectoryBoneIndex,
			SubsampleIdx:  subsample,
			Domain:        DomainDistance,
		}
		if cfg.UseTrajectoryPositions {
			f.Type = FeatureTypePosition
			s.Layout.Features = append(s.Layout.Features, f)
		}
		if cfg.UseTrajectoryVelocities {
			f.Type = FeatureTypeLinearVelocity
			s.Layout.Features = append(s.Layout.Features, f)
		}
	}

	for subsample := range cfg.PoseSampleOffsets {
		f := Feature{
			SubsampleIdx: subsample,
			Domain:       DomainTime,
		}
		for boneIdx := range s.BoneIndices {
			f.SchemaBoneIdx = boneIdx
			if cfg.UseBonePositions {
				f.Type = FeatureTypePosition
				s.Layout.Features = append(s.Layout.Features, f)
			}
			if cfg.UseBoneRotations {
				f.Type = FeatureTypeRotation
				s.Layout.Features = append(s.Layout.Features, f)
			}
			if cfg.UseBoneVelocities {
				f.Type = FeatureTypeLinearVelocity
				s.Layout.Features = append(s.Layout.Features, f)
			}
			if cfg.UseBoneRotations && cfg.UseBoneVelocities {
				f.Type = FeatureTypeAngularVelocity
				s.Layout.Features = append(s.Layout.Features, f)
			}
		}
	}

	s.Layout.init()
}

// IsValid reports whether the schema can index and search: the layout must be
// non-empty and every bone index must be within the skeleton bound.
func (s *Schema) IsValid() bool {
	if !s.Layout.IsValid() {
		return false
	}
	for _, boneIdx := range s.BoneIndices {
		if boneIdx < 0 || boneIdx >= s.Config.NumSkeletonBones {
			return false
		}
	}
	return true
}

// SamplingInterval returns the time between two consecutive samples.
func (s *Schema) SamplingInterval() float32 {
	return 1.0 / float32(s.Config.SampleRate)
}
