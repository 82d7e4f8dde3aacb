// Package indexer turns sampled animation sequences into rows of the search
// index feature table. Subsampling may reach before the start or past the end
// of the indexed sequence; lead-in and follow-up sequences, looping, and
// boundary clamping are resolved here.
package indexer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/posematch/feature"
	"github.com/hupe1980/posematch/sampler"
	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
	"github.com/hupe1980/posematch/xform"
)

// Input describes one sequence to index. LeadIn and FollowUp are optional
// neighbors used when subsamples fall outside a non-looping main sequence.
// RangeStart and RangeEnd restrict indexing to a sub-range of the main
// sequence; leaving both zero indexes the whole sequence.
type Input struct {
	Schema   *schema.Schema
	Main     *sampler.SequenceSampler
	LeadIn   *sampler.SequenceSampler
	FollowUp *sampler.SequenceSampler

	RangeStart float64
	RangeEnd   float64

	// Mirror, when set, is applied to every root-relative transform before
	// features are written. Used to index mirrored variants of a sequence.
	Mirror func(xform.Transform) xform.Transform

	// Annotate, when set, may adjust the default metadata of the pose
	// sampled at the given main-sequence time.
	Annotate func(sampleTime float64, m *searchindex.PoseMetadata)
}

// Output is the indexed feature table of one sequence, in raw physical
// units. Rows are poses, FirstIndexedSample maps row zero back to a sample
// index on the main sequence timeline.
type Output struct {
	FirstIndexedSample int
	LastIndexedSample  int
	NumIndexedPoses    int

	RangeStart float64
	RangeEnd   float64

	Values       []float32
	PoseMetadata []searchindex.PoseMetadata
}

// EffectiveSamplingRange resolves the requested range against the sequence
// play length. A zero range selects the whole sequence.
func EffectiveSamplingRange(main *sampler.SequenceSampler, start, end float64) (float64, float64) {
	if start == 0 && end == 0 {
		return 0, main.PlayLength()
	}
	return math.Max(start, 0), math.Min(end, main.PlayLength())
}

// samplingParam is the result of mapping a sampling time onto a clip: the
// wrapped in-clip value, how many whole cycles were unwound, and any
// remainder that had to be clamped off a non-wrapping clip.
type samplingParam struct {
	wrapped       float64
	numCycles     int
	extrapolation float64
}

func wrapOrClamp(canWrap bool, extent, param float64) samplingParam {
	r := samplingParam{wrapped: param}

	if extent > 1e-4 && canWrap {
		if param < 0 {
			for r.wrapped < 0 {
				r.wrapped += extent
				r.numCycles++
			}
		} else {
			for r.wrapped > extent {
				r.wrapped -= extent
				r.numCycles++
			}
		}
	}

	clamped := math.Min(math.Max(r.wrapped, 0), extent)
	if clamped != r.wrapped {
		r.extrapolation = r.wrapped - clamped
		r.wrapped = clamped
	}
	return r
}

// sampleInfo locates one sampling time: the clip that owns it, the in-clip
// evaluation time, and the root motion and root distance accumulated from
// the main sequence origin up to that time.
type sampleInfo struct {
	clip     *sampler.SequenceSampler
	clipTime float64
	root     xform.Transform
	dist     float64
}

// cacheEntry memoizes the per-bone transforms of one (sampleTime,
// originTime) pair. Neighboring subsamples share most lookups, so a linear
// scan over a small slice is enough.
type cacheEntry struct {
	sampleTime float64
	originTime float64
	root       xform.Transform
	bones      []xform.Transform
}

// Indexer indexes a single sequence. It is not safe for concurrent use;
// index sequences in parallel with one Indexer each.
type Indexer struct {
	in      Input
	builder *feature.Builder
	cache   []cacheEntry
}

// New returns an indexer for the input. The schema and main sampler are
// required.
func New(in Input) (*Indexer, error) {
	if in.Schema == nil || !in.Schema.IsValid() {
		return nil, fmt.Errorf("indexer: schema is missing or invalid")
	}
	if in.Main == nil {
		return nil, fmt.Errorf("indexer: main sampler is required")
	}
	return &Indexer{in: in, builder: feature.NewBuilder(in.Schema)}, nil
}

// resolveSubsample maps a sampling time on the main sequence timeline, which
// may be negative or beyond the play length, onto the clip that owns it.
// Lead-in and follow-up apply only when the main sequence cannot wrap; a
// loopable main sequence unwinds whole cycles instead, inverting the
// per-cycle root delta when sampling backwards.
func (ix *Indexer) resolveSubsample(sampleTime float64) sampleInfo {
	mainLen := ix.in.Main.PlayLength()
	mainCanWrap := ix.in.Main.IsLoopable()

	var clip *sampler.SequenceSampler
	rootInitial := xform.Identity()
	rootLast := xform.Identity()
	distInitial, distLast := 0.0, 0.0
	var sp samplingParam

	if !mainCanWrap {
		switch {
		case ix.in.LeadIn != nil && sampleTime < 0:
			lead := ix.in.LeadIn
			sp = wrapOrClamp(lead.IsLoopable(), lead.PlayLength(), sampleTime+lead.PlayLength())
			clip = lead

			// Clamping before the lead-in start pins the root to the
			// lead-in origin rather than the main origin.
			if sp.extrapolation < 0 {
				rootInitial = lead.TotalRootTransform().Inverse()
				distInitial = -lead.TotalRootDistance()
			}
			rootLast = lead.TotalRootTransform()
			distLast = lead.TotalRootDistance()

		case ix.in.FollowUp != nil && sampleTime > mainLen:
			followUp := ix.in.FollowUp
			sp = wrapOrClamp(followUp.IsLoopable(), followUp.PlayLength(), sampleTime-mainLen)
			clip = followUp

			rootInitial = ix.in.Main.TotalRootTransform()
			distInitial = ix.in.Main.TotalRootDistance()
			rootLast = followUp.TotalRootTransform()
			distLast = followUp.TotalRootDistance()
		}
	}

	if clip == nil {
		relTime := sampleTime
		if sampleTime < 0 && mainCanWrap {
			// Sampling a loop backwards; shift so the cycle count comes
			// out right.
			relTime += mainLen
		}
		sp = wrapOrClamp(mainCanWrap, mainLen, relTime)
		clip = ix.in.Main

		rootLast = ix.in.Main.TotalRootTransform()
		distLast = ix.in.Main.TotalRootDistance()
	}

	s := sampleInfo{clip: clip}

	if math.Abs(sp.extrapolation) > 1e-8 {
		s.clipTime = sp.wrapped + sp.extrapolation
		s.root = rootInitial.Mul(clip.ExtractRootTransform(s.clipTime))
		s.dist = distInitial + clip.ExtractRootDistance(s.clipTime)
		return s
	}

	s.clipTime = sp.wrapped

	perCycleRoot := rootLast
	perCycleDist := distLast
	if sampleTime < 0 {
		perCycleRoot = perCycleRoot.Inverse()
		perCycleDist = -perCycleDist
	}

	remainderRoot := clip.ExtractRootTransform(s.clipTime)
	remainderDist := clip.ExtractRootDistance(s.clipTime)
	if sampleTime < 0 {
		remainderRoot = remainderRoot.RelativeTo(rootLast)
		remainderDist = -(distLast - remainderDist)
	}

	s.root = rootInitial
	s.dist = distInitial
	for c := 0; c < sp.numCycles; c++ {
		s.root = s.root.Mul(perCycleRoot)
		s.dist += perCycleDist
	}
	s.root = s.root.Mul(remainderRoot)
	s.dist += remainderDist
	return s
}

// resolveSubsampleRelative expresses a sampling time relative to the origin
// pose's reference frame.
func (ix *Indexer) resolveSubsampleRelative(sampleTime float64, origin sampleInfo) sampleInfo {
	s := ix.resolveSubsample(sampleTime)
	s.root = s.root.RelativeTo(origin.root)
	s.dist = origin.dist - s.dist
	return s
}

func (ix *Indexer) mirror(t xform.Transform) xform.Transform {
	if ix.in.Mirror != nil {
		return ix.in.Mirror(t)
	}
	return t
}

// transformsAt returns the cached per-bone component transforms of a
// sampling time, expressed relative to the origin pose's root.
func (ix *Indexer) transformsAt(sampleTime, originTime float64, origin sampleInfo) (*cacheEntry, error) {
	for i := range ix.cache {
		if ix.cache[i].sampleTime == sampleTime && ix.cache[i].originTime == originTime {
			return &ix.cache[i], nil
		}
	}

	s := ix.resolveSubsampleRelative(sampleTime, origin)
	root := ix.mirror(s.root)
	pose := s.clip.ExtractPose(s.clipTime)

	entry := cacheEntry{
		sampleTime: sampleTime,
		originTime: originTime,
		root:       root,
		bones:      make([]xform.Transform, len(ix.in.Schema.BoneIndices)),
	}
	for i, boneIdx := range ix.in.Schema.BoneIndices {
		if boneIdx < 0 || boneIdx >= len(pose) {
			return nil, fmt.Errorf("indexer: schema bone %d outside sampled pose of %d bones", boneIdx, len(pose))
		}
		entry.bones[i] = root.Mul(pose[boneIdx])
	}

	ix.cache = append(ix.cache, entry)
	return &ix.cache[len(ix.cache)-1], nil
}

// Process indexes the sequence and returns the per-pose feature table.
func (ix *Indexer) Process() (*Output, error) {
	cfg := &ix.in.Schema.Config
	interval := 1.0 / float64(cfg.SampleRate)

	rangeStart, rangeEnd := EffectiveSamplingRange(ix.in.Main, ix.in.RangeStart, ix.in.RangeEnd)
	first := int(math.Floor(rangeStart * float64(cfg.SampleRate)))
	last := int(math.Ceil(rangeEnd * float64(cfg.SampleRate)))
	if last < 0 {
		last = 0
	}
	num := last - first + 1
	if num <= 0 {
		return nil, fmt.Errorf("indexer: sampling range [%v, %v] yields no poses", rangeStart, rangeEnd)
	}

	out := &Output{
		FirstIndexedSample: first,
		LastIndexedSample:  last,
		NumIndexedPoses:    num,
		RangeStart:         rangeStart,
		RangeEnd:           rangeEnd,
		Values:             make([]float32, num*ix.in.Schema.Layout.NumFloats),
		PoseMetadata:       make([]searchindex.PoseMetadata, num),
	}

	for poseIdx := 0; poseIdx < num; poseIdx++ {
		sampleIdx := first + poseIdx
		originTime := float64(sampleIdx) * interval
		origin := ix.resolveSubsample(originTime)

		ix.builder.Reset()
		if err := ix.addPoseFeatures(sampleIdx, originTime, origin); err != nil {
			return nil, err
		}
		if err := ix.addTrajectoryTimeFeatures(sampleIdx, originTime, origin); err != nil {
			return nil, err
		}
		ix.addTrajectoryDistanceFeatures()

		if !ix.builder.IsComplete() {
			return nil, fmt.Errorf("indexer: incomplete feature vector at sample %d", sampleIdx)
		}

		row := out.Values[poseIdx*ix.in.Schema.Layout.NumFloats:]
		copy(row[:ix.in.Schema.Layout.NumFloats], ix.builder.Raw())

		out.PoseMetadata[poseIdx] = ix.metadata(originTime)
	}

	return out, nil
}

func (ix *Indexer) addPoseFeatures(sampleIdx int, originTime float64, origin sampleInfo) error {
	cfg := &ix.in.Schema.Config
	if len(ix.in.Schema.BoneIndices) == 0 || len(cfg.PoseSampleOffsets) == 0 {
		return nil
	}
	if !cfg.UseBonePositions && !cfg.UseBoneRotations && !cfg.UseBoneVelocities {
		return nil
	}

	interval := 1.0 / float64(cfg.SampleRate)
	for subsampleIdx, offset := range cfg.PoseSampleOffsets {
		subTime := float64(sampleIdx+offset) * interval
		prevTime := float64(sampleIdx+offset-1) * interval

		cur, err := ix.transformsAt(subTime, originTime, origin)
		if err != nil {
			return err
		}
		prev, err := ix.transformsAt(prevTime, originTime, origin)
		if err != nil {
			return err
		}

		for boneOrdinal := range ix.in.Schema.BoneIndices {
			f := schema.Feature{
				SchemaBoneIdx: boneOrdinal,
				SubsampleIdx:  subsampleIdx,
				Domain:        schema.DomainTime,
			}
			curBone := cur.bones[boneOrdinal]
			prevBone := prev.bones[boneOrdinal]

			if cfg.UseBonePositions {
				ix.builder.SetPosition(f, curBone.Translation)
			}
			if cfg.UseBoneRotations {
				ix.builder.SetRotation(f, curBone.Rotation)
			}
			if cfg.UseBoneVelocities {
				ix.builder.SetLinearVelocity(f, curBone, prevBone, float32(interval))
			}
			if cfg.UseBoneRotations && cfg.UseBoneVelocities {
				ix.builder.SetAngularVelocity(f, curBone, prevBone, float32(interval))
			}
		}
	}
	return nil
}

func (ix *Indexer) addTrajectoryTimeFeatures(sampleIdx int, originTime float64, origin sampleInfo) error {
	cfg := &ix.in.Schema.Config
	if len(cfg.TrajectorySampleOffsets) == 0 {
		return nil
	}
	if !cfg.UseTrajectoryPositions && !cfg.UseTrajectoryVelocities {
		return nil
	}

	interval := 1.0 / float64(cfg.SampleRate)
	for subsampleIdx, offset := range cfg.TrajectorySampleOffsets {
		subTime := float64(sampleIdx+offset) * interval
		prevTime := float64(sampleIdx+offset-1) * interval

		cur, err := ix.transformsAt(subTime, originTime, origin)
		if err != nil {
			return err
		}
		prev, err := ix.transformsAt(prevTime, originTime, origin)
		if err != nil {
			return err
		}

		f := schema.Feature{
			SchemaBoneIdx: schema.TrajectoryBoneIndex,
			SubsampleIdx:  subsampleIdx,
			Domain:        schema.DomainTime,
		}
		if cfg.UseTrajectoryPositions {
			ix.builder.SetPosition(f, cur.root.Translation)
		}
		if cfg.UseTrajectoryVelocities {
			ix.builder.SetLinearVelocity(f, cur.root, prev.root, float32(interval))
		}
	}
	return nil
}

// addTrajectoryDistanceFeatures zero-fills distance-domain trajectory slots.
// Distance-domain sampling is not supported; the slots are kept writable so
// schemas declaring them still produce complete vectors.
func (ix *Indexer) addTrajectoryDistanceFeatures() {
	cfg := &ix.in.Schema.Config
	identity := xform.Identity()
	for subsampleIdx := range cfg.TrajectoryDistanceOffsets {
		f := schema.Feature{
			SchemaBoneIdx: schema.TrajectoryBoneIndex,
			SubsampleIdx:  subsampleIdx,
			Domain:        schema.DomainDistance,
		}
		if cfg.UseTrajectoryPositions {
			ix.builder.SetPosition(f, r3.Vec{})
		}
		if cfg.UseTrajectoryVelocities {
			ix.builder.SetLinearVelocity(f, identity, identity, 1)
		}
	}
}

func (ix *Indexer) metadata(originTime float64) searchindex.PoseMetadata {
	sampleTime := math.Min(originTime, ix.in.Main.PlayLength())
	m := searchindex.PoseMetadata{
		CostAddend:               ix.in.Schema.Config.BaseCostBias,
		ContinuingPoseCostAddend: ix.in.Schema.Config.ContinuingPoseCostBias,
	}
	if ix.in.Annotate != nil {
		ix.in.Annotate(sampleTime, &m)
	}
	return m
}
