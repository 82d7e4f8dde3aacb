// Package engine runs brute-force pose queries against a search index: a
// linear scan over all indexed poses ranked by weighted squared Euclidean
// dissimilarity.
package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/posematch/distance"
	"github.com/hupe1980/posematch/internal/queue"
	"github.com/hupe1980/posematch/searchindex"
)

var (
	// ErrEmptyIndex is returned when the index holds no poses.
	ErrEmptyIndex = errors.New("engine: index holds no poses")

	// ErrInvalidIndex is returned when the index fails validation.
	ErrInvalidIndex = errors.New("engine: invalid search index")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("engine: k must be positive")
)

// ErrDimensionMismatch indicates a query/layout dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("engine: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Result is one ranked pose.
type Result struct {
	// PoseIdx is the flat pose index in the search index.
	PoseIdx int

	// Dissimilarity is the weighted squared Euclidean distance between the
	// query and the pose, before cost addends.
	Dissimilarity float32

	// Cost is the dissimilarity plus the pose's cost addend. Ranking uses
	// Cost.
	Cost float32

	// AssetIdx identifies the source sequence the pose came from.
	AssetIdx int

	// AssetTime is the playback time of the pose within its source
	// sequence.
	AssetTime float32
}

type searchOptions struct {
	bias           map[int][]float32
	filter         *roaring.Bitmap
	continuingPose int
	includeBlocked bool
}

// SearchOption customizes a single query.
type SearchOption func(*searchOptions)

// WithSequenceBias multiplies the base weights by per-dimension bias factors
// for every pose belonging to the given source sequence. The bias resets to
// the base weights as soon as the scan leaves the sequence's pose range. The
// slice length must match the layout float count or the search fails with
// ErrDimensionMismatch.
func WithSequenceBias(sourceIdx int, weights []float32) SearchOption {
	return func(o *searchOptions) {
		if o.bias == nil {
			o.bias = make(map[int][]float32)
		}
		o.bias[sourceIdx] = weights
	}
}

// WithFilter restricts the scan to the pose indices present in the bitmap.
func WithFilter(filter *roaring.Bitmap) SearchOption {
	return func(o *searchOptions) {
		o.filter = filter
	}
}

// WithContinuingPose marks the pose currently playing back. That pose is
// charged its continuing-pose cost addend instead of the regular one, which
// is how selection hysteresis is expressed.
func WithContinuingPose(poseIdx int) SearchOption {
	return func(o *searchOptions) {
		o.continuingPose = poseIdx
	}
}

// WithBlockedPoses includes poses flagged as transition-blocked in the scan.
func WithBlockedPoses() SearchOption {
	return func(o *searchOptions) {
		o.includeBlocked = true
	}
}

// Engine searches one immutable index. It is safe for concurrent use.
type Engine struct {
	idx         *searchindex.Index
	baseWeights []float32
}

// Option customizes engine construction.
type Option func(*Engine)

// WithBaseWeights sets the per-dimension weights every query starts from.
// The slice length must match the layout float count.
func WithBaseWeights(weights []float32) Option {
	return func(e *Engine) {
		e.baseWeights = weights
	}
}

// New returns an engine over the index.
func New(idx *searchindex.Index, optFns ...Option) (*Engine, error) {
	if !idx.IsValid() {
		return nil, ErrInvalidIndex
	}

	e := &Engine{idx: idx}
	for _, fn := range optFns {
		fn(e)
	}

	n := idx.Schema.Layout.NumFloats
	if e.baseWeights == nil {
		e.baseWeights = make([]float32, n)
		for i := range e.baseWeights {
			e.baseWeights[i] = 1
		}
	} else if len(e.baseWeights) != n {
		return nil, &ErrDimensionMismatch{Expected: n, Actual: len(e.baseWeights)}
	}
	return e, nil
}

// Index returns the index the engine searches.
func (e *Engine) Index() *searchindex.Index { return e.idx }

// Search returns the pose with the lowest cost for the query vector. The
// query must already be in the index's comparison domain.
func (e *Engine) Search(query []float32, optFns ...SearchOption) (Result, error) {
	results, err := e.SearchK(query, 1, optFns...)
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// SearchK returns up to k poses ordered by ascending cost.
func (e *Engine) SearchK(query []float32, k int, optFns ...SearchOption) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	n := e.idx.Schema.Layout.NumFloats
	if len(query) != n {
		return nil, &ErrDimensionMismatch{Expected: n, Actual: len(query)}
	}
	if e.idx.NumPoses == 0 {
		return nil, ErrEmptyIndex
	}

	opts := searchOptions{continuingPose: -1}
	for _, fn := range optFns {
		fn(&opts)
	}
	for _, bias := range opts.bias {
		if len(bias) != n {
			return nil, &ErrDimensionMismatch{Expected: n, Actual: len(bias)}
		}
	}

	weights := e.baseWeights
	scratch := make([]float32, n)

	// Worst candidates on top so the heap trims to the best k.
	best := queue.NewMax(k + 1)

	prevAssetIdx := -1
	for poseIdx := 0; poseIdx < e.idx.NumPoses; poseIdx++ {
		meta := e.idx.Metadata(poseIdx)

		// Fold per-sequence bias in only while scanning that sequence's
		// pose range, tracking the asset boundary instead of recomputing
		// weights every pose.
		if meta.AssetIdx != prevAssetIdx {
			prevAssetIdx = meta.AssetIdx
			weights = e.baseWeights
			if bias, ok := opts.bias[e.assetSource(meta.AssetIdx)]; ok {
				for d := 0; d < n; d++ {
					scratch[d] = e.baseWeights[d] * bias[d]
				}
				weights = scratch
			}
		}

		if opts.filter != nil && !opts.filter.Contains(uint32(poseIdx)) {
			continue
		}
		if !opts.includeBlocked && meta.Flags&searchindex.PoseFlagBlockTransition != 0 {
			continue
		}

		dissimilarity := distance.WeightedSquaredL2(query, e.idx.PoseValues(poseIdx), weights)

		addend := meta.CostAddend
		if poseIdx == opts.continuingPose {
			addend = meta.ContinuingPoseCostAddend
		}
		cost := dissimilarity + addend

		best.PushItem(queue.PriorityQueueItem{Pose: uint32(poseIdx), Cost: cost})
		if best.Len() > k {
			best.PopItem()
		}
	}

	if best.Len() == 0 {
		return nil, ErrEmptyIndex
	}

	results := make([]Result, 0, best.Len())
	for {
		item, ok := best.PopItem()
		if !ok {
			break
		}
		results = append(results, e.result(int(item.Pose), item.Cost, opts.continuingPose))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Cost < results[j].Cost })
	return results, nil
}

func (e *Engine) assetSource(assetIdx int) int {
	if assetIdx < 0 || assetIdx >= len(e.idx.Assets) {
		return -1
	}
	return e.idx.Assets[assetIdx].SourceIdx
}

func (e *Engine) result(poseIdx int, cost float32, continuingPose int) Result {
	meta := e.idx.Metadata(poseIdx)
	addend := meta.CostAddend
	if poseIdx == continuingPose {
		addend = meta.ContinuingPoseCostAddend
	}

	r := Result{
		PoseIdx:       poseIdx,
		Cost:          cost,
		Dissimilarity: cost - addend,
		AssetIdx:      meta.AssetIdx,
	}
	if t, ok := e.idx.AssetTime(poseIdx); ok {
		r.AssetTime = t
	}
	return r
}
