package indexer

import (
	"fmt"

	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
)

// Join concatenates per-sequence outputs into a single search index. Output
// order determines asset order; each pose's metadata records the asset it
// came from. The returned index still holds raw values with an identity
// preprocessing transform.
func Join(s *schema.Schema, outputs []*Output) (*searchindex.Index, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("indexer: nothing to join")
	}

	idx := &searchindex.Index{Schema: s}
	idx.PreprocessInfo.SetIdentity(s.Layout.NumFloats)

	for assetIdx, out := range outputs {
		if len(out.Values) != out.NumIndexedPoses*s.Layout.NumFloats {
			return nil, fmt.Errorf("indexer: output %d has %d values for %d poses",
				assetIdx, len(out.Values), out.NumIndexedPoses)
		}
		if len(out.PoseMetadata) != out.NumIndexedPoses {
			return nil, fmt.Errorf("indexer: output %d has %d metadata entries for %d poses",
				assetIdx, len(out.PoseMetadata), out.NumIndexedPoses)
		}

		idx.Assets = append(idx.Assets, searchindex.Asset{
			SourceIdx:    assetIdx,
			FirstPoseIdx: idx.NumPoses,
			NumPoses:     out.NumIndexedPoses,
			RangeStart:   float32(out.RangeStart),
			RangeEnd:     float32(out.RangeEnd),
		})

		idx.Values = append(idx.Values, out.Values...)
		for _, m := range out.PoseMetadata {
			m.AssetIdx = assetIdx
			idx.PoseMetadata = append(idx.PoseMetadata, m)
		}
		idx.NumPoses += out.NumIndexedPoses
	}

	idx.FinalizeMetadata()
	if !idx.IsValid() {
		return nil, fmt.Errorf("indexer: joined index failed validation")
	}
	return idx, nil
}
