// Package history maintains a time-stamped ring buffer of recently animated
// poses, sampled backwards in time to assemble query features.
package history

import (
	"fmt"

	"github.com/hupe1980/posematch/xform"
)

// Skeleton describes a bone hierarchy. Parents holds the parent index of each
// bone, with -1 for roots, and parents always precede their children. RefPose
// holds the local-space reference transform per bone, used to fill bones a
// pose snapshot does not carry.
type Skeleton struct {
	Parents []int
	RefPose []xform.Transform
}

// NumBones returns the bone count.
func (s *Skeleton) NumBones() int {
	return len(s.Parents)
}

// Validate checks the parent ordering and the reference pose size.
func (s *Skeleton) Validate() error {
	if len(s.RefPose) != len(s.Parents) {
		return fmt.Errorf("history: skeleton has %d parents but %d reference transforms",
			len(s.Parents), len(s.RefPose))
	}
	for i, p := range s.Parents {
		if p >= i {
			return fmt.Errorf("history: bone %d has parent %d, parents must precede children", i, p)
		}
	}
	return nil
}

// ComponentSpace converts a local-space pose to component space in place
// order, writing into dst. dst and local must both have the skeleton's bone
// count and may alias.
func (s *Skeleton) ComponentSpace(dst, local []xform.Transform) {
	for i, p := range s.Parents {
		if p < 0 {
			dst[i] = local[i]
		} else {
			dst[i] = dst[p].Mul(local[i])
		}
	}
}

// CompactPose is a sparse local-space pose snapshot carrying transforms for a
// subset of skeleton bones.
type CompactPose struct {
	BoneIndices []int
	Transforms  []xform.Transform
}
