package posematch

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/posematch/feature"
	"github.com/hupe1980/posematch/history"
	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/xform"
)

// BuildQuery assembles a query feature vector from recorded pose history and
// normalizes it into the index comparison domain. The buffer must cover the
// schema's furthest look-back; under-warmed buffers fail with
// history.ErrInsufficientHistory.
func (db *Database) BuildQuery(buf *history.Buffer) ([]float32, error) {
	start := time.Now()
	query, err := db.buildQuery(buf)
	db.opts.metricsCollector.RecordQueryBuild(time.Since(start), err)
	return query, err
}

func (db *Database) buildQuery(buf *history.Buffer) ([]float32, error) {
	if db.index == nil {
		return nil, ErrNotBuilt
	}

	cfg := &db.schema.Config
	interval := 1.0 / float64(cfg.SampleRate)
	historyDt := float32(buf.SampleInterval())
	b := feature.NewBuilder(db.schema)

	latest, err := buf.LatestRoot()
	if err != nil {
		return nil, err
	}

	numBones := len(db.schema.BoneIndices)
	cur := make([]xform.Transform, numBones)
	prev := make([]xform.Transform, numBones)

	if numBones > 0 && (cfg.UseBonePositions || cfg.UseBoneRotations || cfg.UseBoneVelocities) {
		for subsampleIdx, offset := range cfg.PoseSampleOffsets {
			// Offsets look into the past as negative sample counts; the
			// history buffer is addressed in seconds ago.
			secondsAgo := -float64(offset) * interval

			curRoot, prevRoot, err := buf.Sample(secondsAgo, db.schema.BoneIndices, cur, prev)
			if err != nil {
				return nil, err
			}
			relCur := curRoot.RelativeTo(latest)
			relPrev := prevRoot.RelativeTo(latest)

			for boneOrdinal := range db.schema.BoneIndices {
				f := schema.Feature{
					SchemaBoneIdx: boneOrdinal,
					SubsampleIdx:  subsampleIdx,
					Domain:        schema.DomainTime,
				}
				curBone := relCur.Mul(cur[boneOrdinal])
				prevBone := relPrev.Mul(prev[boneOrdinal])

				if cfg.UseBonePositions {
					b.SetPosition(f, curBone.Translation)
				}
				if cfg.UseBoneRotations {
					b.SetRotation(f, curBone.Rotation)
				}
				if cfg.UseBoneVelocities {
					b.SetLinearVelocity(f, curBone, prevBone, historyDt)
				}
				if cfg.UseBoneRotations && cfg.UseBoneVelocities {
					b.SetAngularVelocity(f, curBone, prevBone, historyDt)
				}
			}
		}
	}

	if cfg.UseTrajectoryPositions || cfg.UseTrajectoryVelocities {
		for subsampleIdx, offset := range cfg.TrajectorySampleOffsets {
			secondsAgo := -float64(offset) * interval

			relCur, err := buf.SampleRoot(secondsAgo)
			if err != nil {
				return nil, err
			}
			relPrev, err := buf.SampleRoot(secondsAgo + buf.SampleInterval())
			if err != nil {
				return nil, err
			}

			f := schema.Feature{
				SchemaBoneIdx: schema.TrajectoryBoneIndex,
				SubsampleIdx:  subsampleIdx,
				Domain:        schema.DomainTime,
			}
			if cfg.UseTrajectoryPositions {
				b.SetPosition(f, relCur.Translation)
			}
			if cfg.UseTrajectoryVelocities {
				b.SetLinearVelocity(f, relCur, relPrev, historyDt)
			}
		}
	}

	// Distance-domain slots mirror the zero fill applied during indexing.
	identity := xform.Identity()
	for subsampleIdx := range cfg.TrajectoryDistanceOffsets {
		f := schema.Feature{
			SchemaBoneIdx: schema.TrajectoryBoneIndex,
			SubsampleIdx:  subsampleIdx,
			Domain:        schema.DomainDistance,
		}
		if cfg.UseTrajectoryPositions {
			b.SetPosition(f, r3.Vec{})
		}
		if cfg.UseTrajectoryVelocities {
			b.SetLinearVelocity(f, identity, identity, 1)
		}
	}

	if !b.IsComplete() {
		return nil, fmt.Errorf("posematch: incomplete query vector")
	}
	if err := b.Normalize(&db.index.PreprocessInfo); err != nil {
		return nil, err
	}
	return append([]float32(nil), b.Normalized()...), nil
}
