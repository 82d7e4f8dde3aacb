// Package posematch builds and queries pose search indexes for motion
// matching: given a history of recently animated poses, it finds the indexed
// animation pose that best continues the motion.
//
// # Quick Start
//
//	ctx := context.Background()
//
//	s, _ := schema.New(schema.Config{
//	    SampleRate:              30,
//	    Bones:                   []int{footL, footR},
//	    NumSkeletonBones:        skeleton.NumBones(),
//	    PoseSampleOffsets:       []int{0},
//	    TrajectorySampleOffsets: []int{-10, 10, 20},
//	    UseBonePositions:        true,
//	    UseBoneVelocities:       true,
//	    UseTrajectoryPositions:  true,
//	    UseTrajectoryVelocities: true,
//	})
//
//	db, _ := posematch.New(s, posematch.WithPreprocessor(preprocess.ModeNormalize))
//	db.AddSequence(posematch.Sequence{Name: "run", Clip: runClip})
//	db.AddSequence(posematch.Sequence{Name: "walk", Clip: walkClip})
//	_ = db.Build(ctx)
//
// Per frame, record the animated pose and query:
//
//	buf.Update(deltaTime, rootTransform, compactPose)
//	query, _ := db.BuildQuery(buf)
//	result, _ := db.Search(query)
//	// result.AssetIdx / result.AssetTime select the clip and playback time
//
// Built databases can be persisted and reloaded without their source clips:
//
//	_ = db.SaveToFile("poses.idx")
//	db2, _ := posematch.NewFromFile("poses.idx")
//
// # Key Features
//
//   - Schema-driven feature vectors (bone positions, rotations, velocities,
//     trajectory positions and velocities at configurable subsamples)
//   - Lead-in / follow-up aware indexing across sequence boundaries
//   - Looping sequences with multi-cycle root motion unwinding
//   - Mean-deviation normalization and ZCA whitening preprocessors
//   - Per-sequence search bias weights and per-pose cost addends
//   - Parallel index builds across sequences
package posematch
