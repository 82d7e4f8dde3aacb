package posematch

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/posematch/engine"
	"github.com/hupe1980/posematch/indexer"
	"github.com/hupe1980/posematch/persistence"
	"github.com/hupe1980/posematch/preprocess"
	"github.com/hupe1980/posematch/sampler"
	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
	"github.com/hupe1980/posematch/xform"
)

// Sequence is one animation source registered with a database. LeadIn and
// FollowUp are optional neighboring clips that feature subsampling may reach
// into when the main clip does not loop. RangeStart and RangeEnd restrict
// indexing to a sub-range of the clip; both zero means the whole clip.
type Sequence struct {
	Name string
	Clip sampler.Clip

	LeadIn   sampler.Clip
	FollowUp sampler.Clip

	RangeStart float64
	RangeEnd   float64

	// BiasWeights, when set, multiplies the base search weights for every
	// pose this sequence contributed to the index.
	BiasWeights *schema.Weights

	// Mirror, when set, mirrors root-relative transforms during indexing.
	Mirror func(xform.Transform) xform.Transform

	// Annotate, when set, may adjust per-pose metadata during indexing.
	Annotate func(sampleTime float64, m *searchindex.PoseMetadata)
}

// Database owns a schema, the registered sequences, and after Build the
// search index over them. A built database is safe for concurrent searches.
type Database struct {
	schema    *schema.Schema
	opts      options
	sequences []Sequence

	index  *searchindex.Index
	engine *engine.Engine

	biasOpts []engine.SearchOption
}

// New creates an empty database for the schema.
func New(s *schema.Schema, optFns ...Option) (*Database, error) {
	if s == nil || !s.IsValid() {
		return nil, fmt.Errorf("posematch: schema is missing or invalid")
	}

	o := applyOptions(optFns)
	if o.baseWeights != nil && len(o.baseWeights.Values()) != s.Layout.NumFloats {
		return nil, &ErrDimensionMismatch{
			Expected: s.Layout.NumFloats,
			Actual:   len(o.baseWeights.Values()),
		}
	}

	return &Database{schema: s, opts: o}, nil
}

// NewFromIndex wraps a prebuilt index, e.g. one loaded from a snapshot. The
// resulting database can build queries and search but holds no source
// sequences.
func NewFromIndex(idx *searchindex.Index, optFns ...Option) (*Database, error) {
	db, err := New(idx.Schema, optFns...)
	if err != nil {
		return nil, err
	}
	if err := db.attach(idx); err != nil {
		return nil, err
	}
	return db, nil
}

// NewFromReader loads a database from a snapshot written by SaveToWriter.
func NewFromReader(r io.Reader, optFns ...Option) (*Database, error) {
	idx, err := persistence.Load(r)
	if err != nil {
		return nil, err
	}
	return NewFromIndex(idx, optFns...)
}

// NewFromFile loads a database from a snapshot file.
func NewFromFile(filename string, optFns ...Option) (*Database, error) {
	var db *Database
	err := persistence.LoadFromFile(filename, func(r io.Reader) error {
		var err error
		db, err = NewFromReader(r, optFns...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Schema returns the database schema.
func (db *Database) Schema() *schema.Schema { return db.schema }

// Index returns the built search index, or nil before Build.
func (db *Database) Index() *searchindex.Index { return db.index }

// AddSequence registers a sequence. All sequences must be added before
// Build.
func (db *Database) AddSequence(seq Sequence) error {
	if db.index != nil {
		return ErrAlreadyBuilt
	}
	if seq.Clip == nil {
		return fmt.Errorf("posematch: sequence %q has no clip", seq.Name)
	}
	if seq.BiasWeights != nil && len(seq.BiasWeights.Values()) != db.schema.Layout.NumFloats {
		return &ErrDimensionMismatch{
			Expected: db.schema.Layout.NumFloats,
			Actual:   len(seq.BiasWeights.Values()),
		}
	}
	db.sequences = append(db.sequences, seq)
	return nil
}

// seqSamplers holds the per-sequence sampler set produced by the first build
// phase.
type seqSamplers struct {
	main     *sampler.SequenceSampler
	leadIn   *sampler.SequenceSampler
	followUp *sampler.SequenceSampler
}

// Build samples and indexes all registered sequences, preprocesses the
// joined feature table, and makes the database searchable. Sequences are
// processed in parallel; the join and the preprocessing pass run single
// threaded on the full table.
func (db *Database) Build(ctx context.Context) error {
	start := time.Now()
	err := db.build(ctx)
	poses := 0
	if db.index != nil {
		poses = db.index.NumPoses
	}
	db.opts.metricsCollector.RecordBuild(len(db.sequences), poses, time.Since(start), err)
	db.opts.logger.LogBuild(ctx, len(db.sequences), poses, time.Since(start), err)
	return err
}

func (db *Database) build(ctx context.Context) error {
	if db.index != nil {
		return ErrAlreadyBuilt
	}
	if len(db.sequences) == 0 {
		return ErrNoSequences
	}

	rate := float64(db.schema.Config.SampleRate)
	samplers := make([]seqSamplers, len(db.sequences))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(db.opts.numWorkers)
	for i := range db.sequences {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			seq := &db.sequences[i]

			var err error
			if samplers[i].main, err = sampler.New(seq.Clip, rate); err != nil {
				return fmt.Errorf("sequence %q: %w", seq.Name, err)
			}
			if seq.LeadIn != nil {
				if samplers[i].leadIn, err = sampler.New(seq.LeadIn, rate); err != nil {
					return fmt.Errorf("sequence %q lead-in: %w", seq.Name, err)
				}
			}
			if seq.FollowUp != nil {
				if samplers[i].followUp, err = sampler.New(seq.FollowUp, rate); err != nil {
					return fmt.Errorf("sequence %q follow-up: %w", seq.Name, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	outputs := make([]*indexer.Output, len(db.sequences))
	g, ctx = errgroup.WithContext(ctx)
	g.SetLimit(db.opts.numWorkers)
	for i := range db.sequences {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			seq := &db.sequences[i]

			ix, err := indexer.New(indexer.Input{
				Schema:     db.schema,
				Main:       samplers[i].main,
				LeadIn:     samplers[i].leadIn,
				FollowUp:   samplers[i].followUp,
				RangeStart: seq.RangeStart,
				RangeEnd:   seq.RangeEnd,
				Mirror:     seq.Mirror,
				Annotate:   seq.Annotate,
			})
			if err != nil {
				return fmt.Errorf("sequence %q: %w", seq.Name, err)
			}
			if outputs[i], err = ix.Process(); err != nil {
				return fmt.Errorf("sequence %q: %w", seq.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	idx, err := indexer.Join(db.schema, outputs)
	if err != nil {
		return err
	}
	if err := preprocess.Apply(db.opts.preprocessMode, idx); err != nil {
		return err
	}
	return db.attach(idx)
}

// attach finalizes the database around a complete index.
func (db *Database) attach(idx *searchindex.Index) error {
	var engOpts []engine.Option
	if db.opts.baseWeights != nil {
		engOpts = append(engOpts, engine.WithBaseWeights(db.opts.baseWeights.Values()))
	}

	eng, err := engine.New(idx, engOpts...)
	if err != nil {
		return err
	}

	db.biasOpts = db.biasOpts[:0]
	for i := range db.sequences {
		if w := db.sequences[i].BiasWeights; w != nil {
			db.biasOpts = append(db.biasOpts, engine.WithSequenceBias(i, w.Values()))
		}
	}

	db.index = idx
	db.engine = eng
	return nil
}

// Search returns the best matching pose for the query vector. The query must
// be in the index comparison domain, as produced by BuildQuery.
func (db *Database) Search(query []float32, optFns ...engine.SearchOption) (engine.Result, error) {
	results, err := db.SearchK(query, 1, optFns...)
	if err != nil {
		return engine.Result{}, err
	}
	return results[0], nil
}

// SearchK returns up to k poses ordered by ascending cost.
func (db *Database) SearchK(query []float32, k int, optFns ...engine.SearchOption) ([]engine.Result, error) {
	start := time.Now()
	results, err := db.searchK(query, k, optFns)
	db.opts.metricsCollector.RecordSearch(k, time.Since(start), err)
	db.opts.logger.LogSearch(context.Background(), k, len(results), err)
	return results, err
}

func (db *Database) searchK(query []float32, k int, optFns []engine.SearchOption) ([]engine.Result, error) {
	if db.engine == nil {
		return nil, ErrNotBuilt
	}

	merged := make([]engine.SearchOption, 0, len(db.biasOpts)+len(optFns))
	merged = append(merged, db.biasOpts...)
	merged = append(merged, optFns...)

	results, err := db.engine.SearchK(query, k, merged...)
	if err != nil {
		return nil, translateError(err)
	}
	return results, nil
}

// SaveToWriter writes the built index to w.
func (db *Database) SaveToWriter(w io.Writer) error {
	if db.index == nil {
		return ErrNotBuilt
	}
	return persistence.Save(w, db.opts.codec, db.index)
}

// SaveToFile atomically writes the built index to a snapshot file.
func (db *Database) SaveToFile(filename string) error {
	err := persistence.SaveToFile(filename, db.SaveToWriter)
	db.opts.logger.LogSnapshot(context.Background(), filename, err)
	return err
}
