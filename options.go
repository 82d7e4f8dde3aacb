package posematch

import (
	"log/slog"
	"runtime"

	"github.com/hupe1980/posematch/codec"
	"github.com/hupe1980/posematch/preprocess"
	"github.com/hupe1980/posematch/schema"
)

type options struct {
	codec            codec.Codec
	preprocessMode   preprocess.Mode
	numWorkers       int
	baseWeights      *schema.Weights
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures database construction.
type Option func(*options)

// WithCodec configures the codec used for snapshot bodies.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithPreprocessor selects the preprocessing applied to the feature table
// after indexing. The default is preprocess.ModeNone.
func WithPreprocessor(mode preprocess.Mode) Option {
	return func(o *options) {
		o.preprocessMode = mode
	}
}

// WithWorkers bounds the number of sequences sampled and indexed in
// parallel during Build. Values below 1 fall back to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.numWorkers = n
	}
}

// WithBaseWeights sets the per-feature weights every search starts from.
// The weights must be bound to this database's schema layout.
func WithBaseWeights(w *schema.Weights) Option {
	return func(o *options) {
		o.baseWeights = w
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            nil,
		preprocessMode:   preprocess.ModeNone,
		numWorkers:       runtime.GOMAXPROCS(0),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.numWorkers < 1 {
		o.numWorkers = runtime.GOMAXPROCS(0)
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
