package pipeline

import (
	"log/slog"
	"runtime"

	"github.com/roach88/rawlake/internal/fingerprint"
	"github.com/roach88/rawlake/internal/parser"
)

type options struct {
	logger      *slog.Logger
	metrics     *Metrics
	retry       RetryPolicy
	workers     int
	batchSize   int
	fingerprint fingerprint.Options
	runIDs      RunIDGenerator
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		metrics:     NewMetrics(),
		retry:       DefaultRetryPolicy(),
		workers:     runtime.NumCPU(),
		batchSize:   parser.DefaultBatchSize,
		fingerprint: fingerprint.DefaultOptions(),
		runIDs:      UUIDv7Generator{},
	}
}

// Option configures an Ingester or Transformer.
type Option func(*options)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics shares a Metrics between components.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithRetry sets the retry policy for blob reads, blob writes and loads.
func WithRetry(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithWorkers sets the worker pool size. Values below 1 mean 1.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.workers = n
	}
}

// WithBatchSize sets the parser batch size.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithFingerprintOptions sets header detection options.
func WithFingerprintOptions(fo fingerprint.Options) Option {
	return func(o *options) { o.fingerprint = fo }
}

// WithRunIDs sets the generator for run IDs stamped on audit events.
func WithRunIDs(g RunIDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.runIDs = g
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
