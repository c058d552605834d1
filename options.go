package ivfgo

import (
	"log/slog"
	"os"

	"github.com/hupe1980/ivfgo/internal/resource"
	"github.com/hupe1980/ivfgo/manifest"
)

const defaultManifestHistory = 3

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	pointer          manifest.PointerStore
	resourceCfg      resource.Config
	resourceSet      bool
	cacheBytes       int64
	manifestHistory  int
}

// Option configures a Dataset at Open time.
type Option func(*options)

func applyOptions(optFns []Option) options {
	opts := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		manifestHistory:  defaultManifestHistory,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}
	return opts
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel enables text logging to stderr at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(os.Stderr, level)
	}
}

// WithMetricsCollector sets the metrics collector. The default
// discards all metrics.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(o *options) {
		if collector != nil {
			o.metricsCollector = collector
		}
	}
}

// WithPointerStore sets where the manifest CURRENT pointer lives. The
// default keeps it in a blob next to the manifest records, which is
// correct for a single writing process; deployments with several
// writers on a shared store pass a conditional-write pointer such as
// ddb.Pointer.
func WithPointerStore(pointer manifest.PointerStore) Option {
	return func(o *options) {
		o.pointer = pointer
	}
}

// WithMaxConcurrentBuilds caps how many index builds run at once.
// Without any resource option, builds are unlimited; once one resource
// limit is set, unset build concurrency defaults to 1.
func WithMaxConcurrentBuilds(n int64) Option {
	return func(o *options) {
		o.resourceCfg.MaxConcurrentBuilds = n
		o.resourceSet = true
	}
}

// WithMemoryLimit caps the bytes reserved for training samples,
// encode buffers, and block cache. Exceeding the limit fails the
// build instead of growing the reservation.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.resourceCfg.MemoryLimitBytes = bytes
		o.resourceSet = true
	}
}

// WithWriteRateLimit throttles artifact writes to the blob store.
func WithWriteRateLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.resourceCfg.WriteLimitBytesPerSec = bytesPerSec
		o.resourceSet = true
	}
}

// WithBlockCache puts an LRU block cache of the given byte capacity in
// front of the blob store. Useful when artifacts live on remote
// storage.
func WithBlockCache(bytes int64) Option {
	return func(o *options) {
		o.cacheBytes = bytes
	}
}

// WithManifestHistory binds how many published manifest revisions stay
// in the store. Older revisions are pruned after each publication.
// Zero or negative keeps everything. The default keeps 3.
func WithManifestHistory(keep int) Option {
	return func(o *options) {
		o.manifestHistory = keep
	}
}
