package rangestream

import "github.com/quillbyte/rangestream/internal/readahead"

// Config holds the construction parameters for a PositionedStream. It
// mirrors the upstream RangeReader contract directly: Path is whatever
// opaque identifier that RangeReader expects (an S3 key, for example).
type Config struct {
	// Path identifies the object to this stream's RangeReader.
	Path string

	// ContentLength is the object's size, observed at open. Immutable.
	ContentLength int64

	// BufferSize is the maximum number of bytes the in-memory window may
	// hold. Must be positive.
	BufferSize int

	// ReadAheadQueueDepth is the number of prefetches enqueued per refill
	// boundary. Negative resolves to runtime.NumCPU().
	ReadAheadQueueDepth int

	// TolerateOOBAppends, if true, makes re-reads ignore ETag and use "*"
	// rather than the captured ETag.
	TolerateOOBAppends bool

	// ETag is the server-reported version tag captured at open.
	ETag string
}

// options carries construction toggles set via Option that do not belong
// on Config because they have non-zero defaults.
type options struct {
	smallFilesComplete bool
	footerOptimization bool
	pool               *readahead.Pool
}

// Option configures optional behavior of Open.
type Option func(*options)

// WithSmallFilesComplete toggles the full-file inlining strategy. Default
// true.
func WithSmallFilesComplete(enabled bool) Option {
	return func(o *options) { o.smallFilesComplete = enabled }
}

// WithFooterOptimization toggles the tail-block inlining strategy. Default
// true.
func WithFooterOptimization(enabled bool) Option {
	return func(o *options) { o.footerOptimization = enabled }
}

// WithPool binds the stream to a specific read-ahead pool instead of the
// process-wide default, useful for tests and per-tenant isolation.
func WithPool(p *readahead.Pool) Option {
	return func(o *options) { o.pool = p }
}

func applyOptions(opts []Option) *options {
	o := &options{smallFilesComplete: true, footerOptimization: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
