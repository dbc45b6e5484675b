package rangestream

import "context"

// Constants fixed for wire compatibility with the columnar-format readers
// this package targets.
const (
	// FooterSize is the size, in bytes, of the trailing region of an object
	// the tail-block strategy assumes holds a format's footer metadata.
	FooterSize = 16 * 1024

	// MaxOptimizedReadAttempts bounds the number of direct reads an
	// optimised refill (full-file or tail-block) will issue before giving
	// up and falling back to the one-block strategy.
	MaxOptimizedReadAttempts = 2
)

// RangeReader performs a single positioned range read against an external
// object store and returns the number of bytes received.
//
// ReadRange reads up to length bytes of path starting at position into
// dst[dstOffset : dstOffset+length]. Implementations must return (-1, nil)
// when position is at or past the object's content length, a NotFound
// sentinel when the object itself no longer exists, and an *IOError for any
// other transport or protocol failure. There is no retry at this layer;
// retry policy belongs to the implementation's own transport.
//
// etagOrStar is either the stream's captured ETag or the literal "*" when
// out-of-band-append tolerance was requested at construction.
type RangeReader interface {
	ReadRange(ctx context.Context, path string, position int64, dst []byte, dstOffset, length int, etagOrStar string) (int, error)
}
