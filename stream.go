package rangestream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/quillbyte/rangestream/internal/readahead"
)

var streamIDCounter atomic.Uint64

func nextStreamID() uint64 { return streamIDCounter.Add(1) }

// Stats is a snapshot of a PositionedStream's diagnostic counters.
type Stats struct {
	DirectReads        int64
	OptimisedAttempts  int64
	OptimisedFallbacks int64
	BytesFromWindow    int64
	BytesFromReadAhead int64
}

// PositionedStream is a positioned, buffered, read-only byte stream over an
// immutable remote object. It implements io.Reader, io.Seeker,
// io.ByteReader, and io.Closer.
//
// A PositionedStream is single-consumer: all externally observable methods
// are mutually excluded against each other by s.mu. Go's sync.Mutex does
// not guarantee FIFO ordering under contention, unlike the strict fairness
// a caller might expect from other runtimes; callers that need a hard
// ordering guarantee across concurrent callers must serialize externally.
type PositionedStream struct {
	id uint64

	reader RangeReader
	path   string
	baseCtx context.Context

	contentLength int64
	bufferSize    int
	etag          string
	tolerateOOB   bool
	queueDepth    int
	pool          *readahead.Pool

	smallFilesComplete bool
	footerOptimization bool

	mu     sync.Mutex
	buffer []byte

	fCursor              int64
	limit                int
	bCursor              int
	fCursorAfterLastRead int64
	firstRead            bool
	closed               bool

	stats Stats
}

// Open constructs a PositionedStream bound to reader for the object
// described by cfg. No I/O is performed; the window buffer is allocated
// lazily on first refill.
func Open(ctx context.Context, reader RangeReader, cfg Config, opts ...Option) (*PositionedStream, error) {
	if reader == nil {
		return nil, errors.New("rangestream: reader is required")
	}
	if cfg.ContentLength < 0 {
		return nil, errors.New("rangestream: content length must be non-negative")
	}
	if cfg.BufferSize <= 0 {
		return nil, errors.New("rangestream: buffer size must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o := applyOptions(opts)

	queueDepth := cfg.ReadAheadQueueDepth
	if queueDepth < 0 {
		queueDepth = runtime.NumCPU()
	}

	pool := o.pool
	if pool == nil {
		pool = readahead.Default()
	}

	return &PositionedStream{
		id:                   nextStreamID(),
		reader:               reader,
		path:                 cfg.Path,
		baseCtx:              ctx,
		contentLength:        cfg.ContentLength,
		bufferSize:           cfg.BufferSize,
		etag:                 cfg.ETag,
		tolerateOOB:          cfg.TolerateOOBAppends,
		queueDepth:           queueDepth,
		pool:                 pool,
		smallFilesComplete:   o.smallFilesComplete,
		footerOptimization:   o.footerOptimization,
		fCursorAfterLastRead: -1,
		firstRead:            true,
	}, nil
}

// -----------------------------------------------------------------------------
// Cursor snapshot
// -----------------------------------------------------------------------------

// cursorSnapshot is a micro-transaction on the four-field cursor tuple,
// captured before an optimised refill and restored on failure.
type cursorSnapshot struct {
	limit                int
	bCursor              int
	fCursor              int64
	fCursorAfterLastRead int64
}

func (s *PositionedStream) saveSnapshot() cursorSnapshot {
	return cursorSnapshot{
		limit:                s.limit,
		bCursor:              s.bCursor,
		fCursor:              s.fCursor,
		fCursorAfterLastRead: s.fCursorAfterLastRead,
	}
}

func (s *PositionedStream) restoreSnapshot(snap cursorSnapshot) {
	s.limit = snap.limit
	s.bCursor = snap.bCursor
	s.fCursor = snap.fCursor
	s.fCursorAfterLastRead = snap.fCursorAfterLastRead
}

// -----------------------------------------------------------------------------
// io.Reader / io.ByteReader
// -----------------------------------------------------------------------------

// Read implements io.Reader over the strategy-selection loop described by
// the stream's state machine. It returns (0, io.EOF) exactly at end of
// object, and otherwise follows the conventional partial-read contract: a
// short read with a nil error is legal, and the terminal condition is
// surfaced on the next call.
func (s *PositionedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.availableLocked() == 0 {
		return 0, io.EOF
	}

	var total int
	requestLen := len(p)
	for total < len(p) {
		n, err := s.readStep(p[total:], requestLen)
		if n > 0 {
			total += n
			s.stats.BytesFromWindow += int64(n)
		}
		if n <= 0 {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
	}
	return total, nil
}

// ReadByte implements io.ByteReader via the buffered path.
func (s *PositionedStream) ReadByte() (byte, error) {
	var b [1]byte
	n, err := s.Read(b[:])
	if n < 1 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return b[0], nil
}

// readStep dispatches to the strategy selected by the current state: the
// optimised strategies are only ever considered on the first read.
func (s *PositionedStream) readStep(dst []byte, requestLen int) (int, error) {
	switch {
	case s.firstRead && s.smallFilesComplete && s.contentLength <= int64(s.bufferSize):
		return s.readFileCompletely(dst, requestLen)
	case s.firstRead && s.footerOptimization && s.fCursor >= maxInt64(0, s.contentLength-FooterSize):
		return s.readLastBlock(dst, requestLen)
	default:
		return s.readOneBlock(dst, requestLen)
	}
}

// -----------------------------------------------------------------------------
// 4.3.1 one-block strategy
// -----------------------------------------------------------------------------

// readOneBlock serves from the current window and, once it is empty,
// refills it with up to bufferSize bytes starting at fCursor. requestLen is the
// full length passed to the enclosing Read call, not len(dst) — dst
// shrinks across a Read's internal retry loop as bytes are satisfied from
// the existing window, but the sequentiality decision must still see the
// caller's original request size, matching the Java original which never
// mutates its b/off/len triple mid-call.
func (s *PositionedStream) readOneBlock(dst []byte, requestLen int) (int, error) {
	if s.bCursor == s.limit {
		if s.fCursor >= s.contentLength {
			return 0, io.EOF
		}
		s.bCursor = 0
		s.limit = 0
		if s.buffer == nil {
			s.buffer = make([]byte, s.bufferSize)
		}

		sequential := s.fCursorAfterLastRead == -1 ||
			s.fCursorAfterLastRead == s.fCursor ||
			requestLen >= s.bufferSize

		var (
			n   int
			err error
		)
		if sequential {
			n, err = s.readInternal(s.fCursor, s.buffer, 0, s.bufferSize, false)
		} else {
			n, err = s.readInternal(s.fCursor, s.buffer, 0, len(dst), true)
		}
		s.firstRead = false
		if err != nil {
			return 0, err
		}
		if n <= 0 {
			return 0, io.EOF
		}
		s.limit += n
		s.fCursor += int64(n)
		s.fCursorAfterLastRead = s.fCursor
	}
	return s.copyToUser(dst), nil
}

func (s *PositionedStream) copyToUser(dst []byte) int {
	remaining := s.limit - s.bCursor
	n := len(dst)
	if remaining < n {
		n = remaining
	}
	copy(dst, s.buffer[s.bCursor:s.bCursor+n])
	s.bCursor += n
	return n
}

// -----------------------------------------------------------------------------
// 4.3.2 / 4.3.3 optimised strategies
// -----------------------------------------------------------------------------

func (s *PositionedStream) readFileCompletely(dst []byte, requestLen int) (int, error) {
	snap := s.saveSnapshot()
	// This precondition is guaranteed by the dispatch guard in readStep;
	// a violation here is a programmer error in strategy selection, not
	// a caller-facing condition.
	if !(s.fCursor <= s.contentLength && s.contentLength <= int64(s.bufferSize)) {
		panic("rangestream: full-file strategy precondition violated")
	}
	s.bCursor = int(s.fCursor)
	return s.optimisedRefill(dst, requestLen, snap, 0, s.contentLength)
}

func (s *PositionedStream) readLastBlock(dst []byte, requestLen int) (int, error) {
	snap := s.saveSnapshot()
	lastBlockStart := maxInt64(0, s.contentLength-int64(s.bufferSize))
	actualLen := minInt64(int64(s.bufferSize), s.contentLength)
	s.bCursor = int(s.fCursor - lastBlockStart)
	return s.optimisedRefill(dst, requestLen, snap, lastBlockStart, actualLen)
}

// optimisedRefill implements §4.3.4, shared by the full-file and tail-block
// strategies. On any I/O failure it restores snap and delegates to the
// one-block strategy; NotFound is never recovered and is surfaced as-is.
func (s *PositionedStream) optimisedRefill(dst []byte, requestLen int, snap cursorSnapshot, readFrom, actualLen int64) (int, error) {
	s.stats.OptimisedAttempts++
	s.fCursor = readFrom
	s.buffer = make([]byte, s.bufferSize)

	var (
		totalRead int64
		ioErr     error
	)
	for attempt := 0; attempt < MaxOptimizedReadAttempts && s.fCursor < s.contentLength; attempt++ {
		n, err := s.readRemote(s.fCursor, s.buffer, s.limit, int(actualLen)-s.limit)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.firstRead = false
				s.restoreSnapshot(snap)
				return 0, err
			}
			ioErr = err
			break
		}
		if n <= 0 {
			break
		}
		totalRead += int64(n)
		s.limit += n
		s.fCursor += int64(n)
		s.fCursorAfterLastRead = s.fCursor
	}
	s.firstRead = false

	if ioErr != nil {
		s.stats.OptimisedFallbacks++
		s.restoreSnapshot(snap)
		return s.readOneBlock(dst, requestLen)
	}
	if totalRead < 1 {
		s.restoreSnapshot(snap)
		return 0, io.EOF
	}
	if s.fCursor < s.contentLength && s.bCursor > s.limit {
		s.stats.OptimisedFallbacks++
		s.restoreSnapshot(snap)
		return s.readOneBlock(dst, requestLen)
	}
	return s.copyToUser(dst), nil
}

// -----------------------------------------------------------------------------
// 4.3.5 refill plumbing
// -----------------------------------------------------------------------------

// readInternal issues a refill of length bytes at position into
// buf[offset:]. When bypassReadAhead is false it is the one-block
// sequential path and must be called with offset 0 — the read-ahead pool
// only ever refills the stream's own window buffer from its start.
func (s *PositionedStream) readInternal(position int64, buf []byte, offset, length int, bypassReadAhead bool) (int, error) {
	if !bypassReadAhead {
		if offset != 0 {
			// Programmer error: only the one-block strategy calls this
			// path, and it always refills from the window's start.
			panic("rangestream: read-ahead refill requires a zero destination offset")
		}
		return s.refillWithReadAhead(position, buf, length)
	}
	s.stats.DirectReads++
	return s.readRemote(position, buf, offset, length)
}

func (s *PositionedStream) refillWithReadAhead(position int64, dst []byte, length int) (int, error) {
	nextOffset := position
	firstSize := length
	for i := 0; i < s.queueDepth && nextOffset < s.contentLength; i++ {
		size := s.bufferSize
		if remaining := s.contentLength - nextOffset; remaining < int64(size) {
			size = int(remaining)
		}
		if i == 0 {
			firstSize = size
		}
		s.pool.Enqueue(s.baseCtx, s.id, s.reader, s.path, nextOffset, size, s.etagArg())
		nextOffset += int64(size)
	}

	// TryServe must key on the same length Enqueue used for this block
	// (clamped to the bytes actually remaining near EOF), not the
	// caller's bufferSize-sized request — otherwise the cache key never
	// matches for an object whose tail block is shorter than bufferSize.
	if n := s.pool.TryServe(s.id, position, firstSize, dst); n > 0 {
		s.stats.BytesFromReadAhead += int64(n)
		return n, nil
	}

	s.stats.DirectReads++
	return s.readRemote(position, dst, 0, length)
}

func (s *PositionedStream) readRemote(position int64, dst []byte, offset, length int) (int, error) {
	return s.reader.ReadRange(s.baseCtx, s.path, position, dst, offset, length, s.etagArg())
}

func (s *PositionedStream) etagArg() string {
	if s.tolerateOOB {
		return "*"
	}
	return s.etag
}

// -----------------------------------------------------------------------------
// io.Seeker and positioning
// -----------------------------------------------------------------------------

// Seek implements io.Seeker. Internally every whence resolves to an
// absolute target position, which is then validated and applied exactly as
// the stream's seek(n) contract describes: a target inside the current
// window only moves b_cursor, otherwise the window is invalidated.
func (s *PositionedStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.posLocked() + offset
	case io.SeekEnd:
		target = s.contentLength + offset
	default:
		return 0, fmt.Errorf("rangestream: invalid whence %d", whence)
	}

	if err := s.seekLocked(target); err != nil {
		return 0, err
	}
	return target, nil
}

func (s *PositionedStream) seekLocked(n int64) error {
	if n < 0 {
		return ErrNegativeSeek
	}
	if n > s.contentLength {
		return ErrPastEOF
	}
	windowStart := s.fCursor - int64(s.limit)
	if n >= windowStart && n <= s.fCursor {
		s.bCursor = int(n - windowStart)
		return nil
	}
	s.fCursor = n
	s.limit = 0
	s.bCursor = 0
	return nil
}

// Skip advances the position by n bytes, clamped to [0, content_length],
// and returns the delta actually applied. Skipping forward from EOF fails
// with ErrPastEOF.
func (s *PositionedStream) Skip(n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}

	current := s.posLocked()
	if current == s.contentLength && n > 0 {
		return 0, ErrPastEOF
	}

	target := current + n
	if target < 0 {
		target = 0
	}
	if target > s.contentLength {
		target = s.contentLength
	}
	applied := target - current
	if err := s.seekLocked(target); err != nil {
		return 0, err
	}
	return applied, nil
}

// Pos returns the stream's current logical position.
func (s *PositionedStream) Pos() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.posLocked(), nil
}

func (s *PositionedStream) posLocked() int64 {
	return s.fCursor - int64(s.limit) + int64(s.bCursor)
}

// Available returns the remaining object size from the current position,
// capped to math.MaxInt32 for parity with 32-bit callers.
func (s *PositionedStream) Available() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.availableLocked(), nil
}

func (s *PositionedStream) availableLocked() int64 {
	remaining := s.contentLength - s.posLocked()
	if remaining > math.MaxInt32 {
		return math.MaxInt32
	}
	return remaining
}

// Length returns the object's total size, as observed at open.
func (s *PositionedStream) Length() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.contentLength, nil
}

// -----------------------------------------------------------------------------
// Close and unsupported operations
// -----------------------------------------------------------------------------

// Close is idempotent. It releases the window buffer and instructs the
// read-ahead pool to evict any entries belonging to this stream. Afterward
// Read, ReadByte, Seek, Skip, Pos, Available, Length and the ReaderAt
// adapter's ReadAt return ErrStreamClosed; Mark, Reset, SeekToNewSource and
// Stats behave as they do on an open stream.
func (s *PositionedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buffer = nil
	s.pool.Evict(s.id)
	return nil
}

// Mark always signals ErrUnsupported; this stream never supports mark/reset.
func (s *PositionedStream) Mark(_ int) error { return ErrUnsupported }

// Reset always signals ErrUnsupported.
func (s *PositionedStream) Reset() error { return ErrUnsupported }

// SeekToNewSource always returns false: there is exactly one source.
func (s *PositionedStream) SeekToNewSource(_ int64) bool { return false }

// Stats returns a snapshot of this stream's diagnostic counters.
func (s *PositionedStream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
