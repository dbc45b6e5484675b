package rangestream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quillbyte/rangestream/internal/fixture"
	"github.com/quillbyte/rangestream/internal/readahead"
)

// pattern returns a deterministic byte slice of length n, useful for
// asserting byte-exact equivalence without keeping a second copy around.
func pattern(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func noOptimisations() []Option {
	return []Option{WithSmallFilesComplete(false), WithFooterOptimization(false)}
}

func mustOpen(t *testing.T, obj *fixture.Object, cfg Config, opts ...Option) *PositionedStream {
	t.Helper()
	s, err := Open(t.Context(), obj, cfg, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// -----------------------------------------------------------------------------
// Universal invariants (P1-P4)
// -----------------------------------------------------------------------------

func TestInvariants_PositionIdentity(t *testing.T) {
	data := pattern(5 * 1024 * 1024)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 1024 * 1024}, noOptimisations()...)
	defer s.Close()

	buf := make([]byte, 4096)
	for i := 0; i < 20; i++ {
		n, err := s.Read(buf)
		if err != nil && err != io.EOF {
			t.Fatalf("Read: %v", err)
		}
		pos, _ := s.Pos()
		want := s.fCursor - int64(s.limit) + int64(s.bCursor)
		if pos != want {
			t.Fatalf("position identity violated: Pos()=%d want=%d", pos, want)
		}
		if s.bCursor < 0 || s.bCursor > s.limit || s.limit > s.bufferSize {
			t.Fatalf("P2 violated: bCursor=%d limit=%d bufferSize=%d", s.bCursor, s.limit, s.bufferSize)
		}
		if s.fCursor < 0 || s.fCursor > s.contentLength {
			t.Fatalf("P3 violated: fCursor=%d contentLength=%d", s.fCursor, s.contentLength)
		}
		if n == 0 && err == io.EOF {
			break
		}
	}
}

func TestInvariants_SeekThenReadMatchesObject(t *testing.T) {
	data := pattern(2 * 1024 * 1024)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 256 * 1024}, noOptimisations()...)
	defer s.Close()

	offsets := []int64{0, 17, 4096, 300000, 1 << 20, int64(len(data)) - 100}
	for _, off := range offsets {
		if _, err := s.Seek(off, io.SeekStart); err != nil {
			t.Fatalf("Seek(%d): %v", off, err)
		}
		dst := make([]byte, 64)
		n, err := s.Read(dst)
		if err != nil && err != io.EOF {
			t.Fatalf("Read after Seek(%d): %v", off, err)
		}
		want := data[off : off+int64(n)]
		if !bytes.Equal(dst[:n], want) {
			t.Fatalf("P4 violated at offset %d: got %v want %v", off, dst[:n], want)
		}
	}
}

// -----------------------------------------------------------------------------
// Round-trip / idempotence
// -----------------------------------------------------------------------------

func TestRoundTrip_WholeFile(t *testing.T) {
	data := pattern(3*1024*1024 + 777)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 512 * 1024}, noOptimisations()...)
	defer s.Close()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestIdempotence_PosWithoutRead(t *testing.T) {
	data := pattern(1024)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 4096}, noOptimisations()...)
	defer s.Close()

	buf := make([]byte, 100)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	p1, _ := s.Pos()
	p2, _ := s.Pos()
	if p1 != p2 {
		t.Fatalf("Pos() not idempotent: %d != %d", p1, p2)
	}
}

func TestIdempotence_SeekToCurrentPosIsNoop(t *testing.T) {
	data := pattern(1024)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 4096}, noOptimisations()...)
	defer s.Close()

	buf := make([]byte, 100)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	before := s.saveSnapshot()
	pos, _ := s.Pos()
	if _, err := s.Seek(pos, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	after := s.saveSnapshot()
	if before != after {
		t.Fatalf("seek(pos) mutated cursor state: before=%+v after=%+v", before, after)
	}
}

// -----------------------------------------------------------------------------
// Sequential read-ahead activation / random-access bypass
// -----------------------------------------------------------------------------

func TestSequentialReadTriggersReadAhead(t *testing.T) {
	data := pattern(10 * 1024 * 1024)
	obj := fixture.New(data)
	pool := readahead.New(readahead.Config{QueueDepth: 2})
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 1024 * 1024, ReadAheadQueueDepth: 2}, append(noOptimisations(), WithPool(pool))...)
	defer s.Close()

	big := make([]byte, 1024*1024)
	if _, err := s.Read(big); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, err := s.Read(big); err != nil && err != io.EOF {
		t.Fatalf("second Read: %v", err)
	}

	stats := pool.Stats()
	if stats.Enqueued == 0 {
		t.Fatalf("expected read-ahead prefetches to be enqueued, got %+v", stats)
	}
}

// TestReadAheadServesShortTailBlock covers an object whose length is not an
// exact multiple of BufferSize. The final block enqueued by
// refillWithReadAhead is clamped to the bytes actually remaining, and
// TryServe must be looked up under that same clamped length — otherwise the
// tail block's cache key never matches and every read of it falls back to a
// direct, uncached fetch.
func TestReadAheadServesShortTailBlock(t *testing.T) {
	const bufferSize = 1024 * 1024
	contentLength := 2*bufferSize + 512*1024 // 2.5 buffers: a short tail block.

	data := pattern(int64(contentLength))
	obj := fixture.New(data)
	pool := readahead.New(readahead.Config{QueueDepth: 3})
	s := mustOpen(t, obj, Config{ContentLength: int64(contentLength), BufferSize: bufferSize, ReadAheadQueueDepth: 3}, append(noOptimisations(), WithPool(pool))...)
	defer s.Close()

	big := make([]byte, bufferSize)
	for i := 0; i < 2; i++ {
		if _, err := s.Read(big); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}

	tail := make([]byte, 512*1024)
	n, err := s.Read(tail)
	if err != nil && err != io.EOF {
		t.Fatalf("tail Read: %v", err)
	}
	if n != len(tail) {
		t.Fatalf("tail Read = %d bytes, want %d", n, len(tail))
	}
	if want := data[2*bufferSize : contentLength]; !bytes.Equal(tail, want) {
		t.Fatalf("tail block contents mismatch")
	}

	stats := pool.Stats()
	if stats.CacheHits == 0 {
		t.Fatalf("expected the short tail block to be served from the read-ahead cache, got %+v", stats)
	}
}

func TestRandomAccessBypassesReadAhead(t *testing.T) {
	data := pattern(10 * 1024 * 1024)
	obj := fixture.New(data)
	pool := readahead.New(readahead.Config{QueueDepth: 2})
	s := mustOpen(t, obj, Config{ContentLength: int64(len(data)), BufferSize: 1024 * 1024, ReadAheadQueueDepth: 2}, append(noOptimisations(), WithPool(pool))...)
	defer s.Close()

	big := make([]byte, 1024*1024)
	if _, err := s.Read(big); err != nil {
		t.Fatalf("first Read: %v", err)
	}

	before := pool.Stats().Enqueued
	if _, err := s.Seek(5*1024*1024, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	small := make([]byte, 512)
	if _, err := s.Read(small); err != nil {
		t.Fatalf("Read after random seek: %v", err)
	}
	after := pool.Stats().Enqueued
	if after != before {
		t.Fatalf("expected random-access read to bypass read-ahead, enqueued count moved %d -> %d", before, after)
	}
}

// -----------------------------------------------------------------------------
// Optimised-path safety
// -----------------------------------------------------------------------------

func TestOptimisedPathSafety_SmallFile(t *testing.T) {
	data := pattern(64 * 1024)
	cfg := Config{ContentLength: int64(len(data)), BufferSize: 4 * 1024 * 1024}

	plainObj := fixture.New(data)
	plain := mustOpen(t, plainObj, cfg, noOptimisations()...)
	defer plain.Close()
	plainOut, err := io.ReadAll(plain)
	if err != nil {
		t.Fatalf("plain ReadAll: %v", err)
	}

	optObj := fixture.New(data)
	opt := mustOpen(t, optObj, cfg)
	defer opt.Close()
	optOut, err := io.ReadAll(opt)
	if err != nil {
		t.Fatalf("optimised ReadAll: %v", err)
	}

	if !bytes.Equal(plainOut, optOut) {
		t.Fatalf("optimised-path output diverged from the unoptimised baseline")
	}
}

// -----------------------------------------------------------------------------
// Concrete end-to-end scenarios
// -----------------------------------------------------------------------------

func TestScenario1_SmallFileFullRead(t *testing.T) {
	data := pattern(4096)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: 4096, BufferSize: 4 * 1024 * 1024})
	defer s.Close()

	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	dst := make([]byte, 4096)
	n, err := s.Read(dst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4096 {
		t.Fatalf("n = %d, want 4096", n)
	}
	if !bytes.Equal(dst, data) {
		t.Fatalf("bytes mismatch")
	}
	if got := obj.CallCount(); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
	if s.fCursor != 4096 || s.limit != 4096 || s.bCursor != 4096 {
		t.Fatalf("final cursor state = (%d,%d,%d), want (4096,4096,4096)", s.fCursor, s.limit, s.bCursor)
	}
}

func TestScenario2_FooterProbe(t *testing.T) {
	const contentLength = 3 * 1024 * 1024
	data := pattern(contentLength)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: contentLength, BufferSize: 4 * 1024 * 1024}, WithSmallFilesComplete(false))
	defer s.Close()

	seekTo := int64(contentLength - 1024)
	if _, err := s.Seek(seekTo, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	dst := make([]byte, 1024)
	n, err := s.Read(dst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 1024 {
		t.Fatalf("n = %d, want 1024", n)
	}
	if !bytes.Equal(dst, data[seekTo:]) {
		t.Fatalf("bytes mismatch")
	}
	if got := obj.CallCount(); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
	if s.fCursor != contentLength || s.limit != contentLength || s.bCursor != contentLength {
		t.Fatalf("final cursor state = (%d,%d,%d), want (%d,%d,%d)", s.fCursor, s.limit, s.bCursor, contentLength, contentLength, contentLength)
	}
}

func TestScenario3_SequentialStream(t *testing.T) {
	const (
		contentLength = 10 * 1024 * 1024
		bufferSize    = 1024 * 1024
		chunk         = 100 * 1024
	)
	data := pattern(contentLength)
	obj := fixture.New(data)
	pool := readahead.New(readahead.Config{QueueDepth: 2})
	s := mustOpen(t, obj, Config{ContentLength: contentLength, BufferSize: bufferSize, ReadAheadQueueDepth: 2}, WithPool(pool), WithSmallFilesComplete(false), WithFooterOptimization(false))
	defer s.Close()

	dst := make([]byte, chunk)
	var total int64
	var lastPos int64
	for total < contentLength {
		n, err := s.Read(dst)
		if err != nil && err != io.EOF {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		total += int64(n)
		pos, _ := s.Pos()
		if pos != lastPos+int64(n) {
			t.Fatalf("Pos did not ascend by returned length: lastPos=%d n=%d pos=%d", lastPos, n, pos)
		}
		lastPos = pos
	}
	if total != contentLength {
		t.Fatalf("total bytes = %d, want %d", total, contentLength)
	}
	if pool.Stats().Enqueued == 0 {
		t.Fatalf("expected prefetches to be enqueued during sequential stream")
	}
}

func TestScenario4_RandomShortReads(t *testing.T) {
	const (
		contentLength = 10 * 1024 * 1024
		bufferSize    = 1024 * 1024
	)
	data := pattern(contentLength)
	obj := fixture.New(data)
	pool := readahead.New(readahead.Config{QueueDepth: 2})
	s := mustOpen(t, obj, Config{ContentLength: contentLength, BufferSize: bufferSize, ReadAheadQueueDepth: 2}, WithPool(pool), WithSmallFilesComplete(false), WithFooterOptimization(false))
	defer s.Close()

	// One initial sequential read, matching the scenario's setup.
	warm := make([]byte, bufferSize)
	if _, err := s.Read(warm); err != nil {
		t.Fatalf("warm-up Read: %v", err)
	}

	positions := []int64{
		9999991, 123456, 8000000, 42, 5 * 1024 * 1024,
		1, 7777777, 2500000, 9000000, 333333,
	}
	for _, p := range positions {
		before := obj.CallCount()
		if _, err := s.Seek(p, io.SeekStart); err != nil {
			t.Fatalf("Seek(%d): %v", p, err)
		}
		dst := make([]byte, 512)
		n, err := s.Read(dst)
		if err != nil {
			t.Fatalf("Read at %d: %v", p, err)
		}
		if n != 512 {
			t.Fatalf("n = %d, want 512 at position %d", n, p)
		}
		if !bytes.Equal(dst, data[p:p+512]) {
			t.Fatalf("bytes mismatch at position %d", p)
		}
		if got := obj.CallCount() - before; got != 1 {
			t.Fatalf("expected exactly one server call at position %d, got %d", p, got)
		}
	}
}

func TestScenario5_OptimisedFallback(t *testing.T) {
	const contentLength = 64 * 1024
	data := pattern(contentLength)
	obj := fixture.New(data)
	obj.TruncateCall(1, 10)
	obj.TruncateCall(2, 10)

	s := mustOpen(t, obj, Config{ContentLength: contentLength, BufferSize: 4 * 1024 * 1024})
	defer s.Close()

	seekTo := int64(contentLength / 2)
	if _, err := s.Seek(seekTo, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	dst := make([]byte, contentLength/4)
	n, err := io.ReadFull(s, dst)
	if err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if n != contentLength/4 {
		t.Fatalf("n = %d, want %d", n, contentLength/4)
	}
	if !bytes.Equal(dst, data[seekTo:seekTo+int64(n)]) {
		t.Fatalf("bytes mismatch after optimised fallback")
	}
}

func TestScenario6_EOFSemantics(t *testing.T) {
	data := pattern(1024)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: 1024, BufferSize: 4096}, noOptimisations()...)
	defer s.Close()

	if _, err := s.Seek(1024, io.SeekStart); err != nil {
		t.Fatalf("Seek to EOF: %v", err)
	}
	buf := make([]byte, 10)
	n, err := s.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read at EOF = (%d, %v), want (0, io.EOF)", n, err)
	}

	if _, err := s.Skip(1); !errors.Is(err, ErrPastEOF) {
		t.Fatalf("Skip(1) at EOF = %v, want ErrPastEOF", err)
	}

	if _, err := s.Seek(1024, io.SeekStart); err != nil {
		t.Fatalf("Seek(content_length) should succeed: %v", err)
	}
	if _, err := s.Seek(1025, io.SeekStart); !errors.Is(err, ErrPastEOF) {
		t.Fatalf("Seek(content_length+1) = %v, want ErrPastEOF", err)
	}
}

// -----------------------------------------------------------------------------
// Error taxonomy
// -----------------------------------------------------------------------------

func TestClosedStreamSignalsStreamClosed(t *testing.T) {
	data := pattern(100)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: 100, BufferSize: 4096}, noOptimisations()...)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Read on closed stream = %v, want ErrStreamClosed", err)
	}
	if _, err := s.Seek(0, io.SeekStart); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Seek on closed stream = %v, want ErrStreamClosed", err)
	}
}

func TestNegativeSeekSignalsNegativeSeek(t *testing.T) {
	data := pattern(100)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: 100, BufferSize: 4096}, noOptimisations()...)
	defer s.Close()

	if _, err := s.Seek(-1, io.SeekStart); !errors.Is(err, ErrNegativeSeek) {
		t.Fatalf("Seek(-1) = %v, want ErrNegativeSeek", err)
	}
}

func TestMarkResetUnsupported(t *testing.T) {
	data := pattern(100)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: 100, BufferSize: 4096})
	defer s.Close()

	if err := s.Mark(10); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Mark = %v, want ErrUnsupported", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Reset = %v, want ErrUnsupported", err)
	}
	if s.SeekToNewSource(0) {
		t.Fatalf("SeekToNewSource = true, want false")
	}
}

func TestNotFoundNeverRecovered(t *testing.T) {
	data := pattern(64 * 1024)
	obj := fixture.New(data)
	obj.FailOnCall(1, ErrNotFound)

	s := mustOpen(t, obj, Config{ContentLength: 64 * 1024, BufferSize: 4 * 1024 * 1024})
	defer s.Close()

	_, err := s.Read(make([]byte, 100))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read = %v, want ErrNotFound surfaced without recovery", err)
	}
}

// TestNotFoundAfterSeekRestoresCursors exercises the full-file strategy with
// a nonzero bCursor in place before the first Read ever reaches the
// network: readFileCompletely sets bCursor = fCursor ahead of calling
// optimisedRefill, so a NotFound on the very first readRemote attempt must
// restore the saved snapshot rather than leaving bCursor > limit behind.
func TestNotFoundAfterSeekRestoresCursors(t *testing.T) {
	data := pattern(64 * 1024)
	obj := fixture.New(data)
	obj.FailOnCall(1, ErrNotFound)

	s := mustOpen(t, obj, Config{ContentLength: 64 * 1024, BufferSize: 4 * 1024 * 1024})
	defer s.Close()

	if _, err := s.Seek(1024, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	_, err := s.Read(make([]byte, 100))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read = %v, want ErrNotFound surfaced without recovery", err)
	}

	if avail, err := s.Available(); err != nil {
		t.Fatalf("Available: %v", err)
	} else if avail < 0 {
		t.Fatalf("Available = %d, want non-negative cursor invariant after failed refill", avail)
	}

	pos, err := s.Pos()
	if err != nil {
		t.Fatalf("Pos: %v", err)
	}
	if pos != 1024 {
		t.Fatalf("Pos = %d, want 1024 (restored to pre-refill position)", pos)
	}
}

func TestZeroLengthReadReturnsZero(t *testing.T) {
	data := pattern(100)
	obj := fixture.New(data)
	s := mustOpen(t, obj, Config{ContentLength: 100, BufferSize: 4096}, noOptimisations()...)
	defer s.Close()

	n, err := s.Read(nil)
	if n != 0 || err != nil {
		t.Fatalf("Read(nil) = (%d, %v), want (0, nil)", n, err)
	}
}
