package rangestream

import "io"

// ReaderAt returns an io.ReaderAt view of the stream, for consumers — such
// as parquet-go's parquet.OpenFile — that need random access without
// owning the cursor themselves.
//
// The returned value shares the stream's mutual exclusion and its single
// window buffer: every ReadAt call seeks the underlying stream and then
// reads, so it is safe to interleave with direct Read/Seek calls on the
// same PositionedStream, but it does not give the caller an independent
// cursor or window of its own.
func (s *PositionedStream) ReaderAt() io.ReaderAt {
	return &streamReaderAt{s: s}
}

type streamReaderAt struct {
	s *PositionedStream
}

func (r *streamReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrIndexOutOfBounds
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.closed {
		return 0, ErrStreamClosed
	}
	if err := r.s.seekLocked(off); err != nil {
		return 0, err
	}

	var total int
	requestLen := len(p)
	for total < len(p) {
		if r.s.availableLocked() == 0 {
			break
		}
		n, err := r.s.readStep(p[total:], requestLen)
		if n > 0 {
			total += n
			r.s.stats.BytesFromWindow += int64(n)
		}
		if n <= 0 {
			if err != nil && err != io.EOF {
				return total, err
			}
			break
		}
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}
