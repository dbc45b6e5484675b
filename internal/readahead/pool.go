// Package readahead implements the bounded worker pool and prefetch cache
// that back a rangestream.PositionedStream's sequential read-ahead path.
//
// A Pool is process-wide by default (see Default) but can be constructed
// per-test or per-isolation-domain with New. It never touches a stream's
// private cursor state: workers write into pool-owned buffers and publish
// them through the cache, and the only cross-goroutine contact with a
// consumer is through TryServe.
package readahead

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// RangeReader is the subset of rangestream.RangeReader the pool needs to
// issue a prefetch. It is declared independently to avoid an import cycle
// with the root package; any rangestream.RangeReader satisfies it.
type RangeReader interface {
	ReadRange(ctx context.Context, path string, position int64, dst []byte, dstOffset, length int, etagOrStar string) (int, error)
}

// Config configures a Pool.
type Config struct {
	// QueueDepth is the number of concurrent worker slots. Non-positive
	// resolves to runtime.NumCPU().
	QueueDepth int

	// MaxCachedBuffers is a soft bound on the number of entries (in-flight
	// + done) the pool retains across all streams: each Enqueue that takes
	// the pool past it evicts the oldest completed entry, and in-flight
	// entries are never evicted. Non-positive resolves to a small built-in
	// default.
	MaxCachedBuffers int

	// ServeWait bounds how long TryServe will wait for an in-flight
	// prefetch covering the requested range before reporting a miss.
	// Non-positive resolves to a short built-in default.
	ServeWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = runtime.NumCPU()
	}
	if c.MaxCachedBuffers <= 0 {
		c.MaxCachedBuffers = 64
	}
	if c.ServeWait <= 0 {
		c.ServeWait = 50 * time.Millisecond
	}
	return c
}

// Stats is a snapshot of a Pool's counters.
type Stats struct {
	Enqueued    int64
	Deduped     int64
	Dropped     int64
	CacheHits   int64
	CacheMisses int64
	Evicted     int64
}

type entryStatus int32

const (
	statusQueued entryStatus = iota
	statusRunning
	statusDone
	statusFailed
)

// cacheKey identifies a prefetch by the stream that requested it and the
// exact byte range. The pool only ever serves an exact-match lookup; it
// never coalesces overlapping ranges.
type cacheKey struct {
	streamID uint64
	offset   int64
	length   int
}

type entry struct {
	key    cacheKey
	status atomic.Int32
	done   chan struct{}
	data   []byte
	err    error
}

// Pool is a bounded worker set plus a bounded prefetch cache, shared by any
// number of PositionedStreams.
type Pool struct {
	cfg Config
	sem chan struct{}

	mu      sync.Mutex
	entries map[cacheKey]*entry
	order   []*entry

	enqueued, deduped, dropped      atomic.Int64
	cacheHits, cacheMisses, evicted atomic.Int64
}

// New creates a Pool with the given configuration.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.QueueDepth),
		entries: make(map[cacheKey]*entry),
	}
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the lazily-initialized process-wide Pool. Streams opened
// without an explicit pool use this one.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(Config{})
	})
	return defaultPool
}

// Enqueue schedules a prefetch of length bytes of path starting at offset,
// on behalf of streamID, via reader. It is idempotent (a duplicate request
// for the same streamID/offset/length is deduped against the in-flight or
// cached entry) and non-blocking: if every worker slot is busy the request
// is silently dropped, matching the backpressure policy of a bounded pool.
func (p *Pool) Enqueue(ctx context.Context, streamID uint64, reader RangeReader, path string, offset int64, length int, etagOrStar string) {
	if length <= 0 {
		return
	}
	key := cacheKey{streamID, offset, length}

	p.mu.Lock()
	if _, exists := p.entries[key]; exists {
		p.deduped.Add(1)
		p.mu.Unlock()
		return
	}
	select {
	case p.sem <- struct{}{}:
	default:
		p.dropped.Add(1)
		p.mu.Unlock()
		return
	}
	e := &entry{key: key, done: make(chan struct{})}
	p.entries[key] = e
	p.order = append(p.order, e)
	p.enqueued.Add(1)
	p.evictIfNeededLocked()
	p.mu.Unlock()

	go p.run(ctx, e, reader, path, offset, length, etagOrStar)
}

func (p *Pool) run(ctx context.Context, e *entry, reader RangeReader, path string, offset int64, length int, etagOrStar string) {
	defer func() { <-p.sem }()
	e.status.Store(int32(statusRunning))

	buf := make([]byte, length)
	n, err := reader.ReadRange(ctx, path, offset, buf, 0, length, etagOrStar)
	switch {
	case err != nil:
		e.err = err
		e.status.Store(int32(statusFailed))
	case n <= 0:
		e.status.Store(int32(statusFailed))
	default:
		e.data = buf[:n]
		e.status.Store(int32(statusDone))
	}
	close(e.done)
}

// TryServe looks up a completed or in-flight prefetch for streamID covering
// exactly [position, position+length), waiting briefly for an in-flight
// match, and copies up to length bytes into dst. It returns the number of
// bytes copied, or 0 on a miss (including a failed prefetch, which behaves
// as a miss so the caller falls back to a direct read). A served entry is
// consumed and evicted: single-reader semantics.
func (p *Pool) TryServe(streamID uint64, position int64, length int, dst []byte) int {
	key := cacheKey{streamID, position, length}

	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		p.cacheMisses.Add(1)
		return 0
	}

	if entryStatus(e.status.Load()) == statusQueued || entryStatus(e.status.Load()) == statusRunning {
		select {
		case <-e.done:
		case <-time.After(p.cfg.ServeWait):
			p.cacheMisses.Add(1)
			return 0
		}
	}

	if entryStatus(e.status.Load()) != statusDone {
		p.remove(key)
		p.cacheMisses.Add(1)
		return 0
	}

	n := copy(dst[:length], e.data)
	p.remove(key)
	p.cacheHits.Add(1)
	return n
}

// Evict discards every entry belonging to streamID, in-flight or not. Their
// results simply become unreferenced; an in-flight prefetch is not
// interrupted, only disowned.
func (p *Pool) Evict(streamID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.entries {
		if k.streamID == streamID {
			delete(p.entries, k)
			p.evicted.Add(1)
		}
	}
	kept := p.order[:0]
	for _, e := range p.order {
		if e.key.streamID != streamID {
			kept = append(kept, e)
		}
	}
	p.order = kept
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Enqueued:    p.enqueued.Load(),
		Deduped:     p.deduped.Load(),
		Dropped:     p.dropped.Load(),
		CacheHits:   p.cacheHits.Load(),
		CacheMisses: p.cacheMisses.Load(),
		Evicted:     p.evicted.Load(),
	}
}

// remove deletes key from the entry map and order slice. It acquires
// p.mu itself; callers must not hold it.
func (p *Pool) remove(key cacheKey) {
	p.mu.Lock()
	delete(p.entries, key)
	for i, e := range p.order {
		if e.key == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// evictIfNeededLocked drops the oldest completed entry once the pool holds
// more than cfg.MaxCachedBuffers entries. Called with p.mu held. If every
// entry is still in flight, the pool is over budget until one finishes;
// the worker semaphore already bounds how much in-flight work that implies.
func (p *Pool) evictIfNeededLocked() {
	if len(p.entries) <= p.cfg.MaxCachedBuffers {
		return
	}
	for i, e := range p.order {
		if entryStatus(e.status.Load()) == statusDone || entryStatus(e.status.Load()) == statusFailed {
			delete(p.entries, e.key)
			p.order = append(p.order[:i], p.order[i+1:]...)
			p.evicted.Add(1)
			return
		}
	}
}
