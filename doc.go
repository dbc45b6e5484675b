// Package rangestream provides a positioned, buffered, read-only byte
// stream over an immutable remote object whose size is known at open time.
//
// It is built for the access patterns of columnar analytics formats such as
// Parquet and ORC: long sequential scans, a footer probe at open, and
// scattered random seeks into an otherwise large file. A PositionedStream
// mediates between the consumer-facing io.Reader/io.Seeker surface and a
// RangeReader that performs a single positioned HTTP range read, adding
// three optimisations on top of the naive one-block-per-refill path:
// sequential read-ahead through a bounded pool of background fetch slots,
// whole-file inlining for small objects, and tail-block inlining for
// footer-driven formats.
//
// Package rangestream never logs. Its only re-read after a failure is the
// optimised first-read refill falling back to a plain one-block read; it
// has no retry policy of its own, which belongs to the RangeReader's
// transport, and operational visibility is exposed through Stats rather
// than log lines.
package rangestream
