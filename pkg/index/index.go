// SPDX-License-Identifier: GPL-2.0-or-later

// Package index encodes and decodes per-recording sample indexes.
package index

// A sample index stores the duration and byte size of every sample in a
// recording. Entries are delta-coded against the previous entry so a
// typical sample costs only a few bytes.
//
// entry {
//     varint( zigzag(sizeDelta)<<1 | isKeyFrame )
//     varint( zigzag(durationDelta) )
// }
//
// The key frame flag rides in the low bit of the size field. This is a
// deliberate part of the on-disk format, changing it is a breaking
// format migration.

import (
	"errors"
	"fmt"
)

// Errors returned while decoding a sample index. Blobs are read back
// from disk and must be treated as untrusted, so corruption is always
// reported through the iterator's error state, never a panic.
var (
	// ErrTruncated blob ended in the middle of an entry.
	ErrTruncated = errors.New("unexpected end of sample index")

	// ErrBadVarint varint does not fit in 64 bits.
	ErrBadVarint = errors.New("invalid varint")

	// ErrInvalidSize running sample size is not positive.
	ErrInvalidSize = errors.New("non-positive sample size")

	// ErrInvalidDuration running sample duration is negative.
	ErrInvalidDuration = errors.New("negative sample duration")
)

// ErrInvalidSample sample passed to the encoder violates a precondition.
var ErrInvalidSample = errors.New("invalid sample")

// Sample is the metadata of a single video frame. Size must be at least
// one byte and Duration non-negative. Duration is in the time units of
// the recording's clock base.
type Sample struct {
	Duration   int64
	Size       int64
	IsKeyFrame bool
}

// Encoder appends samples to a sample index blob.
// The zero value is ready to use.
type Encoder struct {
	prevSize     int64
	prevDuration int64
}

// Append encodes sample and appends it to dst.
func (e *Encoder) Append(dst []byte, s Sample) ([]byte, error) {
	if s.Size < 1 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidSample, s.Size)
	}
	if s.Duration < 0 {
		return nil, fmt.Errorf("%w: duration %d", ErrInvalidSample, s.Duration)
	}

	var isKeyFrame uint64
	if s.IsKeyFrame {
		isKeyFrame = 1
	}
	dst = appendUvarint(dst, zigzag64(s.Size-e.prevSize)<<1|isKeyFrame)
	dst = appendUvarint(dst, zigzag64(s.Duration-e.prevDuration))

	e.prevSize = s.Size
	e.prevDuration = s.Duration
	return dst, nil
}

// Iterator decodes a sample index blob one entry at a time.
//
//	it := index.NewIterator(blob)
//	var s index.Sample
//	for it.Next(&s) {
//	    ...
//	}
//	if err := it.Err(); err != nil {
//	    ...
//	}
//
// Once malformed input is detected the iterator is in a terminal error
// state: Next always returns false, Done reports true and Err returns
// the error. Samples decoded before the corruption point remain valid.
type Iterator struct {
	blob []byte
	pos  int

	size     int64 // Previous entry's size.
	duration int64 // Previous entry's duration.

	offset     int64 // Data file offset of the next entry.
	lastOffset int64 // Data file offset of the last decoded entry.

	err error
}

// NewIterator returns an iterator positioned at the first entry of blob.
func NewIterator(blob []byte) *Iterator {
	return &Iterator{blob: blob}
}

// Next decodes the next entry into s and advances the cursor. It returns
// false when the blob is exhausted or malformed.
func (it *Iterator) Next(s *Sample) bool {
	if it.err != nil || it.pos == len(it.blob) {
		return false
	}

	raw1, pos, err := decodeUvarint(it.blob, it.pos)
	if err != nil {
		it.err = fmt.Errorf("size field at offset %d: %w", it.pos, err)
		return false
	}
	raw2, pos, err := decodeUvarint(it.blob, pos)
	if err != nil {
		it.err = fmt.Errorf("duration field at offset %d: %w", it.pos, err)
		return false
	}

	sizeDelta := unzigzag64(raw1 >> 1)
	size := it.size + sizeDelta
	if size < 1 {
		it.err = fmt.Errorf("%w: %d after delta %d at offset %d",
			ErrInvalidSize, size, sizeDelta, it.pos)
		return false
	}

	durationDelta := unzigzag64(raw2)
	duration := it.duration + durationDelta
	if duration < 0 {
		it.err = fmt.Errorf("%w: %d after delta %d at offset %d",
			ErrInvalidDuration, duration, durationDelta, it.pos)
		return false
	}

	it.pos = pos
	it.size = size
	it.duration = duration
	it.lastOffset = it.offset
	it.offset += size

	s.Size = size
	s.Duration = duration
	s.IsKeyFrame = raw1&1 != 0
	return true
}

// Done reports whether iteration has ended, either because the entire
// blob was consumed or because an error was detected.
func (it *Iterator) Done() bool {
	return it.err != nil || it.pos == len(it.blob)
}

// Err returns the sticky decoding error, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Pos returns the cursor's byte position within the blob.
func (it *Iterator) Pos() int {
	return it.pos
}

// Offset returns the byte offset of the last decoded sample within the
// recording's data file, the sum of the sizes of all prior samples.
func (it *Iterator) Offset() int64 {
	return it.lastOffset
}

// Summary is the decoded aggregate of a sample index blob.
type Summary struct {
	SampleCount   int64
	KeyFrameCount int64
	TotalDuration int64
	TotalBytes    int64
}

// Summarize decodes blob end-to-end and returns its totals.
func Summarize(blob []byte) (Summary, error) {
	var sum Summary
	it := NewIterator(blob)
	var s Sample
	for it.Next(&s) {
		sum.SampleCount++
		if s.IsKeyFrame {
			sum.KeyFrameCount++
		}
		sum.TotalDuration += s.Duration
		sum.TotalBytes += s.Size
	}
	return sum, it.Err()
}
