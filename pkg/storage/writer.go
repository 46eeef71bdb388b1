// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"sentinel/pkg/index"

	"github.com/google/uuid"
)

// Limits are the per-recording rollover ceilings. Both are explicit
// configuration, a writer never invents its own.
type Limits struct {
	MaxBytes    int64
	MaxDuration time.Duration
}

// RecordingInserter persists closed recordings.
type RecordingInserter interface {
	InsertRecording(ctx context.Context, rec Recording) error
}

// ErrClosed recording is closed.
var ErrClosed = errors.New("recording is closed")

// Writer is the single mutator of one open recording. It appends raw
// sample data to the data file, grows the sample index and tracks the
// cumulative totals. Not safe for concurrent use, each open recording
// has exactly one writer goroutine.
type Writer struct {
	db   RecordingInserter
	data io.Writer

	cameraUUID uuid.UUID
	startTime  int64
	limits     Limits

	enc       index.Encoder
	indexBlob []byte

	sampleCount   int64
	totalDuration int64
	totalBytes    int64

	closed bool
}

// NewWriter returns a writer for a new open recording that stores its
// raw sample bytes in data.
func NewWriter(
	db RecordingInserter,
	data io.Writer,
	cameraUUID uuid.UUID,
	startTime time.Time,
	limits Limits,
) *Writer {
	return &Writer{
		db:   db,
		data: data,

		cameraUUID: cameraUUID,
		startTime:  startTime.UnixNano(),
		limits:     limits,
	}
}

// Append writes one sample. The data file write happens before the
// index grows, so the index never references bytes that were not
// written.
func (w *Writer) Append(data []byte, duration time.Duration, isKeyFrame bool) error {
	if w.closed {
		return ErrClosed
	}

	sample := index.Sample{
		Duration:   duration.Nanoseconds(),
		Size:       int64(len(data)),
		IsKeyFrame: isKeyFrame,
	}
	if sample.Size < 1 {
		return fmt.Errorf("%w: empty sample", index.ErrInvalidSample)
	}
	if sample.Duration < 0 {
		return fmt.Errorf("%w: duration %v", index.ErrInvalidSample, duration)
	}

	if _, err := w.data.Write(data); err != nil {
		return fmt.Errorf("write sample data: %w", err)
	}

	blob, err := w.enc.Append(w.indexBlob, sample)
	if err != nil {
		return err
	}
	w.indexBlob = blob

	w.sampleCount++
	w.totalDuration += sample.Duration
	w.totalBytes += sample.Size
	return nil
}

// ShouldRollover reports whether the recording exceeded a rollover
// ceiling and should be closed.
func (w *Writer) ShouldRollover() bool {
	if w.limits.MaxBytes != 0 && w.totalBytes > w.limits.MaxBytes {
		return true
	}
	if w.limits.MaxDuration != 0 && w.totalDuration > w.limits.MaxDuration.Nanoseconds() {
		return true
	}
	return false
}

// Close freezes the recording and persists it through the metadata
// store. The write must succeed before the in-memory state is
// discarded, on error the writer stays open so Close can be retried.
func (w *Writer) Close(ctx context.Context) (Recording, error) {
	if w.closed {
		return Recording{}, ErrClosed
	}

	rec := Recording{
		CameraUUID:    w.cameraUUID,
		StartTime:     w.startTime,
		SampleCount:   w.sampleCount,
		TotalDuration: w.totalDuration,
		TotalBytes:    w.totalBytes,
		Index:         w.indexBlob,
	}

	if err := w.db.InsertRecording(ctx, rec); err != nil {
		return Recording{}, err
	}

	w.closed = true
	return rec, nil
}

// StartTime returns the recording start time.
func (w *Writer) StartTime() time.Time {
	return time.Unix(0, w.startTime)
}

// SampleCount returns the number of appended samples.
func (w *Writer) SampleCount() int64 {
	return w.sampleCount
}

// TotalDuration returns the cumulative playable duration.
func (w *Writer) TotalDuration() time.Duration {
	return time.Duration(w.totalDuration)
}

// TotalBytes returns the cumulative raw sample size, which is also the
// data file offset of the next sample.
func (w *Writer) TotalBytes() int64 {
	return w.totalBytes
}

// Index returns the in-progress sample index blob.
func (w *Writer) Index() []byte {
	return w.indexBlob
}
