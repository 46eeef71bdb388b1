// SPDX-License-Identifier: GPL-2.0-or-later

// Package capture runs the per-camera recording loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sentinel/pkg/clock"
	"sentinel/pkg/log"
	"sentinel/pkg/storage"
)

// Sample is one demuxed video frame from ingest.
type Sample struct {
	Data       []byte
	Duration   time.Duration
	IsKeyFrame bool
}

// SampleSource is the ingest boundary. The network camera demuxing
// layer implements it.
type SampleSource interface {
	// ReadSample blocks until the next sample is available or ctx is
	// canceled.
	ReadSample(ctx context.Context) (Sample, error)
}

// Sweeper enforces the retention budget after a recording closes.
type Sweeper interface {
	Sweep(ctx context.Context, cam storage.Camera) error
}

// Capture owns one camera's recording loop. Exactly one open recording
// and one writer exist per camera at any time.
type Capture struct {
	cam    storage.Camera
	source SampleSource

	db        storage.RecordingInserter
	manager   *storage.Manager
	retention Sweeper
	limits    storage.Limits

	clock   clock.Clock
	logger  *log.Logger
	metrics *storage.Metrics

	removeFile func(string) error

	restartDelay    time.Duration
	closeTimeout    time.Duration
	closeRetryDelay time.Duration
}

// New returns a capture loop for cam.
func New(
	cam storage.Camera,
	source SampleSource,
	db storage.RecordingInserter,
	manager *storage.Manager,
	retention Sweeper,
	limits storage.Limits,
	clk clock.Clock,
	logger *log.Logger,
	metrics *storage.Metrics,
) *Capture {
	return &Capture{
		cam:    cam,
		source: source,

		db:        db,
		manager:   manager,
		retention: retention,
		limits:    limits,

		clock:   clk,
		logger:  logger,
		metrics: metrics,

		removeFile: os.Remove,

		restartDelay:    1 * time.Second,
		closeTimeout:    10 * time.Second,
		closeRetryDelay: 1 * time.Second,
	}
}

// Run records until ctx is canceled, rolling over to a new recording
// whenever the current one reaches a ceiling. A failed recording is
// reported and restarted after a short delay.
func (c *Capture) Run(ctx context.Context) {
	id := c.cam.UUID.String()
	c.logger.Info().Src("capture").Camera(id).Msg("starting recorder")

	for {
		err := c.runRecording(ctx)
		if ctx.Err() != nil {
			c.logger.Info().Src("capture").Camera(id).Msg("recorder stopped")
			return
		}
		if err != nil {
			c.logger.Error().Src("capture").Camera(id).
				Msgf("recording process: %v", err)
			if err := c.clock.Sleep(ctx, c.restartDelay); err != nil {
				return
			}
		}
	}
}

// runRecording owns one open recording from start to close. It returns
// nil after a clean rollover.
func (c *Capture) runRecording(ctx context.Context) error {
	dir, err := c.manager.CameraDir(c.cam.UUID)
	if err != nil {
		return err
	}

	startTime := c.clock.Now()
	path := filepath.Join(dir, strconv.FormatInt(startTime.UnixNano(), 10)+".mdat")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}

	// Keep reconciliation away from the file until it has a row.
	releaseOpen := c.manager.MarkOpen(path)
	defer releaseOpen()

	w := storage.NewWriter(c.db, file, c.cam.UUID, startTime, c.limits)

	readErr := c.appendLoop(ctx, w)

	closeErr := c.closeRecording(w, file, path)
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return closeErr
}

func (c *Capture) appendLoop(ctx context.Context, w *storage.Writer) error {
	for {
		sample, err := c.source.ReadSample(ctx)
		if err != nil {
			return fmt.Errorf("read sample: %w", err)
		}
		if err := w.Append(sample.Data, sample.Duration, sample.IsKeyFrame); err != nil {
			return fmt.Errorf("append sample: %w", err)
		}
		if w.ShouldRollover() {
			return nil
		}
	}
}

// closeRecording makes the data durable, persists the metadata row and
// triggers a retention sweep. The recording only becomes visible to
// retention here.
func (c *Capture) closeRecording(w *storage.Writer, file *os.File, path string) error {
	id := c.cam.UUID.String()

	if w.SampleCount() == 0 {
		// Nothing was recorded, drop the empty file. A file that
		// could not be removed waits for reconciliation.
		file.Close()
		if err := c.removeFile(path); err != nil {
			c.logger.Warn().Src("capture").Camera(id).
				Msgf("could not remove empty data file: %v", err)
		}
		return nil
	}

	// The parent context may already be canceled during shutdown and
	// the tail must still be persisted.
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync data file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close data file: %w", err)
	}

	// The writer stays open when the insert fails, so a transient
	// store error only delays the close instead of losing the tail.
	rec, err := w.Close(ctx)
	for err != nil {
		c.logger.Error().Src("capture").Camera(id).
			Msgf("could not save recording, retrying: %v", err)
		if sleepErr := c.clock.Sleep(ctx, c.closeRetryDelay); sleepErr != nil {
			return err
		}
		rec, err = w.Close(ctx)
	}

	c.metrics.RecordingsClosed.WithLabelValues(id).Inc()
	c.logger.Info().Src("capture").Camera(id).
		Msgf("closed recording %v: %v samples, %v",
			rec.Start().UTC().Format(time.RFC3339),
			rec.SampleCount,
			time.Duration(rec.TotalDuration))

	if err := c.retention.Sweep(ctx, c.cam); err != nil {
		c.logger.Error().Src("retention").Camera(id).Msgf("sweep: %v", err)
	}
	return nil
}
