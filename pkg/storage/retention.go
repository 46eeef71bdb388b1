// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"sentinel/pkg/clock"
	"sentinel/pkg/log"

	"github.com/google/uuid"
)

// RetentionStore is the metadata-store surface the retention manager
// needs.
type RetentionStore interface {
	Cameras(ctx context.Context) ([]Camera, error)
	RecordingsOldestFirst(ctx context.Context, cameraUUID uuid.UUID) ([]Recording, error)
	DeleteRecording(ctx context.Context, cameraUUID uuid.UUID, startTime int64) error
}

// RetentionManager keeps each camera's total closed-recording bytes
// within its retain_bytes budget by deleting the oldest recordings
// first. It only ever touches closed recordings, the open one has no
// metadata row until its writer closes it.
type RetentionManager struct {
	store         RetentionStore
	recordingsDir string
	remove        func(string) error

	clock   clock.Clock
	logger  *log.Logger
	metrics *Metrics

	// One lock per camera. Sweeps for different cameras are fully
	// independent.
	mu        sync.Mutex
	cameraMus map[uuid.UUID]*sync.Mutex
}

// NewRetentionManager returns a retention manager deleting from
// recordingsDir.
func NewRetentionManager(
	store RetentionStore,
	recordingsDir string,
	clk clock.Clock,
	logger *log.Logger,
	metrics *Metrics,
) *RetentionManager {
	return &RetentionManager{
		store:         store,
		recordingsDir: recordingsDir,
		remove:        os.Remove,

		clock:   clk,
		logger:  logger,
		metrics: metrics,

		cameraMus: map[uuid.UUID]*sync.Mutex{},
	}
}

func (m *RetentionManager) cameraMu(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, exists := m.cameraMus[id]
	if !exists {
		mu = &sync.Mutex{}
		m.cameraMus[id] = mu
	}
	return mu
}

// Sweep deletes the camera's oldest closed recordings until their
// total size fits the budget. Idempotent, a sweep interrupted between
// deletions simply resumes on the next call from a fresh recomputation.
func (m *RetentionManager) Sweep(ctx context.Context, cam Camera) error {
	mu := m.cameraMu(cam.UUID)
	mu.Lock()
	defer mu.Unlock()

	recordings, err := m.store.RecordingsOldestFirst(ctx, cam.UUID)
	if err != nil {
		return fmt.Errorf("camera %v: list recordings: %w", cam.UUID, err)
	}

	var totalBytes int64
	for _, rec := range recordings {
		totalBytes += rec.TotalBytes
	}

	for _, rec := range recordings {
		if totalBytes <= cam.RetainBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.deleteRecording(ctx, rec); err != nil {
			return fmt.Errorf("camera %v: %w", cam.UUID, err)
		}
		totalBytes -= rec.TotalBytes
	}

	m.metrics.RetainedBytes.
		WithLabelValues(cam.UUID.String()).
		Set(float64(totalBytes))
	return nil
}

// deleteRecording removes the data file before the metadata row. A
// crash in between leaves at worst an orphaned file for the
// reconciliation pass, never a row pointing at missing data.
func (m *RetentionManager) deleteRecording(ctx context.Context, rec Recording) error {
	path := rec.DataPath(m.recordingsDir)
	err := m.remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		// Missing files are fine, an earlier deletion may have
		// crashed between the file and row removals.
		return fmt.Errorf("remove %v: %w", path, err)
	}

	if err := m.store.DeleteRecording(ctx, rec.CameraUUID, rec.StartTime); err != nil {
		return err
	}

	m.metrics.RecordingsDeleted.WithLabelValues(rec.CameraUUID.String()).Inc()
	m.metrics.BytesDeleted.
		WithLabelValues(rec.CameraUUID.String()).
		Add(float64(rec.TotalBytes))

	m.logger.Info().
		Src("retention").
		Camera(rec.CameraUUID.String()).
		Msgf("deleted recording %v", rec.Start().UTC().Format(time.RFC3339))
	return nil
}

// SweepAll sweeps every camera. A failed sweep is reported and retried
// on the next run, it never blocks the other cameras.
func (m *RetentionManager) SweepAll(ctx context.Context) {
	cameras, err := m.store.Cameras(ctx)
	if err != nil {
		m.metrics.SweepErrors.Inc()
		m.logger.Error().Src("retention").Msgf("could not list cameras: %v", err)
		return
	}

	for _, cam := range cameras {
		if ctx.Err() != nil {
			return
		}
		if err := m.Sweep(ctx, cam); err != nil {
			m.metrics.SweepErrors.Inc()
			m.logger.Error().
				Src("retention").
				Camera(cam.UUID.String()).
				Msgf("sweep: %v", err)
		}
	}
}

// SweepLoop sweeps all cameras on an interval until ctx is canceled.
func (m *RetentionManager) SweepLoop(ctx context.Context, interval time.Duration) {
	for {
		if err := m.clock.Sleep(ctx, interval); err != nil {
			return
		}
		m.SweepAll(ctx)
	}
}
