// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinel/pkg/clock"
	"sentinel/pkg/log"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
)

// ReconcileStore is the metadata-store surface the reconciliation pass
// needs.
type ReconcileStore interface {
	HasRecording(ctx context.Context, cameraUUID uuid.UUID, startTime int64) (bool, error)
}

// Manager owns the storage directory.
type Manager struct {
	storageDir string
	db         ReconcileStore
	remove     func(string) error
	usage      func(string) (*disk.UsageStat, error)

	clock  clock.Clock
	logger *log.Logger

	mu   sync.Mutex
	open map[string]struct{} // Data files of open recordings.
}

// NewManager returns new manager.
func NewManager(storageDir string, db ReconcileStore, clk clock.Clock, logger *log.Logger) *Manager {
	return &Manager{
		storageDir: storageDir,
		db:         db,
		remove:     os.Remove,
		usage:      disk.Usage,

		clock:  clk,
		logger: logger,

		open: map[string]struct{}{},
	}
}

// MarkOpen registers path as the data file of an open recording so the
// reconciliation pass leaves it alone. The returned function
// unregisters it and must be called once the recording has a metadata
// row or the file was removed.
func (s *Manager) MarkOpen(path string) func() {
	s.mu.Lock()
	s.open[path] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.open, path)
		s.mu.Unlock()
	}
}

func (s *Manager) isOpen(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[path]
	return ok
}

// RecordingsDir returns the path to the recordings directory.
func (s *Manager) RecordingsDir() string {
	return filepath.Join(s.storageDir, "recordings")
}

// CameraDir returns the path to a camera's recordings directory,
// creating it if needed.
func (s *Manager) CameraDir(cameraUUID uuid.UUID) (string, error) {
	dir := filepath.Join(s.RecordingsDir(), cameraUUID.String())
	if err := os.MkdirAll(dir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("create camera directory: %v: %w", dir, err)
	}
	return dir, nil
}

// PrepareEnvironment creates the storage directories.
func (s *Manager) PrepareEnvironment() error {
	err := os.MkdirAll(s.RecordingsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", s.storageDir, err)
	}
	return nil
}

// DiskUsage of the filesystem backing the storage directory.
type DiskUsage struct {
	Used      uint64
	Total     uint64
	Percent   int
	Formatted string
}

// DiskUsage returns the disk usage of the storage directory's
// filesystem.
func (s *Manager) DiskUsage() (DiskUsage, error) {
	stat, err := s.usage(s.storageDir)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage %v: %w", s.storageDir, err)
	}

	return DiskUsage{
		Used:      stat.Used,
		Total:     stat.Total,
		Percent:   int(stat.UsedPercent),
		Formatted: formatDiskUsage(float64(stat.Used)),
	}, nil
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

// Reconcile deletes orphaned data files, files without a metadata row.
// A retention deletion that crashed between the file and row removals
// leaves such a file behind. Files registered with MarkOpen and files
// younger than minAge are left alone, the currently-open recording has
// no row until its writer closes.
func (s *Manager) Reconcile(ctx context.Context, minAge time.Duration) error {
	cameraDirs, err := os.ReadDir(s.RecordingsDir())
	if err != nil {
		return fmt.Errorf("read recordings directory: %w", err)
	}

	cutoff := s.clock.Now().Add(-minAge).UnixNano()

	for _, cameraDir := range cameraDirs {
		if !cameraDir.IsDir() {
			continue
		}
		cameraUUID, err := uuid.Parse(cameraDir.Name())
		if err != nil {
			// Not a camera directory.
			continue
		}

		if err := s.reconcileCamera(ctx, cameraUUID, cutoff); err != nil {
			return fmt.Errorf("camera %v: %w", cameraUUID, err)
		}
	}
	return nil
}

func (s *Manager) reconcileCamera(ctx context.Context, cameraUUID uuid.UUID, cutoff int64) error {
	dir := filepath.Join(s.RecordingsDir(), cameraUUID.String())
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".mdat") {
			continue
		}
		startTime, err := strconv.ParseInt(strings.TrimSuffix(name, ".mdat"), 10, 64)
		if err != nil {
			continue
		}
		if startTime >= cutoff {
			continue
		}

		path := filepath.Join(dir, name)
		if s.isOpen(path) {
			continue
		}

		exists, err := s.db.HasRecording(ctx, cameraUUID, startTime)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if err := s.remove(path); err != nil {
			return fmt.Errorf("remove orphaned file %v: %w", path, err)
		}
		s.logger.Info().
			Src("storage").
			Camera(cameraUUID.String()).
			Msgf("removed orphaned data file: %v", path)
	}
	return nil
}

// ReconcileLoop runs Reconcile on an interval until ctx is canceled.
func (s *Manager) ReconcileLoop(ctx context.Context, interval, minAge time.Duration) {
	for {
		if err := s.clock.Sleep(ctx, interval); err != nil {
			return
		}
		if err := s.Reconcile(ctx, minAge); err != nil {
			s.logger.Error().Src("storage").Msgf("could not reconcile storage: %v", err)
		}
	}
}
