// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentinel/pkg/clock"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/require"
)

type stubReconcileStore map[string]bool

func (s stubReconcileStore) HasRecording(_ context.Context, cameraUUID uuid.UUID, startTime int64) (bool, error) {
	return s[Recording{CameraUUID: cameraUUID, StartTime: startTime}.DataPath("")], nil
}

func TestDiskUsage(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		manager := NewManager(t.TempDir(), stubReconcileStore{},
			clock.NewSimulated(time.Unix(0, 0)), newTestLogger(t))
		manager.usage = func(string) (*disk.UsageStat, error) {
			return &disk.UsageStat{
				Used:        11000000000,
				Total:       100000000000,
				UsedPercent: 11,
			}, nil
		}

		usage, err := manager.DiskUsage()
		require.NoError(t, err)
		require.Equal(t, DiskUsage{
			Used:      11000000000,
			Total:     100000000000,
			Percent:   11,
			Formatted: "11.0GB",
		}, usage)
	})
	t.Run("err", func(t *testing.T) {
		manager := NewManager(t.TempDir(), stubReconcileStore{},
			clock.NewSimulated(time.Unix(0, 0)), newTestLogger(t))
		mockErr := errors.New("mock")
		manager.usage = func(string) (*disk.UsageStat, error) {
			return nil, mockErr
		}

		_, err := manager.DiskUsage()
		require.ErrorIs(t, err, mockErr)
	})
}

func TestFormatDiskUsage(t *testing.T) {
	cases := []struct {
		input    float64
		expected string
	}{
		{10 * megabyte, "10MB"},
		{2 * gigabyte, "2.00GB"},
		{20 * gigabyte, "20.0GB"},
		{200 * gigabyte, "200GB"},
		{2 * terabyte, "2.00TB"},
		{20 * terabyte, "20.0TB"},
		{200 * terabyte, "200TB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, formatDiskUsage(tc.input))
		})
	}
}

func TestReconcile(t *testing.T) {
	camUUID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	now := time.Unix(10000, 0)

	newTestManager := func(t *testing.T, store ReconcileStore) *Manager {
		t.Helper()
		manager := NewManager(t.TempDir(), store,
			clock.NewSimulated(now), newTestLogger(t))
		require.NoError(t, manager.PrepareEnvironment())
		return manager
	}

	writeDataFile := func(t *testing.T, manager *Manager, rec Recording) string {
		t.Helper()
		path := rec.DataPath(manager.RecordingsDir())
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte{0}, 0o600))
		return path
	}

	oldTime := now.Add(-time.Hour).UnixNano()
	youngTime := now.Add(-time.Minute).UnixNano()

	t.Run("working", func(t *testing.T) {
		known := Recording{CameraUUID: camUUID, StartTime: oldTime}
		orphan := Recording{CameraUUID: camUUID, StartTime: oldTime + 1}
		young := Recording{CameraUUID: camUUID, StartTime: youngTime}

		store := stubReconcileStore{known.DataPath(""): true}
		manager := newTestManager(t, store)

		knownPath := writeDataFile(t, manager, known)
		orphanPath := writeDataFile(t, manager, orphan)
		youngPath := writeDataFile(t, manager, young)

		require.NoError(t, manager.Reconcile(context.Background(), 10*time.Minute))

		require.FileExists(t, knownPath)
		require.NoFileExists(t, orphanPath)

		// Too young to judge, could be the open recording.
		require.FileExists(t, youngPath)
	})
	t.Run("skipsOpenRecording", func(t *testing.T) {
		// A stalled source can age the open recording's file past
		// minAge while it still has no row. Registration protects it
		// even then.
		open := Recording{CameraUUID: camUUID, StartTime: oldTime}

		manager := newTestManager(t, stubReconcileStore{})
		openPath := writeDataFile(t, manager, open)

		release := manager.MarkOpen(openPath)

		require.NoError(t, manager.Reconcile(context.Background(), 10*time.Minute))
		require.FileExists(t, openPath)

		// Once released it is a plain orphan again.
		release()
		require.NoError(t, manager.Reconcile(context.Background(), 10*time.Minute))
		require.NoFileExists(t, openPath)
	})
	t.Run("ignoresForeignFiles", func(t *testing.T) {
		manager := newTestManager(t, stubReconcileStore{})

		junkDir := filepath.Join(manager.RecordingsDir(), "not-a-uuid")
		require.NoError(t, os.MkdirAll(junkDir, 0o700))
		junkFile := filepath.Join(junkDir, "123.mdat")
		require.NoError(t, os.WriteFile(junkFile, []byte{0}, 0o600))

		cameraDir := filepath.Join(manager.RecordingsDir(), camUUID.String())
		require.NoError(t, os.MkdirAll(cameraDir, 0o700))
		notMdat := filepath.Join(cameraDir, "readme.txt")
		require.NoError(t, os.WriteFile(notMdat, []byte{0}, 0o600))

		require.NoError(t, manager.Reconcile(context.Background(), 0))
		require.FileExists(t, junkFile)
		require.FileExists(t, notMdat)
	})
	t.Run("removeErr", func(t *testing.T) {
		orphan := Recording{CameraUUID: camUUID, StartTime: oldTime}
		manager := newTestManager(t, stubReconcileStore{})
		writeDataFile(t, manager, orphan)

		mockErr := errors.New("mock")
		manager.remove = func(string) error { return mockErr }

		err := manager.Reconcile(context.Background(), time.Minute)
		require.ErrorIs(t, err, mockErr)
	})
}
