// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDBCamera(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert", func(t *testing.T) {
		db := newTestDB(t)

		cam := Camera{
			UUID:        uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
			ShortName:   "front",
			RetainBytes: 5000,
		}
		require.NoError(t, db.UpsertCamera(ctx, cam))

		actual, err := db.Camera(ctx, cam.UUID)
		require.NoError(t, err)
		require.Equal(t, cam, actual)

		cam.ShortName = "back"
		cam.RetainBytes = 9000
		require.NoError(t, db.UpsertCamera(ctx, cam))

		actual, err = db.Camera(ctx, cam.UUID)
		require.NoError(t, err)
		require.Equal(t, cam, actual)

		cameras, err := db.Cameras(ctx)
		require.NoError(t, err)
		require.Equal(t, []Camera{cam}, cameras)
	})
	t.Run("notExist", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.Camera(ctx, uuid.New())
		require.ErrorIs(t, err, ErrCameraNotExist)
	})
	t.Run("invalid", func(t *testing.T) {
		db := newTestDB(t)

		err := db.UpsertCamera(ctx, Camera{ShortName: "x"})
		require.ErrorIs(t, err, ErrValueMissing)

		err = db.UpsertCamera(ctx, Camera{UUID: uuid.New()})
		require.ErrorIs(t, err, ErrValueMissing)

		err = db.UpsertCamera(ctx, Camera{
			UUID:        uuid.New(),
			ShortName:   "x",
			RetainBytes: -1,
		})
		require.Error(t, err)
	})
}

func TestDBRecording(t *testing.T) {
	ctx := context.Background()
	camUUID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	newTestDBWithCamera := func(t *testing.T) *DB {
		db := newTestDB(t)
		err := db.UpsertCamera(ctx, Camera{
			UUID:        camUUID,
			ShortName:   "front",
			RetainBytes: 5000,
		})
		require.NoError(t, err)
		return db
	}

	t.Run("insertAndList", func(t *testing.T) {
		db := newTestDBWithCamera(t)

		// Inserted out of order on purpose.
		rec2 := Recording{
			CameraUUID:    camUUID,
			StartTime:     2000,
			SampleCount:   2,
			TotalDuration: 200,
			TotalBytes:    2500,
			Index:         []byte{4, 5},
		}
		rec1 := Recording{
			CameraUUID:    camUUID,
			StartTime:     1000,
			SampleCount:   3,
			TotalDuration: 290,
			TotalBytes:    3400,
			Index:         []byte{1, 2, 3},
		}
		require.NoError(t, db.InsertRecording(ctx, rec2))
		require.NoError(t, db.InsertRecording(ctx, rec1))

		recordings, err := db.RecordingsOldestFirst(ctx, camUUID)
		require.NoError(t, err)

		// Summaries only, oldest first.
		rec1.Index = nil
		rec2.Index = nil
		require.Equal(t, []Recording{rec1, rec2}, recordings)

		blob, err := db.RecordingIndex(ctx, camUUID, 1000)
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2, 3}, blob)
	})
	t.Run("duplicate", func(t *testing.T) {
		db := newTestDBWithCamera(t)

		rec := Recording{CameraUUID: camUUID, StartTime: 1000, Index: []byte{}}
		require.NoError(t, db.InsertRecording(ctx, rec))
		require.Error(t, db.InsertRecording(ctx, rec))
	})
	t.Run("delete", func(t *testing.T) {
		db := newTestDBWithCamera(t)

		rec := Recording{CameraUUID: camUUID, StartTime: 1000, Index: []byte{}}
		require.NoError(t, db.InsertRecording(ctx, rec))

		exists, err := db.HasRecording(ctx, camUUID, 1000)
		require.NoError(t, err)
		require.True(t, exists)

		require.NoError(t, db.DeleteRecording(ctx, camUUID, 1000))

		exists, err = db.HasRecording(ctx, camUUID, 1000)
		require.NoError(t, err)
		require.False(t, exists)

		_, err = db.RecordingIndex(ctx, camUUID, 1000)
		require.ErrorIs(t, err, ErrRecordingNotExist)
	})
}

func TestDBVersion(t *testing.T) {
	// A pre-existing file without the expected user_version is
	// rejected rather than silently migrated.
	dbPath := filepath.Join(t.TempDir(), "sentinel.db")
	require.NoError(t, os.WriteFile(dbPath, nil, 0o600))

	_, err := NewDB(dbPath)
	require.Error(t, err)
}
