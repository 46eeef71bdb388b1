// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Camera is a recording source. RetainBytes is the maximum total size
// of the camera's closed recordings, enforced by the retention manager.
type Camera struct {
	UUID        uuid.UUID
	ShortName   string
	RetainBytes int64
}

// ErrValueMissing value missing.
var ErrValueMissing = errors.New("value missing")

// NewCamera parses and validates a camera definition.
func NewCamera(id string, shortName string, retainBytes int64) (Camera, error) {
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return Camera{}, fmt.Errorf("parse uuid %q: %w", id, err)
	}
	cam := Camera{
		UUID:        parsedID,
		ShortName:   shortName,
		RetainBytes: retainBytes,
	}
	if err := cam.Validate(); err != nil {
		return Camera{}, err
	}
	return cam, nil
}

// Validate camera.
func (c Camera) Validate() error {
	if c.UUID == uuid.Nil {
		return fmt.Errorf("'UUID': %w", ErrValueMissing)
	}
	if c.ShortName == "" {
		return fmt.Errorf("'ShortName': %w", ErrValueMissing)
	}
	if c.RetainBytes < 0 {
		return fmt.Errorf("camera %v: negative retainBytes: %d", c.UUID, c.RetainBytes)
	}
	return nil
}

// Recording is one closed continuous capture session, identified by
// (camera, start time). Index is the encoded sample index and the
// summary fields are kept in sync with it. Durations are in
// nanoseconds.
type Recording struct {
	CameraUUID    uuid.UUID
	StartTime     int64 // UnixNano.
	SampleCount   int64
	TotalDuration int64
	TotalBytes    int64
	Index         []byte
}

// Start returns the recording start time.
func (r Recording) Start() time.Time {
	return time.Unix(0, r.StartTime)
}

// DataPath returns the path of the recording's raw sample data file.
//
//	<recordingsDir>/<cameraUUID>/<startUnixNano>.mdat
func (r Recording) DataPath(recordingsDir string) string {
	return filepath.Join(
		recordingsDir,
		r.CameraUUID.String(),
		strconv.FormatInt(r.StartTime, 10)+".mdat",
	)
}
