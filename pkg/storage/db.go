// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver.
)

const dbAPIversion = 1

// DB is the recording metadata store. All access goes through prepared
// statements so a failed prepare or step surfaces as an error, never a
// panic.
type DB struct {
	conn *sql.DB
}

// NewDB opens or creates the metadata database at dbPath.
func NewDB(dbPath string) (*DB, error) {
	if err := checkDB(dbPath); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close the database.
func (d *DB) Close() error {
	return d.conn.Close()
}

func checkDB(dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return createDB(dbPath)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer conn.Close()

	var version int
	if err := conn.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return err
	}
	if version != dbAPIversion {
		return fmt.Errorf("invalid database version %d: %v", version, dbPath)
	}

	return nil
}

func createDB(dbPath string) error {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("could not create database: %w", err)
	}
	defer conn.Close()

	sqlStmt := `
		create table camera (
			uuid         TEXT PRIMARY KEY,
			short_name   TEXT NOT NULL,
			retain_bytes INTEGER NOT NULL
		);
		create table recording (
			camera_uuid    TEXT NOT NULL REFERENCES camera (uuid),
			start_time     INTEGER NOT NULL,
			sample_count   INTEGER NOT NULL,
			total_duration INTEGER NOT NULL,
			total_bytes    INTEGER NOT NULL,
			video_index    BLOB NOT NULL,
			PRIMARY KEY (camera_uuid, start_time)
		);`

	if _, err := conn.Exec(sqlStmt); err != nil {
		return fmt.Errorf("could not create tables: %w", err)
	}

	_, err = conn.Exec("PRAGMA user_version = " + strconv.Itoa(dbAPIversion))
	if err != nil {
		return fmt.Errorf("could not set database api version: %w", err)
	}

	return nil
}

// ErrCameraNotExist camera does not exist.
var ErrCameraNotExist = errors.New("camera does not exist")

// UpsertCamera inserts or updates a camera row.
func (d *DB) UpsertCamera(ctx context.Context, cam Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}

	stmt, err := d.conn.PrepareContext(ctx, `
		insert into camera (uuid, short_name, retain_bytes) values (?, ?, ?)
		on conflict (uuid) do update set
			short_name = excluded.short_name,
			retain_bytes = excluded.retain_bytes`)
	if err != nil {
		return fmt.Errorf("upsert camera %v: prepare: %w", cam.UUID, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, cam.UUID.String(), cam.ShortName, cam.RetainBytes)
	if err != nil {
		return fmt.Errorf("upsert camera %v: %w", cam.UUID, err)
	}
	return nil
}

// Camera returns a single camera row.
func (d *DB) Camera(ctx context.Context, id uuid.UUID) (Camera, error) {
	row := d.conn.QueryRowContext(ctx,
		"select uuid, short_name, retain_bytes from camera where uuid = ?",
		id.String(),
	)

	cam, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Camera{}, fmt.Errorf("%w: %v", ErrCameraNotExist, id)
	}
	if err != nil {
		return Camera{}, fmt.Errorf("query camera %v: %w", id, err)
	}
	return cam, nil
}

// Cameras returns all camera rows.
func (d *DB) Cameras(ctx context.Context) ([]Camera, error) {
	rows, err := d.conn.QueryContext(ctx,
		"select uuid, short_name, retain_bytes from camera order by short_name")
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []Camera
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

type scanner interface {
	Scan(dst ...interface{}) error
}

func scanCamera(s scanner) (Camera, error) {
	var rawUUID string
	var cam Camera
	if err := s.Scan(&rawUUID, &cam.ShortName, &cam.RetainBytes); err != nil {
		return Camera{}, err
	}

	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return Camera{}, fmt.Errorf("parse uuid %q: %w", rawUUID, err)
	}
	cam.UUID = id
	return cam, nil
}

// InsertRecording persists a closed recording, the sample index blob
// and its summary stats.
func (d *DB) InsertRecording(ctx context.Context, rec Recording) error {
	stmt, err := d.conn.PrepareContext(ctx, `
		insert into recording (
			camera_uuid, start_time, sample_count,
			total_duration, total_bytes, video_index
		) values (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert recording %v %d: prepare: %w",
			rec.CameraUUID, rec.StartTime, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx,
		rec.CameraUUID.String(),
		rec.StartTime,
		rec.SampleCount,
		rec.TotalDuration,
		rec.TotalBytes,
		rec.Index,
	)
	if err != nil {
		return fmt.Errorf("insert recording %v %d: %w",
			rec.CameraUUID, rec.StartTime, err)
	}
	return nil
}

// DeleteRecording removes a recording row.
func (d *DB) DeleteRecording(ctx context.Context, cameraUUID uuid.UUID, startTime int64) error {
	stmt, err := d.conn.PrepareContext(ctx,
		"delete from recording where camera_uuid = ? and start_time = ?")
	if err != nil {
		return fmt.Errorf("delete recording %v %d: prepare: %w",
			cameraUUID, startTime, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, cameraUUID.String(), startTime)
	if err != nil {
		return fmt.Errorf("delete recording %v %d: %w", cameraUUID, startTime, err)
	}
	return nil
}

// RecordingsOldestFirst returns the summary of each of the camera's
// closed recordings, ordered by start time. The index blobs are not
// included, use RecordingIndex.
func (d *DB) RecordingsOldestFirst(ctx context.Context, cameraUUID uuid.UUID) ([]Recording, error) {
	rows, err := d.conn.QueryContext(ctx, `
		select start_time, sample_count, total_duration, total_bytes
		from recording where camera_uuid = ? order by start_time`,
		cameraUUID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query recordings %v: %w", cameraUUID, err)
	}
	defer rows.Close()

	var recordings []Recording
	for rows.Next() {
		rec := Recording{CameraUUID: cameraUUID}
		err := rows.Scan(
			&rec.StartTime,
			&rec.SampleCount,
			&rec.TotalDuration,
			&rec.TotalBytes,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recording %v: %w", cameraUUID, err)
		}
		recordings = append(recordings, rec)
	}
	return recordings, rows.Err()
}

// ErrRecordingNotExist recording does not exist.
var ErrRecordingNotExist = errors.New("recording does not exist")

// RecordingIndex returns a recording's sample index blob.
func (d *DB) RecordingIndex(ctx context.Context, cameraUUID uuid.UUID, startTime int64) ([]byte, error) {
	row := d.conn.QueryRowContext(ctx,
		"select video_index from recording where camera_uuid = ? and start_time = ?",
		cameraUUID.String(), startTime,
	)

	var index []byte
	err := row.Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v %d", ErrRecordingNotExist, cameraUUID, startTime)
	}
	if err != nil {
		return nil, fmt.Errorf("query index %v %d: %w", cameraUUID, startTime, err)
	}
	return index, nil
}

// HasRecording reports whether a recording row exists.
func (d *DB) HasRecording(ctx context.Context, cameraUUID uuid.UUID, startTime int64) (bool, error) {
	row := d.conn.QueryRowContext(ctx,
		"select count(*) from recording where camera_uuid = ? and start_time = ?",
		cameraUUID.String(), startTime,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("query recording %v %d: %w", cameraUUID, startTime, err)
	}
	return count > 0, nil
}
