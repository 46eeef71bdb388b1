// SPDX-License-Identifier: GPL-2.0-or-later

// Package idxcheck is a script that verifies the integrity of every
// stored sample index against its metadata row and data file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"sentinel/pkg/index"
	"sentinel/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	storageDir := flag.String("storage", "", "path to storage directory")
	flag.Parse()

	if *storageDir == "" {
		flag.Usage()
		return nil
	}

	db, err := storage.NewDB(*storageDir + "/sentinel.db")
	if err != nil {
		return fmt.Errorf("open metadata database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	cameras, err := db.Cameras(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}

	recordingsDir := *storageDir + "/recordings"

	var checked, bad int
	for _, cam := range cameras {
		recordings, err := db.RecordingsOldestFirst(ctx, cam.UUID)
		if err != nil {
			return fmt.Errorf("list recordings for %v: %w", cam.UUID, err)
		}
		for _, rec := range recordings {
			checked++
			if !checkRecording(ctx, db, recordingsDir, rec) {
				bad++
			}
		}
	}

	fmt.Printf("checked %d recordings, %d bad\n", checked, bad)
	if bad > 0 {
		return errors.New("corruption found")
	}
	return nil
}

// checkRecording decodes the full index blob and cross-checks the
// summary row and the data file size. A corrupt blob still yields the
// valid prefix, which is reported alongside the error.
func checkRecording(
	ctx context.Context,
	db *storage.DB,
	recordingsDir string,
	rec storage.Recording,
) bool {
	name := fmt.Sprintf("%v/%d", rec.CameraUUID, rec.StartTime)

	blob, err := db.RecordingIndex(ctx, rec.CameraUUID, rec.StartTime)
	if err != nil {
		fmt.Printf("%v: read index: %v\n", name, err)
		return false
	}

	sum, err := index.Summarize(blob)
	if err != nil {
		fmt.Printf("%v: decode index: %v (valid prefix: %d samples, %d bytes)\n",
			name, err, sum.SampleCount, sum.TotalBytes)
		return false
	}

	ok := true
	if sum.SampleCount != rec.SampleCount {
		fmt.Printf("%v: sample count mismatch: index %d, row %d\n",
			name, sum.SampleCount, rec.SampleCount)
		ok = false
	}
	if sum.TotalDuration != rec.TotalDuration {
		fmt.Printf("%v: duration mismatch: index %d, row %d\n",
			name, sum.TotalDuration, rec.TotalDuration)
		ok = false
	}
	if sum.TotalBytes != rec.TotalBytes {
		fmt.Printf("%v: byte total mismatch: index %d, row %d\n",
			name, sum.TotalBytes, rec.TotalBytes)
		ok = false
	}

	stat, err := os.Stat(rec.DataPath(recordingsDir))
	if err != nil {
		fmt.Printf("%v: stat data file: %v\n", name, err)
		return false
	}
	if stat.Size() != sum.TotalBytes {
		fmt.Printf("%v: data file size mismatch: file %d, index %d\n",
			name, stat.Size(), sum.TotalBytes)
		ok = false
	}
	return ok
}
