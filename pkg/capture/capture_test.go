// SPDX-License-Identifier: GPL-2.0-or-later

package capture

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"sentinel/pkg/clock"
	"sentinel/pkg/log"
	"sentinel/pkg/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	ch chan Sample
}

func (s *chanSource) ReadSample(ctx context.Context) (Sample, error) {
	select {
	case sample := <-s.ch:
		return sample, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

type stubInserter struct {
	mu       sync.Mutex
	errs     []error // Returned before accepting inserts.
	inserted []storage.Recording
	ch       chan storage.Recording
}

func newStubInserter() *stubInserter {
	return &stubInserter{ch: make(chan storage.Recording, 10)}
}

func (s *stubInserter) InsertRecording(_ context.Context, rec storage.Recording) error {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return err
	}
	s.inserted = append(s.inserted, rec)
	s.mu.Unlock()
	s.ch <- rec
	return nil
}

type stubSweeper struct {
	mu     sync.Mutex
	sweeps []uuid.UUID
	err    error
}

func (s *stubSweeper) Sweep(_ context.Context, cam storage.Camera) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sweeps = append(s.sweeps, cam.UUID)
	return nil
}

func (s *stubSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sweeps)
}

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewMockLogger()
	logger.Start(ctx)
	return logger
}

type captureTest struct {
	capture  *Capture
	cam      storage.Camera
	source   *chanSource
	inserter *stubInserter
	sweeper  *stubSweeper
	manager  *storage.Manager
	logger   *log.Logger
}

func newTestCapture(t *testing.T, limits storage.Limits) *captureTest {
	t.Helper()

	logger := newTestLogger(t)
	cam := storage.Camera{
		UUID:        uuid.New(),
		ShortName:   "one",
		RetainBytes: 1000000,
	}
	manager := storage.NewManager(t.TempDir(), nil, clock.Real{}, logger)
	source := &chanSource{ch: make(chan Sample)}
	inserter := newStubInserter()
	sweeper := &stubSweeper{}

	c := New(
		cam,
		source,
		inserter,
		manager,
		sweeper,
		limits,
		clock.Real{},
		logger,
		storage.NewMetricsWithRegistry(prometheus.NewRegistry()),
	)
	c.restartDelay = 0
	c.closeRetryDelay = 0

	return &captureTest{
		capture:  c,
		cam:      cam,
		source:   source,
		inserter: inserter,
		sweeper:  sweeper,
		manager:  manager,
		logger:   logger,
	}
}

func TestCaptureRollover(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	ct.source.ch <- Sample{Data: []byte("abc"), Duration: time.Second, IsKeyFrame: true}
	ct.source.ch <- Sample{Data: []byte("def"), Duration: time.Second}

	rec := <-ct.inserter.ch
	require.Equal(t, ct.cam.UUID, rec.CameraUUID)
	require.Equal(t, int64(2), rec.SampleCount)
	require.Equal(t, int64(6), rec.TotalBytes)
	require.Equal(t, (2 * time.Second).Nanoseconds(), rec.TotalDuration)

	data, err := os.ReadFile(rec.DataPath(ct.manager.RecordingsDir()))
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), data)

	require.Eventually(t, func() bool {
		return ct.sweeper.count() == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestCapturePersistsTailOnCancel(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 100})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	ct.source.ch <- Sample{Data: []byte("abc"), Duration: time.Second, IsKeyFrame: true}

	cancel()
	<-done

	rec := <-ct.inserter.ch
	require.Equal(t, int64(1), rec.SampleCount)
	require.Equal(t, int64(3), rec.TotalBytes)
}

func TestCaptureDropsEmptyRecording(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 100})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	require.Empty(t, ct.inserter.inserted)

	dir, err := ct.manager.CameraDir(ct.cam.UUID)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCaptureRestartsOnSourceError(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 100})

	sourceErr := errors.New("stream lost")
	failing := &failingSource{
		inner: ct.source,
		errs:  []error{sourceErr},
	}
	ct.capture.source = failing

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	// The first read fails, the loop restarts and keeps recording.
	ct.source.ch <- Sample{Data: []byte("abc"), Duration: time.Second, IsKeyFrame: true}

	cancel()
	<-done

	rec := <-ct.inserter.ch
	require.Equal(t, int64(1), rec.SampleCount)
}

func TestCaptureRetriesFailedClose(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 2})

	// The first insert fails, the close is retried and the tail is
	// not lost.
	ct.inserter.errs = []error{errors.New("database is locked")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	ct.source.ch <- Sample{Data: []byte("abc"), Duration: time.Second, IsKeyFrame: true}

	rec := <-ct.inserter.ch
	require.Equal(t, int64(1), rec.SampleCount)
	require.Equal(t, int64(3), rec.TotalBytes)

	cancel()
	<-done
}

func TestCaptureShieldsOpenRecording(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 100})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	// The recording is open with no metadata row. Reconciliation with
	// a zero age cutoff must still leave its data file alone.
	ct.source.ch <- Sample{Data: []byte("abc"), Duration: time.Second, IsKeyFrame: true}

	require.NoError(t, ct.manager.Reconcile(ctx, 0))

	dir, err := ct.manager.CameraDir(ct.cam.UUID)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cancel()
	<-done
}

func TestCaptureLogsEmptyFileRemoveErr(t *testing.T) {
	ct := newTestCapture(t, storage.Limits{MaxBytes: 100})

	removeErr := errors.New("permission denied")
	ct.capture.removeFile = func(string) error { return removeErr }

	feed, cancelFeed := ct.logger.Subscribe()
	defer cancelFeed()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ct.capture.Run(ctx)
		close(done)
	}()

	cancel()

	var sawWarning bool
	for {
		select {
		case entry := <-feed:
			if entry.Level == log.LevelWarning {
				require.Contains(t, entry.Msg, "permission denied")
				sawWarning = true
			}
		case <-done:
			require.True(t, sawWarning)
			return
		}
	}
}

type failingSource struct {
	mu    sync.Mutex
	inner SampleSource
	errs  []error
}

func (s *failingSource) ReadSample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return Sample{}, err
	}
	s.mu.Unlock()
	return s.inner.ReadSample(ctx)
}
