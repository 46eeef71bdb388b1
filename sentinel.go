// SPDX-License-Identifier: GPL-2.0-or-later

package sentinel

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"sentinel/pkg/capture"
	"sentinel/pkg/clock"
	"sentinel/pkg/log"
	"sentinel/pkg/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// Run starts the daemon and blocks until a fatal error or a stop
// signal.
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.logger.Error().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil {
		return err
	}
	return app.server.Shutdown(ctx2)
}

type app struct {
	env     *storage.ConfigEnv
	logger  *log.Logger
	logDB   *log.DB
	metaDB  *storage.DB
	manager *storage.Manager

	retention *storage.RetentionManager
	metrics   *storage.Metrics
	cameras   []storage.Camera
	server    *http.Server

	wg *sync.WaitGroup
}

func newApp(envPath string, wg *sync.WaitGroup) (*app, error) {
	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg)
	logDB := log.NewDB(env.LogDBPath(), wg)

	cameras, err := loadCameras(env.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("could not load camera config: %w", err)
	}

	// Metadata store.
	if err := os.MkdirAll(env.StorageDir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("could not create storage directory: %w", err)
	}
	metaDB, err := storage.NewDB(env.MetadataDBPath())
	if err != nil {
		return nil, fmt.Errorf("could not open metadata database: %w", err)
	}

	// Storage.
	metrics := storage.NewMetrics()
	manager := storage.NewManager(env.StorageDir, metaDB, clock.Real{}, logger)
	retention := storage.NewRetentionManager(
		metaDB, manager.RecordingsDir(), clock.Real{}, logger, metrics)

	// Metrics server.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    ":" + strconv.Itoa(env.Port),
		Handler: mux,
	}

	return &app{
		env:     env,
		logger:  logger,
		logDB:   logDB,
		metaDB:  metaDB,
		manager: manager,

		retention: retention,
		metrics:   metrics,
		cameras:   cameras,
		server:    server,

		wg: wg,
	}, nil
}

func (a *app) run(ctx context.Context) error {
	a.logger.Start(ctx)
	go a.logger.LogToStdout(ctx)

	if err := a.logDB.Init(ctx); err != nil {
		return fmt.Errorf("could not initialize log database: %w", err)
	}
	go a.logDB.SaveLogs(ctx, a.logger)

	if err := a.manager.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	for _, cam := range a.cameras {
		if err := a.metaDB.UpsertCamera(ctx, cam); err != nil {
			return fmt.Errorf("could not save camera %v: %w", cam.UUID, err)
		}
	}

	// Remove data files orphaned by an earlier crash. Files younger
	// than the rollover ceiling may belong to the open recording.
	minAge := a.env.RecordingLimits().MaxDuration + 10*time.Minute
	if err := a.manager.Reconcile(ctx, minAge); err != nil {
		a.logger.Error().Src("storage").Msgf("reconcile: %v", err)
	}

	sweepInterval := a.env.RetentionSweepInterval()
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.retention.SweepLoop(ctx, sweepInterval)
	}()
	go func() {
		defer a.wg.Done()
		a.manager.ReconcileLoop(ctx, time.Hour, minAge)
	}()

	a.startCaptures(ctx)

	// Blocks until Run calls Shutdown.
	return a.server.ListenAndServe()
}

// startCaptures starts one recording loop per camera with a
// registered sample source. Cameras without a source still have their
// retention budget enforced.
func (a *app) startCaptures(ctx context.Context) {
	limits := a.env.RecordingLimits()

	for _, cam := range a.cameras {
		if hooks.newSampleSource == nil {
			a.logger.Warn().Src("app").Camera(cam.UUID.String()).
				Msg("no sample source registered, camera will not record")
			continue
		}
		source, err := hooks.newSampleSource(cam)
		if err != nil {
			a.logger.Error().Src("app").Camera(cam.UUID.String()).
				Msgf("could not create sample source: %v", err)
			continue
		}

		c := capture.New(
			cam,
			source,
			a.metaDB,
			a.manager,
			a.retention,
			limits,
			clock.Real{},
			a.logger,
			a.metrics,
		)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			c.Run(ctx)
		}()
	}
}

type cameraConfig struct {
	UUID        string `yaml:"uuid"`
	ShortName   string `yaml:"shortName"`
	RetainBytes int64  `yaml:"retainBytes"`
}

// loadCameras reads cameras.yaml from the config directory.
func loadCameras(configDir string) ([]storage.Camera, error) {
	path := filepath.Join(configDir, "cameras.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var configs []cameraConfig
	if err := yaml.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("unmarshal %v: %w", path, err)
	}

	cameras := make([]storage.Camera, 0, len(configs))
	for _, c := range configs {
		cam, err := storage.NewCamera(c.UUID, c.ShortName, c.RetainBytes)
		if err != nil {
			return nil, fmt.Errorf("camera %q: %w", c.ShortName, err)
		}
		cameras = append(cameras, cam)
	}
	return cameras, nil
}
