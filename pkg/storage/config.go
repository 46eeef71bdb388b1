// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port int `yaml:"port"` // Metrics port.

	StorageDir string `yaml:"storageDir"`

	// Rollover ceilings for a single recording. Operational
	// configuration with no built-in defaults.
	MaxRecordingBytes   int64 `yaml:"maxRecordingBytes"`
	MaxRecordingSeconds int   `yaml:"maxRecordingSeconds"`

	// Cadence of the periodic retention sweep.
	RetentionSweepSeconds int `yaml:"retentionSweepSeconds"`

	ConfigDir string
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv returns new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2112
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(filepath.Dir(env.ConfigDir), "storage")
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	if env.MaxRecordingBytes <= 0 {
		return nil, fmt.Errorf("maxRecordingBytes: %w", ErrValueMissing)
	}
	if env.MaxRecordingSeconds <= 0 {
		return nil, fmt.Errorf("maxRecordingSeconds: %w", ErrValueMissing)
	}
	if env.RetentionSweepSeconds <= 0 {
		return nil, fmt.Errorf("retentionSweepSeconds: %w", ErrValueMissing)
	}

	return &env, nil
}

// RecordingsDir returns the recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// MetadataDBPath returns the path of the metadata database.
func (env ConfigEnv) MetadataDBPath() string {
	return filepath.Join(env.StorageDir, "sentinel.db")
}

// LogDBPath returns the path of the log database.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// RecordingLimits returns the rollover ceilings.
func (env ConfigEnv) RecordingLimits() Limits {
	return Limits{
		MaxBytes:    env.MaxRecordingBytes,
		MaxDuration: time.Duration(env.MaxRecordingSeconds) * time.Second,
	}
}

// RetentionSweepInterval returns the sweep cadence.
func (env ConfigEnv) RetentionSweepInterval() time.Duration {
	return time.Duration(env.RetentionSweepSeconds) * time.Second
}
