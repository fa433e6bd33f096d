// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the engine process's configuration:
// persistence backend selection, sweeper tuning, and the data-flow size
// limit (spec §3 Invariant 6).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root engine configuration, loaded from settings.yaml via
// SettingsFile and overlaid with CONDUCTOR_* environment variables.
type Config struct {
	Version int `yaml:"version"`

	Backend BackendConfig `yaml:"backend"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig selects and configures the persistence backend.
type BackendConfig struct {
	// Type is one of "memory", "sqlite", "postgres".
	Type string `yaml:"type"`

	// SQLitePath is the database file path when Type is "sqlite".
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// PostgresDSN is the connection string when Type is "postgres".
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// EngineConfig tunes the engine's sweepers and data-flow limits.
type EngineConfig struct {
	// WorkflowsDir is the directory of .yaml workflow/action definitions
	// loaded at startup; files added later are picked up via fsnotify, and
	// a workflow already stored keeps its stored definition.
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// ExecutionFieldSizeLimitKB bounds Context/Input/Output/Published
	// field sizes (spec §3 Invariant 6), mirroring the original engine's
	// cfg.CONF.engine.execution_field_size_limit_kb.
	ExecutionFieldSizeLimitKB int `yaml:"execution_field_size_limit_kb"`

	// CronSweepInterval is how often CronProcessor polls for due triggers.
	CronSweepInterval time.Duration `yaml:"cron_sweep_interval"`

	// DelayedCallSweepInterval is how often DelayedCallScheduler claims
	// due delayed calls.
	DelayedCallSweepInterval time.Duration `yaml:"delayed_call_sweep_interval"`

	// DelayedCallStaleness is how long a claimed-but-undelivered delayed
	// call may sit before ReclaimStale takes it back.
	DelayedCallStaleness time.Duration `yaml:"delayed_call_staleness"`

	// WithItemsDefaultConcurrency is loaded and defaulted by this package
	// but read by no engine code: a with-items task without a concurrency
	// expression is not bounded by it.
	WithItemsDefaultConcurrency int `yaml:"with_items_default_concurrency"`

	// RetryDefaultCount is loaded and defaulted by this package but read
	// by no engine code: a task spec without a retry policy gets no
	// retries from it.
	RetryDefaultCount int `yaml:"retry_default_count"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Backend: BackendConfig{
			Type:       "memory",
			SQLitePath: "./conductor.db",
		},
		Engine: EngineConfig{
			WorkflowsDir:                "./workflows",
			ExecutionFieldSizeLimitKB:   1024,
			CronSweepInterval:           time.Second,
			DelayedCallSweepInterval:    time.Second,
			DelayedCallStaleness:        5 * time.Minute,
			WithItemsDefaultConcurrency: 10,
			RetryDefaultCount:           0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyDefaults fills in zero-valued fields from Default(), called by
// SettingsFile.Load after unmarshalling a partial settings.yaml.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.SQLitePath == "" {
		c.Backend.SQLitePath = d.Backend.SQLitePath
	}
	if c.Engine.WorkflowsDir == "" {
		c.Engine.WorkflowsDir = d.Engine.WorkflowsDir
	}
	if c.Engine.ExecutionFieldSizeLimitKB == 0 {
		c.Engine.ExecutionFieldSizeLimitKB = d.Engine.ExecutionFieldSizeLimitKB
	}
	if c.Engine.CronSweepInterval == 0 {
		c.Engine.CronSweepInterval = d.Engine.CronSweepInterval
	}
	if c.Engine.DelayedCallSweepInterval == 0 {
		c.Engine.DelayedCallSweepInterval = d.Engine.DelayedCallSweepInterval
	}
	if c.Engine.DelayedCallStaleness == 0 {
		c.Engine.DelayedCallStaleness = d.Engine.DelayedCallStaleness
	}
	if c.Engine.WithItemsDefaultConcurrency == 0 {
		c.Engine.WithItemsDefaultConcurrency = d.Engine.WithItemsDefaultConcurrency
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// ApplyEnv overlays CONDUCTOR_* environment variables onto c, following
// the teacher's env-override convention (CONDUCTOR_SOCKET_PATH etc.).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CONDUCTOR_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("CONDUCTOR_SQLITE_PATH"); v != "" {
		c.Backend.SQLitePath = v
	}
	if v := os.Getenv("CONDUCTOR_POSTGRES_DSN"); v != "" {
		c.Backend.PostgresDSN = v
	}
	if v := os.Getenv("CONDUCTOR_WORKFLOWS_DIR"); v != "" {
		c.Engine.WorkflowsDir = v
	}
	if v := os.Getenv("CONDUCTOR_EXECUTION_FIELD_SIZE_LIMIT_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.ExecutionFieldSizeLimitKB = n
		}
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}
