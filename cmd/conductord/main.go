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

// Command conductord runs the workflow engine process: it loads workflow
// definitions, then drives the cron trigger and delayed-call sweepers
// against a persistence backend until signalled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor/internal/config"
	conductorlog "github.com/tombee/conductor/internal/log"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/internal/controller/backend/postgres"
	"github.com/tombee/conductor/internal/controller/backend/sqlite"
	"github.com/tombee/conductor/internal/controller/leader"
	"github.com/tombee/conductor/pkg/engine"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:     "conductord",
		Short:   "Workflow orchestration engine process",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newTriggerListCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load workflow definitions and run the engine's sweepers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), settingsPath)
		},
	}
	cmd.Flags().StringVar(&settingsPath, "config", "", "path to settings.yaml (defaults to the XDG config dir)")
	return cmd
}

func newTriggerListCommand() *cobra.Command {
	var settingsPath string

	cmd := &cobra.Command{
		Use:   "trigger list",
		Short: "List cron triggers due within the next sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(settingsPath)
			if err != nil {
				return err
			}
			store, closeStore, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			due, err := store.GetDueCronTriggers(cmd.Context(), 100)
			if err != nil {
				return err
			}
			for _, t := range due {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.Name, t.Pattern)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&settingsPath, "config", "", "path to settings.yaml")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		p, err := config.SettingsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func openBackend(cfg *config.Config) (backend.Backend, func(), error) {
	switch cfg.Backend.Type {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "sqlite":
		b, err := sqlite.New(sqlite.Config{Path: cfg.Backend.SQLitePath, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	case "postgres":
		b, err := postgres.New(postgres.Config{ConnectionString: cfg.Backend.PostgresDSN})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

func runServe(ctx context.Context, settingsPath string) error {
	cfg, err := loadConfig(settingsPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateWorkflowsDir(cfg); err != nil {
		return err
	}

	logger := conductorlog.New(&conductorlog.Config{Level: cfg.Log.Level, Format: conductorlog.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	store, closeStore, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	defer closeStore()

	n, err := engine.LoadWorkflowDefinitions(ctx, store, cfg.Engine.WorkflowsDir, "default")
	if err != nil {
		return fmt.Errorf("loading workflow definitions: %w", err)
	}
	logger.Info("loaded workflow definitions", "count", n, "dir", cfg.Engine.WorkflowsDir)

	registry := engine.NewActionRegistry()
	engine.RegisterStandardActions(registry)

	eng := engine.NewWithLimits(store, engine.RegistryDispatcher(registry), int64(cfg.Engine.ExecutionFieldSizeLimitKB)*1024, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	newSweepers := func() (*engine.CronProcessor, *engine.DelayedCallScheduler) {
		delayedSched := engine.NewDelayedCallScheduler(store, cfg.Engine.DelayedCallSweepInterval, cfg.Engine.DelayedCallStaleness, logger.With("component", "delayed_call"))
		delayedSched.RegisterTarget(engine.DelayedTargetResumeWait, eng.ReapOrphanedWait)
		return engine.NewCronProcessor(store, store, cfg.Engine.CronSweepInterval, eng.FireCronTrigger, logger.With("component", "cron")),
			delayedSched
	}

	var sweepersMu sync.Mutex
	var cronProc *engine.CronProcessor
	var delayedSched *engine.DelayedCallScheduler
	startSweepers := func() {
		sweepersMu.Lock()
		defer sweepersMu.Unlock()
		cronProc, delayedSched = newSweepers()
		cronProc.Start(runCtx)
		delayedSched.Start(runCtx)
	}
	stopSweepers := func() {
		sweepersMu.Lock()
		defer sweepersMu.Unlock()
		if cronProc != nil {
			cronProc.Stop()
			delayedSched.Stop()
			cronProc, delayedSched = nil, nil
		}
	}

	// A Postgres deployment may run several conductord replicas against the
	// same database; only the elected leader runs the sweepers, so cron
	// triggers and delayed calls aren't double-claimed under CAS contention
	// from multiple pollers. Other backends have a single writer by
	// construction (embedded sqlite, in-process memory), so no election is
	// needed there. NewCronProcessor/NewDelayedCallScheduler are rebuilt on
	// every leadership acquisition since their stop/done channels are
	// one-shot and can't survive a Stop/Start cycle across a flap.
	if pgBackend, isPostgres := store.(*postgres.Backend); isPostgres {
		hostname, _ := os.Hostname()
		instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
		elector := leader.NewElector(leader.Config{
			DB:         pgBackend.DB(),
			InstanceID: instanceID,
			Logger:     logger.With("component", "leader"),
		})
		elector.OnLeadershipChange(func(isLeader bool) {
			if isLeader {
				logger.Info("acquired sweeper leadership", "instance_id", instanceID)
				startSweepers()
			} else {
				logger.Info("lost sweeper leadership", "instance_id", instanceID)
				stopSweepers()
			}
		})
		elector.Start(runCtx)
		defer elector.Stop()
	} else {
		startSweepers()
	}

	if err := engine.WatchWorkflowDefinitions(runCtx, store, cfg.Engine.WorkflowsDir, "default", logger.With("component", "definitions_watcher")); err != nil {
		logger.Warn("workflow definitions hot-reload disabled", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	stopSweepers()
	return nil
}
