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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/dsl"
	"github.com/tombee/conductor/pkg/model"
)

// LoadWorkflowDefinitions parses every .yaml/.yml file under dir and
// creates one WorkflowDefinition per top-level workflow entry in store,
// scoped to projectID. It is the engine process's startup-time definition
// load. DefinitionStore has no update operation (spec §3 treats
// definitions as immutable once created), so a definition already present
// under the same (project, name) is left untouched and does not count as
// an error.
func LoadWorkflowDefinitions(ctx context.Context, store backend.DefinitionStore, dir, projectID string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("reading %s: %w", path, err)
		}

		specs, err := dsl.ParseWorkflows(data)
		if err != nil {
			return loaded, fmt.Errorf("parsing %s: %w", path, err)
		}

		for name, spec := range specs {
			if existing, err := store.GetWorkflowDefinition(ctx, projectID, name); err == nil && existing != nil {
				continue
			}
			def := &model.WorkflowDefinition{
				ID:         uuid.NewString(),
				Name:       name,
				ProjectID:  projectID,
				Scope:      model.ScopePrivate,
				Definition: string(data),
				Spec:       spec,
			}
			if err := store.CreateWorkflowDefinition(ctx, def); err != nil {
				return loaded, fmt.Errorf("storing workflow %q from %s: %w", name, path, err)
			}
			loaded++
		}
	}
	return loaded, nil
}

// WatchWorkflowDefinitions watches dir for workflow-file changes and
// re-runs LoadWorkflowDefinitions on each one, picking up workflows from
// new .yaml/.yml files without a process restart; since that function
// skips names already stored, an edit to a stored workflow is not
// applied. It runs until ctx is
// cancelled. Errors from an individual reload are logged and do not stop
// the watch loop, mirroring the sweepers' tolerance of transient store
// errors.
func WatchWorkflowDefinitions(ctx context.Context, store backend.DefinitionStore, dir, projectID string, log *slog.Logger) error {
	if dir == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating workflow definitions watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				ext := strings.ToLower(filepath.Ext(event.Name))
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				n, err := LoadWorkflowDefinitions(ctx, store, dir, projectID)
				if err != nil {
					log.Error("workflow definitions reload failed", "path", event.Name, "error", err)
					continue
				}
				if n > 0 {
					log.Info("reloaded workflow definitions", "path", event.Name, "new", n)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("workflow definitions watcher error", "error", err)
			}
		}
	}()
	return nil
}
