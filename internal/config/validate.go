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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/conductor/pkg/dsl"
)

// ValidateWorkflowsDir parses every .yaml/.yml file under cfg.Engine.WorkflowsDir
// and reports any that fail to parse, so a bad definition is caught at
// startup rather than the first time a workflow is started.
func ValidateWorkflowsDir(cfg *Config) error {
	dir := cfg.Engine.WorkflowsDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	var invalid []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (read error: %v)", path, err))
			return nil
		}
		if _, err := dsl.ParseWorkflows(data); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	})
	if err != nil {
		return nil
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid workflow definitions in %s:\n  %s", dir, strings.Join(invalid, "\n  "))
	}
	return nil
}
