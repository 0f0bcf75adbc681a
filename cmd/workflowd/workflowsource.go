// Copyright 2025 Kadir Pekel
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/workflowd/engine/pkg/pinnedstore"
)

// fileWorkflowSource resolves a workflowId against a directory of YAML
// workflow documents loaded once at startup. It performs no validation
// beyond a structural yaml.Unmarshal — spec.md §1 scopes workflow file
// loading, validation, and discovery from disk entirely out of pkg/engine,
// so this adapter stays intentionally thin.
type fileWorkflowSource struct {
	byID map[string]pinnedstore.CompiledWorkflow
}

// loadFileWorkflowSource reads every *.yaml/*.yml file directly under dir
// into memory, keyed by its CompiledWorkflow.ID.
func loadFileWorkflowSource(dir string) (*fileWorkflowSource, error) {
	src := &fileWorkflowSource{byID: map[string]pinnedstore.CompiledWorkflow{}}
	if dir == "" {
		return src, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return src, nil
		}
		return nil, fmt.Errorf("workflowsource: read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflowsource: read %s: %w", path, err)
		}
		var wf pinnedstore.CompiledWorkflow
		if err := yaml.Unmarshal(b, &wf); err != nil {
			return nil, fmt.Errorf("workflowsource: parse %s: %w", path, err)
		}
		if wf.ID == "" {
			return nil, fmt.Errorf("workflowsource: %s has no id", path)
		}
		src.byID[wf.ID] = wf
		slog.Info("loaded workflow definition", "path", path, "workflowId", wf.ID, "steps", len(wf.Steps))
	}
	return src, nil
}

func (s *fileWorkflowSource) Resolve(_ context.Context, workflowID string) (pinnedstore.CompiledWorkflow, bool, error) {
	wf, ok := s.byID[workflowID]
	return wf, ok, nil
}

// gitObserver resolves a best-effort anchor set (spec §6.4) for a workspace
// path by shelling out to git. It never fails the caller — any error just
// means no anchors were found.
type gitObserver struct{}

func (gitObserver) Resolve(ctx context.Context, workspacePath string) (map[string]string, bool) {
	sha, err := runGit(ctx, workspacePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, false
	}
	anchors := map[string]string{"gitHeadSha": sha}
	if branch, err := runGit(ctx, workspacePath, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "" && branch != "HEAD" {
		anchors["gitBranch"] = branch
	}
	return anchors, true
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
