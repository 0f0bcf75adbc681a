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
	"fmt"
	"path/filepath"

	"github.com/workflowd/engine/pkg/config"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/projection"
)

// InspectSessionCmd prints a read-only summary of one session's event log,
// using the permissive loader so a corrupt tail is reported rather than
// rejected outright.
type InspectSessionCmd struct {
	SessionID string `name:"session-id" required:"" help:"Session id to inspect."`
}

func (c *InspectSessionCmd) Run(cli *CLI) error {
	loader, err := config.NewLoader(config.LoaderOptions{Path: cli.Config})
	if err != nil {
		return fmt.Errorf("inspect-session: build config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("inspect-session: load config: %w", err)
	}

	log, err := eventlog.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("inspect-session: event log store: %w", err)
	}

	truth, isComplete, tailReason, err := log.LoadValidatedPrefix(c.SessionID)
	health := projection.FromValidatedPrefix(isComplete, tailReason, err)

	fmt.Printf("session:  %s\n", c.SessionID)
	fmt.Printf("health:   %s", health.Status)
	if health.Reason != "" {
		fmt.Printf(" (%s)", health.Reason)
	}
	fmt.Println()
	fmt.Printf("events:   %d\n", len(truth.Events))

	runIDs := map[string]bool{}
	for _, e := range truth.Events {
		if e.Kind != eventlog.KindRunStarted {
			continue
		}
		runID, _ := e.Data["runId"].(string)
		if runID == "" {
			continue
		}
		runIDs[runID] = true
	}

	for runID := range runIDs {
		dag := projection.ProjectRunDAG(truth.Events, runID)
		fmt.Printf("\nrun:      %s\n", runID)
		fmt.Printf("  nodes:  %d\n", len(dag.Nodes))
		fmt.Printf("  edges:  %d\n", len(dag.Edges))
		fmt.Printf("  tip:    %s\n", dag.PreferredTipNodeID)
	}
	return nil
}
