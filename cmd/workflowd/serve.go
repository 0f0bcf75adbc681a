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
	"net/http"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"

	"github.com/workflowd/engine/internal/cas"
	"github.com/workflowd/engine/internal/obs"
	"github.com/workflowd/engine/internal/obslog"
	"github.com/workflowd/engine/pkg/config"
	"github.com/workflowd/engine/pkg/contextcheck"
	"github.com/workflowd/engine/pkg/engine"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/gate"
	"github.com/workflowd/engine/pkg/keyring"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/sessionlock"
	"github.com/workflowd/engine/pkg/snapshot"
)

// ServeCmd starts the MCP server over stdio.
type ServeCmd struct {
	WorkflowsDir string `name:"workflows-dir" help:"Directory of YAML workflow definitions." type:"path" default:"./workflows"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	loader, err := config.NewLoader(config.LoaderOptions{Path: cli.Config})
	if err != nil {
		return fmt.Errorf("serve: build config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	if err := obslog.Init(obslog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("serve: init logger: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("serve: create data dir: %w", err)
	}

	kr, err := keyring.Load(cfg.KeyringPath)
	if err != nil {
		return fmt.Errorf("serve: keyring: %w", err)
	}

	log, err := eventlog.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("serve: event log store: %w", err)
	}

	locker := sessionlock.New(filepath.Join(cfg.DataDir, "locks"))

	observability, err := obs.New("workflowd")
	if err != nil {
		return fmt.Errorf("serve: observability: %w", err)
	}
	defer observability.Shutdown(context.Background())

	g := gate.New(locker, log, observability)

	backend, closeBackend, err := buildCASBackend(cfg)
	if err != nil {
		return fmt.Errorf("serve: cas backend: %w", err)
	}
	if closeBackend != nil {
		defer closeBackend()
	}

	workflows := pinnedstore.New(backend)
	snapshots := snapshot.NewStore(backend)

	source, err := loadFileWorkflowSource(c.WorkflowsDir)
	if err != nil {
		return fmt.Errorf("serve: load workflow definitions: %w", err)
	}

	deps := engine.Deps{
		Keyring:   kr,
		Gate:      g,
		Log:       log,
		Workflows: workflows,
		Snapshots: snapshots,
		Source:    source,
		Observer:  gitObserver{},
		ContextLimits: contextcheck.Limits{
			MaxDepth: cfg.MaxContextDepth,
			MaxBytes: cfg.MaxContextBytes,
		},
		RiskPolicy:      cfg.RiskPolicy,
		RecoveryBytes:   cfg.RecoveryBudgetBytes,
		DefaultAutonomy: parseAutonomy(cfg.Autonomy),
		Obs:             observability,
	}

	s := server.NewMCPServer("workflowd", "0.1.0")
	registerTools(s, deps)

	go serveMetrics(cfg.MetricsAddr, observability)

	slog.Info("workflowd serving over stdio",
		"dataDir", cfg.DataDir, "storageBackend", string(cfg.StorageBackend), "riskPolicy", string(deps.RiskPolicy))
	return server.ServeStdio(s)
}

// buildCASBackend selects cas.FileStore or internal/cas.SQLStore per
// cfg.StorageBackend; the returned closer is non-nil only for the SQL
// backend, which owns a *sql.DB.
func buildCASBackend(cfg *config.Config) (cas.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.StorageSQL:
		store, err := cas.NewSQLStore(context.Background(), cfg.SQLDriver, cfg.SQLDSN, "cas_blobs")
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := cas.NewFileStore(filepath.Join(cfg.DataDir, "cas"))
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func parseAutonomy(raw string) engine.Autonomy {
	switch raw {
	case string(engine.AutonomyAutonomous):
		return engine.AutonomyAutonomous
	default:
		return engine.AutonomySupervised
	}
}

func serveMetrics(addr string, observability *obs.Observability) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics server stopped", "error", err)
	}
}
