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

// Command workflowd is the MCP server for the workflow engine.
//
// Usage:
//
//	workflowd serve --config config.yaml
//	workflowd inspect-session --session-id <id>
//	workflowd rotate-key --config config.yaml
//	workflowd version
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve           ServeCmd           `cmd:"" help:"Start the MCP server over stdio."`
	InspectSession  InspectSessionCmd  `cmd:"" name:"inspect-session" help:"Print a read-only summary of one session's event log."`
	RotateKey       RotateKeyCmd       `cmd:"" name:"rotate-key" help:"Rotate the signing keyring, keeping prior keys for verification."`
	Version         VersionCmd         `cmd:"" help:"Show version information."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"./workflowd.yaml"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("workflowd version %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("workflowd"),
		kong.Description("workflowd - MCP workflow engine"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
