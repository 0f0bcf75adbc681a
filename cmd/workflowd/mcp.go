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
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"

	"github.com/workflowd/engine/pkg/advance"
	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/engine"
)

// registerTools wires the three MCP-facing operations spec §6.1 describes
// onto s, dispatching into pkg/engine and translating errors through
// engine.ClassifyError into the closed §7 envelope.
func registerTools(s *server.MCPServer, deps engine.Deps) {
	s.AddTool(mcp.NewTool("start_workflow",
		mcp.WithDescription("Start a new workflow run and receive the first step's prompt."),
		mcp.WithString("workflowId", mcp.Required(), mcp.Description("Identifier of the workflow definition to start.")),
		mcp.WithObject("context", mcp.Description("Initial context values for the run.")),
		mcp.WithString("workspacePath", mcp.Description("Local workspace path used for best-effort observation anchors.")),
	), startWorkflowHandler(deps))

	s.AddTool(mcp.NewTool("continue_workflow",
		mcp.WithDescription("Advance the current step, or rehydrate its prompt without mutating state."),
		mcp.WithString("intent", mcp.Required(), mcp.Description(`"advance" or "rehydrate".`)),
		mcp.WithString("stateToken", mcp.Required()),
		mcp.WithString("ackToken", mcp.Description("Required when intent is \"advance\".")),
		mcp.WithObject("output", mcp.Description("The agent's submission for the pending step.")),
		mcp.WithObject("context", mcp.Description("Context updates to merge for this step.")),
	), continueWorkflowHandler(deps))

	s.AddTool(mcp.NewTool("checkpoint_workflow",
		mcp.WithDescription("Record a checkpoint against the current step without advancing the run."),
		mcp.WithString("checkpointToken", mcp.Required()),
	), checkpointWorkflowHandler(deps))
}

func startWorkflowHandler(deps engine.Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in struct {
			WorkflowID    string         `mapstructure:"workflowId"`
			Context       map[string]any `mapstructure:"context"`
			WorkspacePath string         `mapstructure:"workspacePath"`
		}
		if err := mapstructure.Decode(req.GetArguments(), &in); err != nil {
			return envelopeResult(engine.ClassifyError(&engine.ValidationError{Reason: err.Error()})), nil
		}

		resp, err := engine.StartWorkflow(ctx, deps, engine.StartRequest{
			WorkflowID:    in.WorkflowID,
			Context:       in.Context,
			WorkspacePath: in.WorkspacePath,
		})
		if err != nil {
			return envelopeResult(engine.ClassifyError(err)), nil
		}
		return jsonResult(resp)
	}
}

func continueWorkflowHandler(deps engine.Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in struct {
			Intent     string         `mapstructure:"intent"`
			StateToken string         `mapstructure:"stateToken"`
			AckToken   string         `mapstructure:"ackToken"`
			Context    map[string]any `mapstructure:"context"`
			Output     *struct {
				NotesMarkdown string `mapstructure:"notesMarkdown"`
				ContractValue any    `mapstructure:"contractValue"`
			} `mapstructure:"output"`
		}
		if err := mapstructure.Decode(req.GetArguments(), &in); err != nil {
			return envelopeResult(engine.ClassifyError(&engine.ValidationError{Reason: err.Error()})), nil
		}

		submission := advance.Submission{}
		if in.Output != nil {
			submission.NotesMarkdown = in.Output.NotesMarkdown
			submission.ContractValue = in.Output.ContractValue
			submission.HasContract = in.Output.ContractValue != nil
		}

		resp, err := engine.ContinueWorkflow(ctx, deps, engine.ContinueRequest{
			Intent:     in.Intent,
			StateToken: in.StateToken,
			AckToken:   in.AckToken,
			Output:     submission,
			Context:    in.Context,
		})
		if err != nil {
			return envelopeResult(engine.ClassifyError(err)), nil
		}
		return jsonResult(resp)
	}
}

func checkpointWorkflowHandler(deps engine.Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in struct {
			CheckpointToken string `mapstructure:"checkpointToken"`
		}
		if err := mapstructure.Decode(req.GetArguments(), &in); err != nil {
			return envelopeResult(engine.ClassifyError(&engine.ValidationError{Reason: err.Error()})), nil
		}

		resp, err := engine.CheckpointWorkflow(ctx, deps, engine.CheckpointRequest{CheckpointToken: in.CheckpointToken})
		if err != nil {
			return envelopeResult(engine.ClassifyError(err)), nil
		}
		return jsonResult(resp)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("mcp: marshal response", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func envelopeResult(env apierror.Envelope) *mcp.CallToolResult {
	b, err := json.Marshal(env)
	if err != nil {
		return mcp.NewToolResultError("internal: failed to encode error envelope")
	}
	return mcp.NewToolResultText(string(b))
}
