// Package engine is a durable, replayable, tamper-evident execution engine
// for multi-step Model Context Protocol (MCP) agent workflows.
//
// An agent drives a workflow one step at a time by calling start_workflow,
// continue_workflow, and checkpoint_workflow. Each call surrenders the
// agent's current state as an opaque, HMAC-signed token; the engine verifies
// it, advances the workflow exactly once per distinct attempt, and hands
// back the next step's prompt plus fresh tokens. All state lives in an
// append-only per-session event log and a pair of content-addressed stores
// (pinned workflow definitions, execution snapshots), so a crashed or
// retried call always replays the same facts rather than re-executing.
//
// # Package layout
//
//	pkg/canonjson   RFC 8785 canonical JSON
//	pkg/hashref     sha256 content refs + HMAC
//	pkg/keyring     HMAC signing/verification key material
//	pkg/token       state/ack/checkpoint token codec (bech32m)
//	pkg/pinnedstore content-addressed compiled-workflow store
//	pkg/snapshot    content-addressed execution-snapshot store
//	pkg/eventlog    append-only per-session event log + manifest
//	pkg/sessionlock OS-level per-session exclusive lock
//	pkg/gate        single-writer choke point (lock + health + witness)
//	pkg/projection  pure functions over an event prefix
//	pkg/contextcheck agent-supplied context budget validation
//	pkg/blocker     blocker detection + risk-policy guardrails
//	pkg/advance     the advance state machine
//	pkg/prompt      next-step prompt + recovery-context rendering
//	pkg/engine      start_workflow / continue_workflow / checkpoint_workflow
//	pkg/config      koanf-based configuration loading
//	cmd/workflowd   MCP server entrypoint
//
// See SPEC_FULL.md and DESIGN.md at the repository root for the full
// requirements and the grounding of each package.
package engine
