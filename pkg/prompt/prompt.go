// Package prompt renders the next-step prompt returned to the agent
// (spec §4.11): a base prompt enriched with loop/validation/output-contract
// notices and, on rehydrate, a recovery appendix built from projections.
package prompt

import (
	"fmt"
	"strings"

	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/projection"
	"github.com/workflowd/engine/pkg/snapshot"
)

// DefaultRecoveryBudgetBytes is the design-default RECOVERY_BUDGET_BYTES.
const DefaultRecoveryBudgetBytes = 32 * 1024

const truncationMarker = "\n[TRUNCATED]"

// Intent is the reason a prompt is being rendered; it gates the recovery
// appendix, which is rehydrate-only.
type Intent string

const (
	IntentStart     Intent = "start"
	IntentAdvance   Intent = "advance"
	IntentRehydrate Intent = "rehydrate"
)

// Input bundles everything Render needs to produce one step's prompt.
type Input struct {
	Workflow            pinnedstore.Snapshot
	Step                pinnedstore.Step
	LoopStack           []snapshot.LoopFrame
	Intent              Intent
	DAG                 projection.RunDAG
	CurrentNodeID       string
	Outputs             map[string]map[eventlog.OutputChannel]projection.Output
	Events              []eventlog.Event
	RecoveryBudgetBytes int
}

// Rendered is the final {stepId, title, prompt} the agent receives.
type Rendered struct {
	StepID string
	Title  string
	Prompt string
}

// Render produces the step's prompt per spec §4.11's seven-part recipe.
func Render(in Input) Rendered {
	var b strings.Builder

	b.WriteString(in.Step.Prompt)

	if banner := loopBanner(in.Step, in.LoopStack); banner != "" {
		b.WriteString("\n\n")
		b.WriteString(banner)
	}

	if len(in.Step.ValidationCriteria) > 0 {
		b.WriteString("\n\nValidation requirements:\n")
		for _, c := range in.Step.ValidationCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	if in.Step.OutputContract != nil {
		fmt.Fprintf(&b, "\n\nSubmit output matching the %q contract.", in.Step.OutputContract.Name)
	}

	if !in.Step.SkipNotes && in.Step.OutputContract == nil {
		b.WriteString("\n\nInclude notesMarkdown summarizing what was done.")
	}

	if in.Intent == IntentRehydrate {
		b.WriteString("\n\n--- Recovery ---\n")
		b.WriteString(ancestryRecap(in))
		b.WriteString(downstreamBranchRecap(in))
		b.WriteString(siblingBranchSummary(in))
		b.WriteString(functionDefinitions(in.Step))
	}

	budget := in.RecoveryBudgetBytes
	if budget <= 0 {
		budget = DefaultRecoveryBudgetBytes
	}
	rendered := truncateToBudget(b.String(), budget)

	return Rendered{StepID: in.Step.ID, Title: in.Step.Title, Prompt: rendered}
}

func loopBanner(step pinnedstore.Step, loopStack []snapshot.LoopFrame) string {
	if step.Loop == nil || step.Loop.IsExit {
		return ""
	}
	for _, frame := range loopStack {
		if frame.LoopID == step.Loop.LoopID {
			return fmt.Sprintf("You are re-entering loop %q, iteration %d.", step.Loop.LoopID, frame.Iteration)
		}
	}
	return fmt.Sprintf("You are entering loop %q.", step.Loop.LoopID)
}

// ancestryRecap lists ordered notes recorded by ancestor step nodes,
// walking the acked_step edges backward from the current node.
func ancestryRecap(in Input) string {
	ancestors := ancestorChain(in.DAG, in.CurrentNodeID)
	if len(ancestors) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Ancestry recap:\n")
	for _, nodeID := range ancestors {
		node := in.DAG.Nodes[nodeID]
		recap, ok := in.Outputs[nodeID][eventlog.OutputRecap]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %v\n", node.StepID, recap.Value)
	}
	return b.String()
}

// ancestorChain walks acked_step edges backward from nodeID to the run's
// root, returning ancestors oldest-first.
func ancestorChain(dag projection.RunDAG, nodeID string) []string {
	parentOf := make(map[string]string, len(dag.Edges))
	for _, e := range dag.Edges {
		if e.Scope == eventlog.EdgeAckedStep {
			parentOf[e.ToNodeID] = e.FromNodeID
		}
	}

	var chain []string
	cur := nodeID
	seen := make(map[string]bool)
	for {
		parent, ok := parentOf[cur]
		if !ok || seen[parent] {
			break
		}
		seen[parent] = true
		chain = append([]string{parent}, chain...)
		cur = parent
	}
	return chain
}

// downstreamBranchRecap notes when the preferred tip has moved past the
// current node — i.e. the agent rehydrated an old node after the run
// advanced further on another branch.
func downstreamBranchRecap(in Input) string {
	if in.DAG.PreferredTipNodeID == "" || in.DAG.PreferredTipNodeID == in.CurrentNodeID {
		return ""
	}
	tipNode, ok := in.DAG.Nodes[in.DAG.PreferredTipNodeID]
	if !ok {
		return ""
	}
	return fmt.Sprintf("Note: the run has since advanced to step %q on another branch.\n", tipNode.StepID)
}

// siblingBranchSummary lists sibling tips (per spec §3 "every sibling tip
// within the same run, newest-first") when the current node is not itself
// a tip.
func siblingBranchSummary(in Input) string {
	isTip := false
	for _, t := range in.DAG.TipNodeIDs {
		if t == in.CurrentNodeID {
			isTip = true
			break
		}
	}
	if isTip {
		return ""
	}

	var siblings []projection.Node
	for _, nodeID := range in.DAG.TipNodeIDs {
		if nodeID == in.CurrentNodeID {
			continue
		}
		siblings = append(siblings, in.DAG.Nodes[nodeID])
	}
	if len(siblings) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Sibling branches (newest first):\n")
	for i := len(siblings) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "- %s (node %s)\n", siblings[i].StepID, siblings[i].NodeID)
	}
	return b.String()
}

func functionDefinitions(step pinnedstore.Step) string {
	if len(step.FunctionDefs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available functions:\n")
	for _, f := range step.FunctionDefs {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Description)
	}
	return b.String()
}

// truncateToBudget cuts s to at most budget bytes on a UTF-8 boundary,
// appending a marker when truncation occurred.
func truncateToBudget(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := budget - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	b := []byte(s)[:cut]
	for len(b) > 0 && !utf8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b) + truncationMarker
}

func utf8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return b[len(b)-1]&0xC0 != 0x80
}
