// Package pinnedstore defines the compiled-workflow data model (spec §3.2)
// and the content-addressed store that holds it immutably once pinned.
package pinnedstore

// Step is one step of a compiled workflow.
type Step struct {
	ID                   string          `json:"id"`
	Title                string          `json:"title"`
	Prompt               string          `json:"prompt"`
	ValidationCriteria   []string        `json:"validationCriteria,omitempty"`
	OutputContract       *OutputContract `json:"outputContract,omitempty"`
	RequireConfirm       bool            `json:"requireConfirmation,omitempty"`
	Loop                 *LoopMeta       `json:"loop,omitempty"`
	SkipNotes            bool            `json:"skipNotes,omitempty"`
	RequiredContextKeys  []string        `json:"requiredContextKeys,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	FunctionDefs         []FunctionDef   `json:"functionDefs,omitempty"`
}

// FunctionDef documents one callable capability the step's prompt may
// reference, rendered in the rehydrate recovery appendix (spec §4.11).
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// OutputContract references a named contract schema (e.g. "loop-control")
// that the step's output must satisfy.
type OutputContract struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema,omitempty"`
}

// LoopMeta marks a step as part of a loop body.
type LoopMeta struct {
	LoopID     string `json:"loopId"`
	IsExit     bool   `json:"isExit"`
	MaxRounds  int    `json:"maxRounds,omitempty"`
	EntryStep  string `json:"entryStep,omitempty"`
	IsEntry    bool   `json:"isEntry"`
	FromStepID string `json:"fromStepId,omitempty"`
}

// CompiledWorkflow is a validated workflow document, ready to be pinned.
type CompiledWorkflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Steps       []Step `json:"steps"`
}

// Form distinguishes the two snapshot shapes a pinned workflow can take.
type Form string

const (
	// FormPreview carries metadata and only the first step; read-only.
	FormPreview Form = "v1_preview"
	// FormPinned carries the full, executable definition.
	FormPinned Form = "v1_pinned"
)

// Snapshot is the content-addressed, immutable value stored by Store.
type Snapshot struct {
	V     int    `json:"v"`
	Form  Form   `json:"form"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Desc  string `json:"description,omitempty"`
	Steps []Step `json:"steps,omitempty"`
}

// ToPreview produces the read-only v1_preview snapshot form of w.
func (w CompiledWorkflow) ToPreview() Snapshot {
	s := Snapshot{V: 1, Form: FormPreview, ID: w.ID, Name: w.Name, Desc: w.Description}
	if len(w.Steps) > 0 {
		s.Steps = []Step{w.Steps[0]}
	}
	return s
}

// ToPinned produces the full, executable v1_pinned snapshot form of w.
func (w CompiledWorkflow) ToPinned() Snapshot {
	return Snapshot{V: 1, Form: FormPinned, ID: w.ID, Name: w.Name, Desc: w.Description, Steps: w.Steps}
}

// StepByID finds a step by id, or reports ok=false.
func (s Snapshot) StepByID(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// FirstStep returns the workflow's entry step.
func (s Snapshot) FirstStep() (Step, bool) {
	if len(s.Steps) == 0 {
		return Step{}, false
	}
	return s.Steps[0], true
}

// NextStep returns the step immediately following id in definition order, or
// ok=false if id is the last step (or unknown).
func (s Snapshot) NextStep(id string) (Step, bool) {
	for i, st := range s.Steps {
		if st.ID == id {
			if i+1 < len(s.Steps) {
				return s.Steps[i+1], true
			}
			return Step{}, false
		}
	}
	return Step{}, false
}
