package schemas

import (
	"fmt"
	"time"
)

// InstructionAction defines the kind of automation run an instruction describes.
type InstructionAction string

const (
	ActionSingleStep          InstructionAction = "single_step"
	ActionMultiStepNavigation InstructionAction = "multi_step_navigation"
)

// StepAction defines the interaction performed by a single step.
type StepAction string

const (
	StepClick        StepAction = "click"
	StepWait         StepAction = "wait"
	StepVerifyDialog StepAction = "verify_dialog"
)

// Default timing applied when a step does not carry its own values.
const (
	DefaultStepTimeout = 10 * time.Second
	StalenessWindow    = 5 * time.Minute
)

// Step is one atomic interaction: locate an element and click it, pause,
// or verify that a dialog container is present.
type Step struct {
	Description       string     `json:"description"`
	Selector          string     `json:"selector"`
	FallbackSelectors []string   `json:"fallback_selectors,omitempty"`
	TextContent       string     `json:"text_content,omitempty"`
	Action            StepAction `json:"action"`
	TimeoutMs         int        `json:"timeout_ms,omitempty"`
	WaitBeforeClickMs int        `json:"wait_before_click_ms,omitempty"`
	Critical          bool       `json:"critical,omitempty"`
}

// Timeout returns the per-step resolution deadline.
func (s Step) Timeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return DefaultStepTimeout
}

// WaitBeforeClick returns the optional pre-click pause.
func (s Step) WaitBeforeClick() time.Duration {
	if s.WaitBeforeClickMs > 0 {
		return time.Duration(s.WaitBeforeClickMs) * time.Millisecond
	}
	return 0
}

// Instruction is a complete description of one automation run. It is
// immutable once fetched from the source.
type Instruction struct {
	Action    InstructionAction `json:"action"`
	TargetURL string            `json:"target_url"`
	Steps     []Step            `json:"steps"`
	SessionID string            `json:"session_id"`
}

// Validate rejects instructions the orchestrator cannot run.
func (in *Instruction) Validate() error {
	if in == nil {
		return fmt.Errorf("instruction is nil")
	}
	switch in.Action {
	case ActionSingleStep, ActionMultiStepNavigation:
	default:
		return fmt.Errorf("unknown instruction action %q", in.Action)
	}
	if in.TargetURL == "" {
		return fmt.Errorf("instruction has no target_url")
	}
	if len(in.Steps) == 0 {
		return fmt.Errorf("instruction has no steps")
	}
	if in.SessionID == "" {
		return fmt.Errorf("instruction has no session_id")
	}
	for i, st := range in.Steps {
		switch st.Action {
		case StepClick, StepWait, StepVerifyDialog, "":
		default:
			return fmt.Errorf("step %d has unknown action %q", i, st.Action)
		}
	}
	return nil
}

// PendingAutomation is the durable checkpoint of an in-progress run.
// At most one instance exists at a time; the orchestrator enforces the
// single-flight invariant.
type PendingAutomation struct {
	Instruction      Instruction  `json:"instruction"`
	CurrentStepIndex int          `json:"current_step_index"`
	ExecutedSteps    map[int]bool `json:"executed_steps"`
	LastUpdatedAt    time.Time    `json:"last_updated_at"`
}

// NewPendingAutomation creates the checkpoint for a freshly started run.
func NewPendingAutomation(in Instruction, now time.Time) *PendingAutomation {
	return &PendingAutomation{
		Instruction:   in,
		ExecutedSteps: make(map[int]bool),
		LastUpdatedAt: now,
	}
}

// MarkExecuted records an index exactly once and advances the cursor past
// every contiguous executed index. The cursor never moves backwards.
func (p *PendingAutomation) MarkExecuted(index int, now time.Time) {
	if p.ExecutedSteps == nil {
		p.ExecutedSteps = make(map[int]bool)
	}
	p.ExecutedSteps[index] = true
	for p.CurrentStepIndex < len(p.Instruction.Steps) && p.ExecutedSteps[p.CurrentStepIndex] {
		p.CurrentStepIndex++
	}
	p.LastUpdatedAt = now
}

// Executed reports whether the index has already run.
func (p *PendingAutomation) Executed(index int) bool {
	return p.ExecutedSteps[index]
}

// Done reports whether every step of the run has been executed.
func (p *PendingAutomation) Done() bool {
	return p.CurrentStepIndex >= len(p.Instruction.Steps)
}

// Stale reports whether the record is older than the staleness window and
// must be treated as absent.
func (p *PendingAutomation) Stale(now time.Time) bool {
	return now.Sub(p.LastUpdatedAt) > StalenessWindow
}

// StepResult is the structured outcome of one executed step. Failures are
// reported here, never left unreported.
type StepResult struct {
	Success           bool      `json:"success"`
	Timestamp         time.Time `json:"timestamp"`
	ElementDescriptor string    `json:"element_descriptor,omitempty"`
	Strategy          string    `json:"strategy,omitempty"`
	// Href carries the intercepted link target when the clicked element is,
	// or is embedded in, a navigational link.
	Href  string `json:"href,omitempty"`
	Error string `json:"error,omitempty"`
}

// Resolution is the outcome of locating a step's target element: a concrete
// locator plus the strategy tier that produced it, or not-found after the
// deadline.
type Resolution struct {
	Found bool `json:"found"`
	// Locator is a unique XPath the host runtime can act on.
	Locator string `json:"locator,omitempty"`
	// Matched is the selector or search phrase that matched.
	Matched string `json:"matched,omitempty"`
	// Strategy names the tier that won (e.g. "selector", "text", "loose-text").
	Strategy   string `json:"strategy,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
	Text       string `json:"text,omitempty"`
	// Href is the nearest enclosing link target, if any.
	Href string `json:"href,omitempty"`
}
