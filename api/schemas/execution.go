package schemas

import "time"

// -- Action Schemas --

// Action defines the interaction performed on a located element.
type Action string

const (
	ActionClick  Action = "click"
	ActionType   Action = "type"
	ActionSelect Action = "select"
	ActionWait   Action = "wait" // Resolve only, no interaction.
	// ActionNavigate is handled by the scenario runner and never reaches a locator.
	ActionNavigate Action = "navigate"
)

// Strategy names the locator that produced a result.
type Strategy string

const (
	StrategyDeterministic Strategy = "deterministic"
	StrategyVision        Strategy = "vision"
)

// ActionRequest is one step handed from the session to the orchestrator.
type ActionRequest struct {
	Action      Action `json:"action" yaml:"action"`
	Target      string `json:"target" yaml:"target"`
	Value       string `json:"value,omitempty" yaml:"value,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// LocateResult is the outcome of a successful resolution.
type LocateResult struct {
	Strategy     Strategy `json:"strategy"`
	Selector     string   `json:"selector"`
	Confidence   float64  `json:"confidence"`
	MatchedCount int      `json:"matched_count"`
	ElapsedMs    int64    `json:"elapsed_ms"`
}

// OutcomeError is the serializable form of a classified locator error.
type OutcomeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *OutcomeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}

// ActionOutcome is what the orchestrator reports for one action.
//
// Error is the error that decided the outcome. DeterministicError keeps the first
// deterministic failure even after a successful heal, VisionError the final
// vision failure when escalation was attempted.
type ActionOutcome struct {
	Success            bool          `json:"success"`
	Strategy           Strategy      `json:"strategy,omitempty"`
	Result             *LocateResult `json:"result,omitempty"`
	Error              *OutcomeError `json:"error,omitempty"`
	DeterministicError *OutcomeError `json:"deterministic_error,omitempty"`
	VisionError        *OutcomeError `json:"vision_error,omitempty"`
	Escalated          bool          `json:"escalated"`
	PopupsDismissed    int           `json:"popups_dismissed,omitempty"`
}

// -- Execution Result Schemas --

// ExecutionStep records one attempted step of a scenario.
type ExecutionStep struct {
	Index      int           `json:"index"`
	Request    ActionRequest `json:"request"`
	Outcome    ActionOutcome `json:"outcome"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
}

// StepError is an entry in ExecutionResult.Errors. Step is 1-based.
type StepError struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Error       string `json:"error"`
}

// ExecutionResult aggregates the outcome of a whole scenario run.
type ExecutionResult struct {
	RunID          string          `json:"run_id"`
	Scenario       string          `json:"scenario"`
	URL            string          `json:"url"`
	Success        bool            `json:"success"`
	StepsExecuted  int             `json:"steps_executed"`
	TotalSteps     int             `json:"total_steps"`
	Steps          []ExecutionStep `json:"steps"`
	Errors         []StepError     `json:"errors"`
	Escalations    int             `json:"escalations"`
	ScreenshotPath string          `json:"screenshot_path,omitempty"`
	VideoPath      string          `json:"video_path,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
}
