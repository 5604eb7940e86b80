package floor

import (
	"ensemble/director/internal/scorer"
)

// State is the phase of a scheduling pass. Every pass ends back in Idle.
type State int

const (
	Idle State = iota
	AwaitingDecision
	Overridden
	Selected
	Suppressed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDecision:
		return "awaiting_decision"
	case Overridden:
		return "overridden"
	case Selected:
		return "selected"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settings are read from the SettingsSource at the start of every pass.
type Settings struct {
	Enabled       bool    `json:"enabled"`
	Threshold     float64 `json:"threshold"`
	Talkativeness float64 `json:"talkativeness"`
	MaxTurns      int     `json:"max_turns"`
}

// DefaultSettings mirrors the defaults shipped with the chat extension.
func DefaultSettings() Settings {
	return Settings{Enabled: false, Threshold: 50, Talkativeness: 1.0, MaxTurns: 5}
}

// Override forces the next turn. An empty TargetID resolves to the best eligible
// candidate without a threshold check.
type Override struct {
	TargetID    string `json:"target_id,omitempty"`
	Instruction string `json:"instruction"`
}

// SchedulerState is the per-conversation state carried between passes.
type SchedulerState struct {
	AutoTurnCount   int       `json:"auto_turn_count"`
	PendingOverride *Override `json:"pending_override,omitempty"`
}

const (
	ReasonDisabled           = "disabled"
	ReasonNoGroup            = "no_group"
	ReasonEmptyTranscript    = "empty_transcript"
	ReasonHumanTurn          = "human_turn"
	ReasonBudgetExhausted    = "budget_exhausted"
	ReasonNoCandidates       = "no_candidates"
	ReasonBelowThreshold     = "below_threshold"
	ReasonOverrideUnresolved = "override_unresolved"
	ReasonDispatchFailed     = "dispatch_failed"
	ReasonScored             = "scored"
	ReasonOverride           = "override"
	ReasonDirective          = "directive"
)

// Decision is the outcome of one pass.
type Decision struct {
	State         State           `json:"state"`
	Reason        string          `json:"reason"`
	CandidateID   string          `json:"candidate_id,omitempty"`
	CandidateName string          `json:"candidate_name,omitempty"`
	Score         float64         `json:"score,omitempty"`
	Instruction   string          `json:"instruction,omitempty"`
	AutoTurnCount int             `json:"auto_turn_count"`
	Ranked        []scorer.Scored `json:"ranked,omitempty"`
	Err           error           `json:"-"`
}

// Dispatched reports whether a turn was handed to the host.
func (d Decision) Dispatched() bool { return d.State == Selected }
