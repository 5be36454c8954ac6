package response

import (
	"strings"

	"aegisflux/guardian/internal/violation"
)

// State is a response automaton state
type State string

const (
	StateMonitoring            State = "MONITORING"
	StateResetFreeze           State = "RESET_FREEZE"
	StateResetReporting        State = "RESET_REPORTING"
	StateResetRollback         State = "RESET_ROLLBACK"
	StateResetRestarting       State = "RESET_RESTARTING"
	StateDestructionSafeFail   State = "DESTRUCTION_SAFE_FAIL"
	StateDestructionMemoryWipe State = "DESTRUCTION_MEMORY_WIPE"
	StateDestructionStateWipe  State = "DESTRUCTION_STATE_WIPE"
	StateDestructionTerminated State = "DESTRUCTION_TERMINATED"
	StateAutocorrectionPending State = "AUTOCORRECTION_PENDING"
)

// AllStates lists every state
var AllStates = []State{
	StateMonitoring,
	StateResetFreeze,
	StateResetReporting,
	StateResetRollback,
	StateResetRestarting,
	StateDestructionSafeFail,
	StateDestructionMemoryWipe,
	StateDestructionStateWipe,
	StateDestructionTerminated,
	StateAutocorrectionPending,
}

// IsDestruction reports whether s belongs to the destruction sequence
func (s State) IsDestruction() bool {
	return strings.HasPrefix(string(s), "DESTRUCTION_")
}

// IsTerminal reports whether s is the irreversible end state
func (s State) IsTerminal() bool {
	return s == StateDestructionTerminated
}

// Response is the sequence a violation triggers
type Response string

const (
	ResponseReset          Response = "RESET"
	ResponseDestruction    Response = "DESTRUCTION"
	ResponseAutocorrection Response = "AUTOCORRECTION"
	ResponseNone           Response = "NONE"
)

// Plan maps a violation's tier and kind to its response
func Plan(tier violation.Tier, kind violation.Kind) Response {
	switch tier {
	case violation.TierExistential:
		if kind == violation.KindConfirmed {
			return ResponseDestruction
		}
		return ResponseReset
	case violation.TierIntegrity:
		return ResponseReset
	case violation.TierOperational:
		return ResponseAutocorrection
	}
	// unknown tiers are treated like INTEGRITY
	return ResponseReset
}
