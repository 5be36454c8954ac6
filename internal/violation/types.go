package violation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is the criticality class of a violation
type Tier string

const (
	TierExistential Tier = "EXISTENTIAL"
	TierIntegrity   Tier = "INTEGRITY"
	TierOperational Tier = "OPERATIONAL"
)

// Severity returns 0 for the most severe tier and 2 for the least severe
func (t Tier) Severity() int {
	switch t {
	case TierExistential:
		return 0
	case TierIntegrity:
		return 1
	default:
		return 2
	}
}

// Class returns the short C0/C1/C2 label used in reports
func (t Tier) Class() string {
	return fmt.Sprintf("C%d", t.Severity())
}

// ParseTier parses a tier name or its C0/C1/C2 class label
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EXISTENTIAL", "C0":
		return TierExistential, nil
	case "INTEGRITY", "C1":
		return TierIntegrity, nil
	case "OPERATIONAL", "C2":
		return TierOperational, nil
	}
	return "", fmt.Errorf("unknown criticality tier: %q", s)
}

// Kind tells whether the protected state already changed
type Kind string

const (
	KindAttempt   Kind = "ATTEMPT"
	KindConfirmed Kind = "CONFIRMED"
)

// Event is a classified violation. Treat it as immutable after construction.
type Event struct {
	ID         string         `json:"id"`
	ProtocolID ProtocolID     `json:"protocol_id"`
	Kind       Kind           `json:"kind"`
	Tier       Tier           `json:"tier"`
	Timestamp  time.Time      `json:"timestamp"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Component  string         `json:"component,omitempty"`
}

// NewAttempt creates an ATTEMPT event
func NewAttempt(protocolID ProtocolID, tier Tier, evidence map[string]any) Event {
	return newEvent(protocolID, KindAttempt, tier, evidence, "")
}

// NewConfirmed creates a CONFIRMED event for a component whose state already changed
func NewConfirmed(protocolID ProtocolID, tier Tier, component string, evidence map[string]any) Event {
	return newEvent(protocolID, KindConfirmed, tier, evidence, component)
}

func newEvent(protocolID ProtocolID, kind Kind, tier Tier, evidence map[string]any, component string) Event {
	copied := make(map[string]any, len(evidence))
	for k, v := range evidence {
		copied[k] = v
	}
	return Event{
		ID:         uuid.NewString(),
		ProtocolID: protocolID,
		Kind:       kind,
		Tier:       tier,
		Timestamp:  time.Now().UTC(),
		Evidence:   copied,
		Component:  component,
	}
}

// Sink accepts violation attempts reported by collaborators.
type Sink interface {
	ReportViolationAttempt(protocolID ProtocolID, evidence map[string]any)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(protocolID ProtocolID, evidence map[string]any)

// ReportViolationAttempt calls f
func (f SinkFunc) ReportViolationAttempt(protocolID ProtocolID, evidence map[string]any) {
	f(protocolID, evidence)
}
