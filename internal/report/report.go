package report

import (
	"context"
	"time"

	"aegisflux/guardian/internal/violation"
)

// Kind distinguishes incident reports from the final report
type Kind string

const (
	KindIncident Kind = "INCIDENT"
	KindFinal    Kind = "FINAL"
)

// Event types recorded in reports
const (
	EventAutomaticReset  = "AUTOMATIC_RESET"
	EventSelfDestruction = "SELF_DESTRUCTION"
)

// Report is the structured document handed to report sinks
type Report struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Kind           Kind              `json:"kind"`
	EventType      string            `json:"event_type"`
	ProtocolID     string            `json:"protocol_id"`
	ProtocolName   string            `json:"protocol_name,omitempty"`
	ViolationKind  violation.Kind    `json:"violation_kind"`
	Tier           violation.Tier    `json:"tier"`
	Evidence       map[string]any    `json:"evidence,omitempty"`
	Component      string            `json:"component,omitempty"`
	HistoryCount   int               `json:"history_count"`
	History        []violation.Event `json:"history,omitempty"`
	AutomatonState string            `json:"automaton_state"`
	FinalMessage   string            `json:"final_message,omitempty"`
}

// Sink accepts reports
type Sink interface {
	Submit(ctx context.Context, r Report) error
}
