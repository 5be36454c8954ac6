package consensus

import (
	"time"
)

// Decision is a participant's verdict on a request
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
	DecisionDefer   Decision = "DEFER"
)

// Valid reports whether d is one of the known decisions
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionDefer:
		return true
	}
	return false
}

// Priority of a consensus request
type Priority int

const (
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 1
	PriorityCritical Priority = 2
)

// Request asks the participants to authorize a sensitive operation
type Request struct {
	OperationID string         `json:"operation_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Requester   string         `json:"requester"`
	Priority    Priority       `json:"priority"`
}

// RoundRequest is what each participant receives for one round
type RoundRequest struct {
	RoundID  string    `json:"round_id"`
	Request  Request   `json:"request"`
	Deadline time.Time `json:"deadline"`
}

// Vote is one participant's signed answer
type Vote struct {
	Participant string    `json:"participant"`
	RoundID     string    `json:"round_id"`
	OperationID string    `json:"operation_id"`
	Decision    Decision  `json:"decision"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Signature   []byte    `json:"signature,omitempty"`
}

// Result is the audit record of one round
type Result struct {
	RoundID        string        `json:"round_id"`
	OperationID    string        `json:"operation_id"`
	Requester      string        `json:"requester"`
	Priority       Priority      `json:"priority"`
	Received       []Vote        `json:"received"`
	Authenticated  []Vote        `json:"authenticated"`
	Rejected       []string      `json:"rejected,omitempty"`
	Decision       Decision      `json:"decision"`
	QuorumAchieved bool          `json:"quorum_achieved"`
	ApproveRatio   float64       `json:"approve_ratio"`
	RejectRatio    float64       `json:"reject_ratio"`
	EvasionReasons []string      `json:"evasion_reasons,omitempty"`
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
}
