package consensus

import (
	"context"
	"time"
)

// DecideFunc is a participant's judgment of a request
type DecideFunc func(ctx context.Context, req Request) (Decision, float64, string)

// LocalParticipant votes in-process and signs with its own key
type LocalParticipant struct {
	signer *Signer
	decide DecideFunc
}

// NewLocalParticipant creates a participant that decides with fn and signs with signer
func NewLocalParticipant(signer *Signer, fn DecideFunc) *LocalParticipant {
	return &LocalParticipant{signer: signer, decide: fn}
}

// ID returns the participant identity
func (p *LocalParticipant) ID() string {
	return p.signer.Participant()
}

// RequestVote decides on the request and returns a signed vote bound to the round
func (p *LocalParticipant) RequestVote(ctx context.Context, req RoundRequest) (*Vote, error) {
	decision, confidence, reasoning := p.decide(ctx, req.Request)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := &Vote{
		RoundID:     req.RoundID,
		OperationID: req.Request.OperationID,
		Decision:    decision,
		Confidence:  confidence,
		Reasoning:   reasoning,
		Timestamp:   time.Now().UTC(),
	}
	if err := p.signer.Sign(v); err != nil {
		return nil, err
	}
	return v, nil
}
