package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"aegisflux/guardian/internal/consensus"
)

// ParticipantClient solicits one participant's vote over NATS request/reply
type ParticipantClient struct {
	nc *nats.Conn
	id string
}

// NewParticipantClient creates a client for participant id
func NewParticipantClient(nc *nats.Conn, id string) *ParticipantClient {
	return &ParticipantClient{nc: nc, id: id}
}

// ID returns the participant identity
func (p *ParticipantClient) ID() string {
	return p.id
}

// RequestVote sends the round request and waits for the first reply. The
// vote is returned as received; authentication happens in the engine.
func (p *ParticipantClient) RequestVote(ctx context.Context, rr consensus.RoundRequest) (*consensus.Vote, error) {
	data, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal round request: %w", err)
	}

	msg, err := p.nc.RequestWithContext(ctx, VoteSubject(p.id), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			// an absent participant abstains
			return nil, nil
		}
		return nil, fmt.Errorf("failed to request vote from %s: %w", p.id, err)
	}

	var reply errorReply
	if err := json.Unmarshal(msg.Data, &reply); err == nil && reply.Error != "" {
		return nil, fmt.Errorf("participant %s declined: %s", p.id, reply.Error)
	}

	var vote consensus.Vote
	if err := json.Unmarshal(msg.Data, &vote); err != nil {
		return nil, fmt.Errorf("failed to decode vote from %s: %w", p.id, err)
	}
	return &vote, nil
}

// VoteResponder answers vote requests on behalf of a participant
type VoteResponder struct {
	nc          *nats.Conn
	participant consensus.Participant
	logger      *slog.Logger
	sub         *nats.Subscription
}

// NewVoteResponder creates a responder for participant
func NewVoteResponder(nc *nats.Conn, participant consensus.Participant, logger *slog.Logger) *VoteResponder {
	return &VoteResponder{
		nc:          nc,
		participant: participant,
		logger:      logger.With("component", "vote-responder", "participant", participant.ID()),
	}
}

// Start subscribes to the participant's vote subject
func (r *VoteResponder) Start() error {
	sub, err := r.nc.Subscribe(VoteSubject(r.participant.ID()), r.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", VoteSubject(r.participant.ID()), err)
	}
	r.sub = sub
	r.logger.Info("Vote responder started", "subject", sub.Subject)
	return nil
}

// Stop drains the subscription
func (r *VoteResponder) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

func (r *VoteResponder) handle(msg *nats.Msg) {
	var rr consensus.RoundRequest
	if err := json.Unmarshal(msg.Data, &rr); err != nil {
		r.logger.Warn("Invalid round request", "error", err)
		r.reply(msg, errorReply{Error: "invalid round request"})
		return
	}

	ctx := context.Background()
	if !rr.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, rr.Deadline)
		defer cancel()
	}

	vote, err := r.participant.RequestVote(ctx, rr)
	if err != nil || vote == nil {
		r.logger.Warn("Participant did not vote", "round_id", rr.RoundID, "error", err)
		r.reply(msg, errorReply{Error: "no vote"})
		return
	}

	r.logger.Debug("Vote cast",
		"round_id", rr.RoundID,
		"operation_id", rr.Request.OperationID,
		"decision", vote.Decision)
	r.reply(msg, vote)
}

func (r *VoteResponder) reply(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Error("Failed to send reply", "error", err)
	}
}
