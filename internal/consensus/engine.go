package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/violation"
)

// Participant is a registered supervisory voter
type Participant interface {
	ID() string
	// RequestVote returns at most one vote. A nil vote means abstention.
	RequestVote(ctx context.Context, req RoundRequest) (*Vote, error)
}

// RoundObserver is told about every completed round
type RoundObserver interface {
	RoundCompleted(r Result)
}

// Config holds the consensus parameters
type Config struct {
	Threshold    float64
	MinQuorum    int
	RoundTimeout time.Duration
	Unanimity    bool
}

// DefaultConfig returns the default consensus parameters
func DefaultConfig() Config {
	return Config{
		Threshold:    0.6,
		MinQuorum:    3,
		RoundTimeout: 30 * time.Second,
		Unanimity:    true,
	}
}

// Validate validates the consensus parameters
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", c.Threshold)
	}
	if c.MinQuorum < 1 {
		return fmt.Errorf("min_quorum must be positive")
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("round_timeout must be positive")
	}
	return nil
}

// Engine runs quorum rounds over a fixed participant set
type Engine struct {
	participants []Participant
	registered   map[string]struct{}
	auth         Authenticator
	sink         violation.Sink
	history      *History
	observer     RoundObserver
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// Option configures an Engine
type Option func(*Engine)

// WithHistory sets the history completed rounds are appended to
func WithHistory(h *History) Option {
	return func(e *Engine) { e.history = h }
}

// WithObserver registers a round observer
func WithObserver(o RoundObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a consensus engine
func NewEngine(cfg Config, participants []Participant, auth Authenticator, sink violation.Sink, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if sink == nil {
		return nil, errors.New("violation sink is required")
	}

	registered := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if _, dup := registered[p.ID()]; dup {
			return nil, fmt.Errorf("participant %s registered twice", p.ID())
		}
		registered[p.ID()] = struct{}{}
	}

	e := &Engine{
		participants: participants,
		registered:   registered,
		auth:         auth,
		sink:         sink,
		cfg:          cfg,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.history == nil {
		e.history = NewHistory(1000)
	}
	e.logger = e.logger.With("component", "consensus")
	return e, nil
}

// History returns the round history
func (e *Engine) History() *History {
	return e.history
}

// Participants returns the registered participant ids in registration order
func (e *Engine) Participants() []string {
	ids := make([]string, len(e.participants))
	for i, p := range e.participants {
		ids[i] = p.ID()
	}
	return ids
}

// SetRoundTimeout changes the round timeout for subsequent rounds
func (e *Engine) SetRoundTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.RoundTimeout = d
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// RequestConsensus runs one round: dispatch, authenticate, detect evasion,
// aggregate and record. The only error is a malformed request. A round cut
// short by ctx is recorded but raises no evasion report.
func (e *Engine) RequestConsensus(ctx context.Context, req Request) (Result, error) {
	if req.OperationID == "" {
		return Result{}, errors.New("operation id cannot be empty")
	}

	cfg := e.config()
	started := time.Now()
	roundID := uuid.NewString()

	e.logger.Info("Starting consensus round",
		"round_id", roundID,
		"operation_id", req.OperationID,
		"requester", req.Requester,
		"priority", req.Priority,
		"participants", len(e.participants))

	received := e.collect(ctx, RoundRequest{
		RoundID:  roundID,
		Request:  req,
		Deadline: started.Add(cfg.RoundTimeout),
	}, cfg.RoundTimeout)
	abandoned := ctx.Err() != nil

	authenticated, rejected := e.authenticate(roundID, req.OperationID, received)
	if len(rejected) > 0 {
		e.logger.Warn("Discarded unauthenticated votes",
			"round_id", roundID,
			"participants", rejected)
		e.sink.ReportViolationAttempt(violation.ProtocolConsensusConsistency, map[string]any{
			"reason":       "vote authentication failed",
			"participants": rejected,
			"round_id":     roundID,
			"operation_id": req.OperationID,
		})
	}

	reasons := DetectEvasion(authenticated, EvasionPolicy{
		MinQuorum:  cfg.MinQuorum,
		Registered: e.registered,
		Unanimity:  cfg.Unanimity,
	})
	switch {
	case abandoned:
		e.logger.Warn("Consensus round abandoned by caller, evasion not reported",
			"round_id", roundID,
			"reasons", reasons,
			"error", ctx.Err())
	case len(reasons) > 0:
		e.logger.Warn("Consensus evasion detected",
			"round_id", roundID,
			"reasons", reasons)
		e.sink.ReportViolationAttempt(violation.ProtocolConsensusConsistency, map[string]any{
			"reason":       "evasion pattern detected: " + strings.Join(reasons, "; "),
			"reasons":      reasons,
			"votes":        len(authenticated),
			"round_id":     roundID,
			"operation_id": req.OperationID,
		})
	}

	decision, achieved, approveRatio, rejectRatio := Aggregate(authenticated, cfg.Threshold, cfg.MinQuorum)

	result := Result{
		RoundID:        roundID,
		OperationID:    req.OperationID,
		Requester:      req.Requester,
		Priority:       req.Priority,
		Received:       received,
		Authenticated:  authenticated,
		Rejected:       rejected,
		Decision:       decision,
		QuorumAchieved: achieved,
		ApproveRatio:   approveRatio,
		RejectRatio:    rejectRatio,
		EvasionReasons: reasons,
		Started:        started,
		Duration:       time.Since(started),
	}

	e.history.Add(result)
	e.metrics.ObserveRound(string(decision), achieved, result.Duration, len(reasons) > 0, len(received)-len(authenticated))
	if e.observer != nil {
		e.observer.RoundCompleted(result)
	}

	e.logger.Info("Consensus round completed",
		"round_id", roundID,
		"operation_id", req.OperationID,
		"decision", decision,
		"quorum_achieved", achieved,
		"votes_received", len(received),
		"votes_authenticated", len(authenticated),
		"duration", result.Duration)

	return result, nil
}

type reply struct {
	participant string
	vote        *Vote
	err         error
}

// collect dispatches the round to every participant and gathers what arrives
// before the timeout. Late replies land in the buffered channel and are dropped.
func (e *Engine) collect(ctx context.Context, rr RoundRequest, timeout time.Duration) []Vote {
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan reply, len(e.participants))
	for _, p := range e.participants {
		p := p
		go func() {
			vote, err := p.RequestVote(roundCtx, rr)
			replies <- reply{participant: p.ID(), vote: vote, err: err}
		}()
	}

	var votes []Vote
	for pending := len(e.participants); pending > 0; pending-- {
		select {
		case r := <-replies:
			if r.err != nil {
				e.logger.Debug("Participant did not vote",
					"round_id", rr.RoundID,
					"participant", r.participant,
					"error", r.err)
				continue
			}
			if r.vote == nil {
				continue
			}
			votes = append(votes, *r.vote)
		case <-roundCtx.Done():
			e.logger.Warn("Consensus round timed out",
				"round_id", rr.RoundID,
				"missing", pending,
				"timeout", timeout)
			return votes
		}
	}
	return votes
}

// authenticate splits votes into the authenticated set and the sorted
// identities of the discarded ones
func (e *Engine) authenticate(roundID, operationID string, votes []Vote) ([]Vote, []string) {
	var (
		valid    []Vote
		rejected = make(map[string]struct{})
	)

	for _, v := range votes {
		if err := e.validate(roundID, operationID, v); err != nil {
			e.logger.Warn("Vote failed authentication",
				"round_id", roundID,
				"participant", v.Participant,
				"error", err)
			rejected[v.Participant] = struct{}{}
			continue
		}
		valid = append(valid, v)
	}

	ids := make([]string, 0, len(rejected))
	for id := range rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return valid, ids
}

func (e *Engine) validate(roundID, operationID string, v Vote) error {
	if v.RoundID != roundID || v.OperationID != operationID {
		return fmt.Errorf("vote bound to round %s operation %s", v.RoundID, v.OperationID)
	}
	if !v.Decision.Valid() {
		return fmt.Errorf("invalid decision %q", v.Decision)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", v.Confidence)
	}
	return e.auth.Authenticate(v)
}
