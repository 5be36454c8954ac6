package response

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/store"
	"aegisflux/guardian/internal/violation"
)

// Config configures the automaton
type Config struct {
	// SelfPID is excluded when freezing monitored processes
	SelfPID       int
	StepTimeout   time.Duration
	FinalHistory  int
	MemoryRegions []string
	StatePaths    []string
}

// Outcome describes how one event was handled
type Outcome struct {
	Event    violation.Event `json:"event"`
	Response Response        `json:"response"`
	Final    State           `json:"final"`
	Ignored  bool            `json:"ignored,omitempty"`
}

// TransitionFunc observes state changes
type TransitionFunc func(from, to State)

type pending struct {
	event violation.Event
	done  chan Outcome
}

// Automaton is the violation response state machine. Transitions run one at a
// time; events submitted during a transition wait in an unbounded queue.
type Automaton struct {
	deps       Deps
	cfg        Config
	classifier *violation.Classifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// held for the whole duration of a response sequence
	transition sync.Mutex

	mu          sync.RWMutex
	state       State
	completed   map[destructionStep]bool
	observers   []TransitionFunc
	markerState State

	qmu   sync.Mutex
	queue []pending
	wake  chan struct{}
}

// New creates an automaton in MONITORING
func New(cfg Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Automaton {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.FinalHistory <= 0 {
		cfg.FinalHistory = 10
	}
	if deps.History == nil {
		deps.History = store.NewRing[violation.Event](1000)
	}

	a := &Automaton{
		deps:       deps,
		cfg:        cfg,
		classifier: violation.NewClassifier(),
		metrics:    m,
		logger:     logger.With("component", "automaton"),
		state:      StateMonitoring,
		completed:  make(map[destructionStep]bool),
		wake:       make(chan struct{}, 1),
	}
	a.metrics.SetState(string(StateMonitoring), stateNames())
	return a
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// State returns the current state
func (a *Automaton) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// OnTransition registers an observer called on every state change
func (a *Automaton) OnTransition(fn TransitionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Automaton) setState(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	observers := append([]TransitionFunc(nil), a.observers...)
	a.mu.Unlock()

	if from == to {
		return
	}

	a.logger.Info("State transition", "from", from, "to", to)
	a.metrics.SetState(string(to), stateNames())
	a.metrics.IncTransition(string(from), string(to))
	for _, fn := range observers {
		fn(from, to)
	}
}

// Submit queues an event for the Run loop. It never drops events; the
// returned channel receives the outcome once the event has been handled.
func (a *Automaton) Submit(ev violation.Event) <-chan Outcome {
	done := make(chan Outcome, 1)

	a.qmu.Lock()
	a.queue = append(a.queue, pending{event: ev, done: done})
	depth := len(a.queue)
	a.qmu.Unlock()

	a.logger.Debug("Violation queued",
		"event_id", ev.ID,
		"protocol_id", ev.ProtocolID,
		"queue_depth", depth)

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return done
}

// Pending returns the number of queued events
func (a *Automaton) Pending() int {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	return len(a.queue)
}

func (a *Automaton) next() (pending, bool) {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if len(a.queue) == 0 {
		return pending{}, false
	}
	p := a.queue[0]
	a.queue = a.queue[1:]
	return p, true
}

// Run handles queued events until ctx is cancelled. Cancellation is checked
// only between events; a transition in progress always finishes.
func (a *Automaton) Run(ctx context.Context) error {
	a.logger.Info("Response automaton started", "state", a.State())

	for {
		for {
			if err := ctx.Err(); err != nil {
				a.logger.Info("Response automaton stopped", "pending", a.Pending())
				return err
			}
			p, ok := a.next()
			if !ok {
				break
			}
			p.done <- a.Handle(ctx, p.event)
		}

		select {
		case <-ctx.Done():
			a.logger.Info("Response automaton stopped", "pending", a.Pending())
			return ctx.Err()
		case <-a.wake:
		}
	}
}

// Handle runs the response for ev to completion. Cancelling ctx does not
// interrupt the sequence.
func (a *Automaton) Handle(ctx context.Context, ev violation.Event) Outcome {
	a.transition.Lock()
	defer a.transition.Unlock()

	ctx = context.WithoutCancel(ctx)

	current := a.State()
	if current.IsTerminal() {
		a.logger.Warn("Ignoring violation after termination",
			"event_id", ev.ID,
			"protocol_id", ev.ProtocolID)
		return Outcome{Event: ev, Response: ResponseNone, Final: current, Ignored: true}
	}

	a.deps.History.Add(ev)
	a.metrics.IncViolation(string(ev.ProtocolID), string(ev.Tier), string(ev.Kind))

	plan := Plan(ev.Tier, ev.Kind)
	if current.IsDestruction() {
		// an interrupted destruction is only ever resumed
		plan = ResponseDestruction
	}

	a.logger.Warn("Handling violation",
		"event_id", ev.ID,
		"protocol_id", ev.ProtocolID,
		"tier", ev.Tier,
		"kind", ev.Kind,
		"component", ev.Component,
		"response", plan)

	switch plan {
	case ResponseDestruction:
		a.destroy(ctx, ev)
	case ResponseAutocorrection:
		a.autocorrect(ctx, ev)
	default:
		a.reset(ctx, ev)
	}

	return Outcome{Event: ev, Response: plan, Final: a.State()}
}

// Resume continues a destruction sequence recorded by a previous process
func (a *Automaton) Resume(ctx context.Context, rec MarkerRecord) Outcome {
	tier := rec.Tier
	if tier == "" {
		tier = violation.TierExistential
	}
	ev := violation.NewConfirmed(rec.ProtocolID, tier, "", map[string]any{
		"reason":         "destruction marker found at startup",
		"original_event": rec.EventID,
		"marked_state":   string(rec.State),
	})

	a.mu.Lock()
	a.state = StateDestructionSafeFail
	a.mu.Unlock()

	return a.Handle(ctx, ev)
}

func (a *Automaton) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.StepTimeout)
}
