package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aegisflux/guardian/internal/baseline"
	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/response"
	"aegisflux/guardian/internal/store"
	"aegisflux/guardian/internal/violation"
)

// ErrDestroyed is returned by Run when the guardian has completed, or
// resumed, its destruction sequence
var ErrDestroyed = errors.New("guardian destroyed")

// Config configures the orchestrator
type Config struct {
	SweepInterval time.Duration
	MaxHistory    int
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		SweepInterval: 5 * time.Second,
		MaxHistory:    1000,
	}
}

// MarkerLoader reads the destruction marker left by a previous process
type MarkerLoader interface {
	Load() (*response.MarkerRecord, error)
}

// SweepResult is the outcome of one integrity sweep
type SweepResult struct {
	Results  []baseline.CheckResult `json:"results"`
	Outcomes []response.Outcome     `json:"outcomes,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Mismatched returns the results that did not match their baseline
func (r SweepResult) Mismatched() []baseline.CheckResult {
	var out []baseline.CheckResult
	for _, c := range r.Results {
		if !c.Matched {
			out = append(out, c)
		}
	}
	return out
}

// Status is a point-in-time view of the guardian
type Status struct {
	State         response.State `json:"state"`
	LastSweep     time.Time      `json:"last_sweep"`
	LastSweepMs   int64          `json:"last_sweep_ms"`
	Checked       int            `json:"checked"`
	Mismatched    int            `json:"mismatched"`
	Sweeps        int64          `json:"sweeps"`
	HistoryLength int            `json:"history_length"`
	Pending       int            `json:"pending"`
	SweepInterval string         `json:"sweep_interval"`

	Protocols []violation.Protocol `json:"protocols"`
}

// History is the bounded, append-only violation history
type History = store.Ring[violation.Event]

// NewHistory creates a violation history holding at most capacity events
func NewHistory(capacity int) *History {
	return store.NewRing[violation.Event](capacity)
}

// Guardian ties the baseline sweep and inbound reports to the response automaton
type Guardian struct {
	baselines  *baseline.Store
	automaton  *response.Automaton
	history    *History
	marker     MarkerLoader
	classifier *violation.Classifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	interval   time.Duration
	intervalCh chan time.Duration

	mu        sync.RWMutex
	lastSweep SweepResult
	lastAt    time.Time
	sweeps    int64
}

// New creates an orchestrator. history must be the recorder the automaton
// archives into.
func New(cfg Config, baselines *baseline.Store, automaton *response.Automaton, history *History, marker MarkerLoader, m *metrics.Metrics, logger *slog.Logger) *Guardian {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Guardian{
		baselines:  baselines,
		automaton:  automaton,
		history:    history,
		marker:     marker,
		classifier: violation.NewClassifier(),
		metrics:    m,
		logger:     logger.With("component", "guardian"),
		interval:   cfg.SweepInterval,
		intervalCh: make(chan time.Duration, 1),
	}
}

// Automaton returns the response automaton
func (g *Guardian) Automaton() *response.Automaton {
	return g.automaton
}

// ReportViolationAttempt classifies an attempt and queues it for the automaton.
// Unknown protocol ids are treated as INTEGRITY.
func (g *Guardian) ReportViolationAttempt(protocolID violation.ProtocolID, evidence map[string]any) {
	p, known := g.classifier.Classify(protocolID)
	ev := violation.NewAttempt(protocolID, p.Tier, evidence)
	if !known {
		ev.Evidence["unclassified_protocol"] = true
		g.logger.Warn("Unknown protocol id reported, treating as integrity violation",
			"protocol_id", protocolID)
	}

	g.logger.Warn("Violation attempt reported",
		"event_id", ev.ID,
		"protocol_id", protocolID,
		"tier", ev.Tier)
	g.automaton.Submit(ev)
}

// Sweep checks every baseline and hands each mismatch to the automaton as a
// CONFIRMED violation. It waits for the outcomes of the events it raised.
func (g *Guardian) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	results := g.baselines.CheckAll(ctx)
	if err := ctx.Err(); err != nil {
		// checks cut short by shutdown are not evidence of tampering
		return SweepResult{Results: results}, err
	}

	var waiting []<-chan response.Outcome
	failed := 0
	for _, r := range results {
		if r.Matched {
			continue
		}
		failed++

		evidence := map[string]any{
			"locator":        r.Locator,
			"current_digest": r.CurrentDigest,
		}
		if b, ok := g.baselineFor(r.Component); ok {
			evidence["expected_digest"] = b.ExpectedDigest
		}
		if r.Err != nil {
			evidence["error"] = r.Err.Error()
		}

		protocol := g.classifier.ForBaseline(r.Tier, r.Protocol)
		ev := violation.NewConfirmed(protocol, r.Tier, r.Component, evidence)

		g.logger.Error("Baseline mismatch detected",
			"component", r.Component,
			"locator", r.Locator,
			"tier", r.Tier,
			"protocol_id", protocol,
			"error", r.Err)
		waiting = append(waiting, g.automaton.Submit(ev))
	}
	g.metrics.ObserveSweep(failed)

	sweep := SweepResult{Results: results}
	for _, ch := range waiting {
		select {
		case out := <-ch:
			sweep.Outcomes = append(sweep.Outcomes, out)
		case <-ctx.Done():
			return sweep, ctx.Err()
		}
	}
	sweep.Duration = time.Since(start)

	g.mu.Lock()
	g.lastSweep = sweep
	g.lastAt = start
	g.sweeps++
	g.mu.Unlock()

	g.logger.Debug("Sweep completed",
		"checked", len(results),
		"mismatched", failed,
		"duration_ms", sweep.Duration.Milliseconds())
	return sweep, nil
}

func (g *Guardian) baselineFor(component string) (baseline.Baseline, bool) {
	for _, b := range g.baselines.Baselines() {
		if b.Component == component {
			return b, true
		}
	}
	return baseline.Baseline{}, false
}

// SetInterval changes the sweep interval; it takes effect after the current iteration
func (g *Guardian) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case g.intervalCh <- d:
	default:
		// replace a pending update that was never picked up
		select {
		case <-g.intervalCh:
		default:
		}
		g.intervalCh <- d
	}
}

// Run resumes an interrupted destruction if one is recorded, then runs the
// automaton and the sweep loop until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	// Step 1: refuse to monitor after a started destruction
	if g.marker != nil {
		rec, err := g.marker.Load()
		if err != nil {
			return fmt.Errorf("failed to read destruction marker: %w", err)
		}
		if rec != nil {
			g.logger.Error("Destruction marker found, resuming destruction",
				"event_id", rec.EventID,
				"protocol_id", rec.ProtocolID,
				"state", rec.State)
			g.automaton.Resume(ctx, *rec)
			return ErrDestroyed
		}
	}

	g.logger.Info("Starting guardian",
		"baselines", g.baselines.Len(),
		"sweep_interval", g.interval.String())

	// Step 2: automaton actor and sweep loop
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := g.automaton.Run(egCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		return g.sweepLoop(egCtx)
	})

	err := eg.Wait()
	if g.automaton.State().IsTerminal() {
		return ErrDestroyed
	}
	return err
}

func (g *Guardian) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		if g.automaton.State().IsTerminal() {
			g.logger.Warn("Automaton terminated, stopping sweep loop")
			return ErrDestroyed
		}

		if _, err := g.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("Sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			g.logger.Info("Sweep loop stopped")
			return nil
		case d := <-g.intervalCh:
			g.mu.Lock()
			g.interval = d
			g.mu.Unlock()
			ticker.Reset(d)
			g.logger.Info("Sweep interval updated", "interval", d.String())
		case <-ticker.C:
		}
	}
}

// History returns the violation history, oldest first
func (g *Guardian) History() []violation.Event {
	return g.history.All()
}

// Status reports the automaton state and the last sweep
func (g *Guardian) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return Status{
		State:         g.automaton.State(),
		LastSweep:     g.lastAt,
		LastSweepMs:   g.lastSweep.Duration.Milliseconds(),
		Checked:       len(g.lastSweep.Results),
		Mismatched:    len(g.lastSweep.Mismatched()),
		Sweeps:        g.sweeps,
		HistoryLength: g.history.Len(),
		Pending:       g.automaton.Pending(),
		SweepInterval: g.interval.String(),
		Protocols:     g.classifier.Protocols(),
	}
}
