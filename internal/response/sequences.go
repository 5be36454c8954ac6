package response

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aegisflux/guardian/internal/process"
	"aegisflux/guardian/internal/report"
	"aegisflux/guardian/internal/snapshot"
	"aegisflux/guardian/internal/violation"
)

type destructionStep int

const (
	stepSafeFail destructionStep = iota
	stepFinalReport
	stepMemoryWipe
	stepStateWipe
	stepTerminateMonitored
)

func (s destructionStep) String() string {
	switch s {
	case stepSafeFail:
		return "safe_fail"
	case stepFinalReport:
		return "final_report"
	case stepMemoryWipe:
		return "memory_wipe"
	case stepStateWipe:
		return "state_wipe"
	case stepTerminateMonitored:
		return "terminate_monitored"
	}
	return "unknown"
}

func (s destructionStep) state() State {
	switch s {
	case stepMemoryWipe:
		return StateDestructionMemoryWipe
	case stepStateWipe, stepTerminateMonitored:
		return StateDestructionStateWipe
	}
	return StateDestructionSafeFail
}

const finalMessage = "Guardian executed self-destruction after a confirmed existential violation. " +
	"Outward capabilities were disabled and sensitive state was wiped."

// reset runs freeze, report, rollback and restart. Any rollback failure or
// unexpected panic escalates to destruction.
func (a *Automaton) reset(ctx context.Context, ev violation.Event) {
	escalate := false
	var reason string

	func() {
		defer func() {
			if r := recover(); r != nil {
				escalate = true
				reason = fmt.Sprintf("reset sequence panicked: %v", r)
			}
		}()

		// Step 1: freeze
		a.setState(StateResetFreeze)
		a.freeze(ctx)

		// Step 2: incident report
		a.setState(StateResetReporting)
		if err := a.submit(ctx, a.buildReport(report.KindIncident, report.EventAutomaticReset, ev)); err != nil {
			a.logger.Error("Failed to hand off incident report", "event_id", ev.ID, "error", err)
		}

		// Step 3: rollback
		a.setState(StateResetRollback)
		if err := a.rollback(ctx); err != nil {
			escalate = true
			reason = err.Error()
			return
		}

		// Step 4: restart
		a.setState(StateResetRestarting)
		a.restart(ctx)
		a.setState(StateMonitoring)
	}()

	if escalate {
		a.logger.Error("Reset failed, escalating to destruction",
			"event_id", ev.ID,
			"protocol_id", ev.ProtocolID,
			"reason", reason)
		a.destroy(ctx, ev)
	}
}

func (a *Automaton) freeze(ctx context.Context) {
	stepCtx, cancel := a.stepContext(ctx)
	defer cancel()

	results := a.deps.Processes.SuspendAll(stepCtx, a.cfg.SelfPID)
	for _, r := range process.Failed(results) {
		a.logger.Warn("Failed to suspend process", "pid", r.PID, "target", r.Target, "error", r.Err)
	}
}

func (a *Automaton) rollback(ctx context.Context) error {
	stepCtx, cancel := a.stepContext(ctx)
	defer cancel()

	h, err := a.deps.Snapshots.Latest(stepCtx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			return fmt.Errorf("no snapshot available for rollback")
		}
		return fmt.Errorf("failed to locate snapshot: %w", err)
	}

	a.logger.Info("Restoring snapshot", "path", h.Path, "created_at", h.CreatedAt)
	if err := a.deps.Snapshots.Restore(stepCtx, h); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", h.Path, err)
	}
	return nil
}

func (a *Automaton) restart(ctx context.Context) {
	stepCtx, cancel := a.stepContext(ctx)
	defer cancel()

	results := a.deps.Processes.RestartAll(stepCtx)
	for _, r := range process.Failed(results) {
		a.logger.Warn("Failed to restart process", "pid", r.PID, "target", r.Target, "error", r.Err)
	}
}

// destroy runs the destruction sequence from its first incomplete step. Step
// failures never stop the sequence; a panic forces self-termination.
func (a *Automaton) destroy(ctx context.Context, ev violation.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Destruction sequence panicked, forcing termination",
				"event_id", ev.ID,
				"panic", r)
			a.deps.Terminator.TerminateSelf(fmt.Sprintf("destruction sequence panicked: %v", r))
		}
	}()

	if !a.State().IsDestruction() {
		a.setState(StateDestructionSafeFail)
	}
	a.mark(ev)

	steps := []struct {
		step destructionStep
		run  func(context.Context) error
	}{
		{stepSafeFail, a.safeFail},
		{stepFinalReport, func(ctx context.Context) error {
			return a.submit(ctx, a.buildReport(report.KindFinal, report.EventSelfDestruction, ev))
		}},
		{stepMemoryWipe, func(ctx context.Context) error {
			return a.deps.Wiper.WipeMemory(ctx, a.cfg.MemoryRegions)
		}},
		{stepStateWipe, func(ctx context.Context) error {
			return a.deps.Wiper.WipeState(ctx, a.cfg.StatePaths)
		}},
		{stepTerminateMonitored, func(ctx context.Context) error {
			failed := process.Failed(a.deps.Processes.TerminateAll(ctx))
			if len(failed) > 0 {
				return fmt.Errorf("failed to terminate %d monitored processes", len(failed))
			}
			return nil
		}},
	}

	for _, s := range steps {
		if a.stepDone(s.step) {
			continue
		}
		a.setState(s.step.state())
		a.mark(ev)

		start := time.Now()
		stepCtx, cancel := a.stepContext(ctx)
		err := s.run(stepCtx)
		cancel()

		if err != nil {
			a.logger.Error("Destruction step failed, continuing",
				"step", s.step.String(),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
		} else {
			a.logger.Info("Destruction step completed",
				"step", s.step.String(),
				"duration_ms", time.Since(start).Milliseconds())
		}
		a.completeStep(s.step)
	}

	a.setState(StateDestructionTerminated)
	a.mark(ev)
	a.deps.Terminator.TerminateSelf(fmt.Sprintf("destruction after %s violation %s", ev.Tier, ev.ProtocolID))
}

func (a *Automaton) safeFail(ctx context.Context) error {
	if a.deps.Actuators == nil {
		a.logger.Warn("No actuators configured for safe-fail")
		return nil
	}
	return a.deps.Actuators.DisableAll(ctx)
}

func (a *Automaton) stepDone(s destructionStep) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.completed[s]
}

func (a *Automaton) completeStep(s destructionStep) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed[s] = true
}

func (a *Automaton) mark(ev violation.Event) {
	if a.deps.Marker == nil {
		return
	}
	state := a.State()

	a.mu.Lock()
	unchanged := a.markerState == state
	a.markerState = state
	a.mu.Unlock()
	if unchanged {
		return
	}

	rec := MarkerRecord{
		EventID:    ev.ID,
		ProtocolID: ev.ProtocolID,
		Tier:       ev.Tier,
		Kind:       ev.Kind,
		State:      state,
		MarkedAt:   time.Now().UTC(),
	}
	if err := a.deps.Marker.Mark(rec); err != nil {
		a.logger.Error("Failed to persist destruction marker", "state", state, "error", err)
	}
}

// autocorrect hands OPERATIONAL violations to the correction cycle
func (a *Automaton) autocorrect(ctx context.Context, ev violation.Event) {
	a.setState(StateAutocorrectionPending)

	if a.deps.Corrector == nil {
		a.logger.Info("No corrector configured, returning to monitoring", "event_id", ev.ID)
	} else {
		stepCtx, cancel := a.stepContext(ctx)
		err := a.deps.Corrector.RequestCorrection(stepCtx, ev)
		cancel()
		if err != nil {
			a.logger.Error("Correction cycle failed", "event_id", ev.ID, "error", err)
		}
	}

	a.setState(StateMonitoring)
}

func (a *Automaton) submit(ctx context.Context, r report.Report) error {
	stepCtx, cancel := a.stepContext(ctx)
	defer cancel()
	return a.deps.Reports.Submit(stepCtx, r)
}

func (a *Automaton) buildReport(kind report.Kind, eventType string, ev violation.Event) report.Report {
	p, _ := a.classifier.Classify(ev.ProtocolID)
	r := report.Report{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Kind:           kind,
		EventType:      eventType,
		ProtocolID:     string(ev.ProtocolID),
		ProtocolName:   p.Name,
		ViolationKind:  ev.Kind,
		Tier:           ev.Tier,
		Evidence:       ev.Evidence,
		Component:      ev.Component,
		HistoryCount:   a.deps.History.Len(),
		History:        a.deps.History.Last(a.cfg.FinalHistory),
		AutomatonState: string(a.State()),
	}
	if kind == report.KindFinal {
		r.FinalMessage = finalMessage
	}
	return r
}
