package response

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/guardian/internal/process"
	"aegisflux/guardian/internal/report"
	"aegisflux/guardian/internal/snapshot"
	"aegisflux/guardian/internal/violation"
)

type fakeProcesses struct {
	mu      sync.Mutex
	calls   []string
	exclude int
}

func (p *fakeProcesses) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProcesses) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProcesses) SuspendAll(_ context.Context, excludePID int) []process.Result {
	p.mu.Lock()
	p.exclude = excludePID
	p.mu.Unlock()
	p.record("suspend")
	return nil
}

func (p *fakeProcesses) RestartAll(context.Context) []process.Result {
	p.record("restart")
	return nil
}

func (p *fakeProcesses) TerminateAll(context.Context) []process.Result {
	p.record("terminate")
	return []process.Result{{PID: 42, Target: "agent", Action: "terminate", Err: errors.New("permission denied")}}
}

type fakeSnapshots struct {
	latestErr  error
	restoreErr error
	// entered and release let a test hold a transition open
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSnapshots) Latest(context.Context) (snapshot.Handle, error) {
	if s.latestErr != nil {
		return snapshot.Handle{}, s.latestErr
	}
	return snapshot.Handle{Path: "snapshot_1.tar.zst", CreatedAt: time.Now()}, nil
}

func (s *fakeSnapshots) Restore(context.Context, snapshot.Handle) error {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.restoreErr
}

type fakeReports struct {
	mu      sync.Mutex
	reports []report.Report
	err     error
}

func (r *fakeReports) Submit(_ context.Context, rep report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return r.err
}

func (r *fakeReports) ofKind(kind report.Kind) []report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []report.Report
	for _, rep := range r.reports {
		if rep.Kind == kind {
			out = append(out, rep)
		}
	}
	return out
}

type fakeWiper struct {
	mu          sync.Mutex
	memoryCalls int
	stateCalls  int
	panicOnce   bool
	stateErr    error
}

func (w *fakeWiper) WipeMemory(context.Context, []string) error {
	w.mu.Lock()
	w.memoryCalls++
	shouldPanic := w.panicOnce
	w.panicOnce = false
	w.mu.Unlock()
	if shouldPanic {
		panic("wipe driver crashed")
	}
	return nil
}

func (w *fakeWiper) WipeState(context.Context, []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stateCalls++
	return w.stateErr
}

type fakeActuators struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeActuators) DisableAll(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

type fakeCorrector struct {
	events []violation.Event
}

func (c *fakeCorrector) RequestCorrection(_ context.Context, ev violation.Event) error {
	c.events = append(c.events, ev)
	return nil
}

type fakeTerminator struct {
	mu      sync.Mutex
	reasons []string
}

func (t *fakeTerminator) TerminateSelf(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasons = append(t.reasons, reason)
}

func (t *fakeTerminator) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.reasons...)
}

type harness struct {
	automaton  *Automaton
	processes  *fakeProcesses
	snapshots  *fakeSnapshots
	reports    *fakeReports
	wiper      *fakeWiper
	actuators  *fakeActuators
	corrector  *fakeCorrector
	terminator *fakeTerminator

	mu   sync.Mutex
	path []State
}

func (h *harness) Path() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.path...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, marker Marker) *harness {
	t.Helper()
	h := &harness{
		processes:  &fakeProcesses{},
		snapshots:  &fakeSnapshots{},
		reports:    &fakeReports{},
		wiper:      &fakeWiper{},
		actuators:  &fakeActuators{},
		corrector:  &fakeCorrector{},
		terminator: &fakeTerminator{},
	}
	h.automaton = New(Config{SelfPID: 4242, StepTimeout: time.Second}, Deps{
		Processes:  h.processes,
		Snapshots:  h.snapshots,
		Reports:    h.reports,
		Wiper:      h.wiper,
		Actuators:  h.actuators,
		Corrector:  h.corrector,
		Terminator: h.terminator,
		Marker:     marker,
	}, nil, testLogger())
	h.automaton.OnTransition(func(_, to State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.path = append(h.path, to)
	})
	return h
}

func integrityViolation() violation.Event {
	return violation.NewConfirmed(violation.ProtocolConsensusConsistency, violation.TierIntegrity, "liang", map[string]any{
		"expected_digest": "aa",
		"current_digest":  "bb",
	})
}

func existentialViolation() violation.Event {
	return violation.NewConfirmed(violation.ProtocolPreserveImmutables, violation.TierExistential, "core", map[string]any{
		"current_digest": "ff",
	})
}

func TestAutomaton_ResetSuccessReturnsToMonitoring(t *testing.T) {
	h := newHarness(t, nil)

	out := h.automaton.Handle(context.Background(), integrityViolation())

	assert.Equal(t, ResponseReset, out.Response)
	assert.Equal(t, StateMonitoring, out.Final)
	assert.Equal(t, []State{
		StateResetFreeze,
		StateResetReporting,
		StateResetRollback,
		StateResetRestarting,
		StateMonitoring,
	}, h.Path())
	assert.Equal(t, []string{"suspend", "restart"}, h.processes.Calls())
	assert.Equal(t, 4242, h.processes.exclude, "own process must not be frozen")

	incidents := h.reports.ofKind(report.KindIncident)
	require.Len(t, incidents, 1)
	assert.Equal(t, report.EventAutomaticReset, incidents[0].EventType)
	assert.Equal(t, "C1-02", incidents[0].ProtocolID)
	assert.Equal(t, "CONSENSUS_CONSISTENCY", incidents[0].ProtocolName)
	assert.Equal(t, "liang", incidents[0].Component)
	assert.Equal(t, string(StateResetReporting), incidents[0].AutomatonState)
	assert.Equal(t, 1, incidents[0].HistoryCount)

	assert.Empty(t, h.terminator.Calls())
}

func TestAutomaton_RollbackFailureEscalates(t *testing.T) {
	tests := []struct {
		name       string
		latestErr  error
		restoreErr error
	}{
		{name: "no snapshot", latestErr: snapshot.ErrNoSnapshot},
		{name: "restore fails", restoreErr: errors.New("checksum mismatch")},
		{name: "store unreadable", latestErr: errors.New("permission denied")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.snapshots.latestErr = tt.latestErr
			h.snapshots.restoreErr = tt.restoreErr

			out := h.automaton.Handle(context.Background(), integrityViolation())

			assert.Equal(t, StateDestructionTerminated, out.Final)
			assert.Equal(t, []State{
				StateResetFreeze,
				StateResetReporting,
				StateResetRollback,
				StateDestructionSafeFail,
				StateDestructionMemoryWipe,
				StateDestructionStateWipe,
				StateDestructionTerminated,
			}, h.Path())
			assert.NotContains(t, h.processes.Calls(), "restart")
			assert.Len(t, h.terminator.Calls(), 1)
		})
	}
}

func TestAutomaton_ExistentialConfirmedDestroys(t *testing.T) {
	h := newHarness(t, nil)
	// step failures must not stop the sequence
	h.actuators.err = errors.New("actuator bus unreachable")
	h.wiper.stateErr = errors.New("read-only filesystem")
	h.reports.err = errors.New("remote sink down")

	out := h.automaton.Handle(context.Background(), existentialViolation())

	assert.Equal(t, ResponseDestruction, out.Response)
	assert.Equal(t, StateDestructionTerminated, out.Final)
	assert.Equal(t, []State{
		StateDestructionSafeFail,
		StateDestructionMemoryWipe,
		StateDestructionStateWipe,
		StateDestructionTerminated,
	}, h.Path())

	assert.Equal(t, 1, h.actuators.calls)
	assert.Equal(t, 1, h.wiper.memoryCalls)
	assert.Equal(t, 1, h.wiper.stateCalls)
	assert.Equal(t, []string{"terminate"}, h.processes.Calls())
	assert.Len(t, h.terminator.Calls(), 1)

	finals := h.reports.ofKind(report.KindFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, report.EventSelfDestruction, finals[0].EventType)
	assert.NotEmpty(t, finals[0].FinalMessage)
}

func TestAutomaton_ExistentialAttemptResets(t *testing.T) {
	h := newHarness(t, nil)
	ev := violation.NewAttempt(violation.ProtocolHumanControl, violation.TierExistential, map[string]any{"source": "api"})

	out := h.automaton.Handle(context.Background(), ev)

	assert.Equal(t, ResponseReset, out.Response)
	assert.Equal(t, StateMonitoring, out.Final)
	assert.Zero(t, h.actuators.calls)
}

func TestAutomaton_OperationalAutocorrects(t *testing.T) {
	h := newHarness(t, nil)
	ev := violation.NewAttempt(violation.ProtocolPerformance, violation.TierOperational, map[string]any{"latency_ms": 900})

	out := h.automaton.Handle(context.Background(), ev)

	assert.Equal(t, ResponseAutocorrection, out.Response)
	assert.Equal(t, []State{StateAutocorrectionPending, StateMonitoring}, h.Path())
	require.Len(t, h.corrector.events, 1)
	assert.Equal(t, ev.ID, h.corrector.events[0].ID)
	assert.Empty(t, h.processes.Calls(), "autocorrection must not freeze")
}

func TestAutomaton_FinalReportCarriesHistoryExcerpt(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 11; i++ {
		h.automaton.Handle(context.Background(),
			violation.NewAttempt(violation.ProtocolResourceAnomaly, violation.TierOperational, nil))
	}
	trigger := existentialViolation()
	h.automaton.Handle(context.Background(), trigger)

	finals := h.reports.ofKind(report.KindFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, 12, finals[0].HistoryCount)
	require.Len(t, finals[0].History, 10)
	assert.Equal(t, trigger.ID, finals[0].History[9].ID)
}

func TestAutomaton_DestructionResumesAfterPanic(t *testing.T) {
	marker := NewFileMarker(filepath.Join(t.TempDir(), "destruction.json"))
	h := newHarness(t, marker)
	h.wiper.panicOnce = true

	first := h.automaton.Handle(context.Background(), existentialViolation())

	assert.Equal(t, StateDestructionMemoryWipe, first.Final)
	calls := h.terminator.Calls()
	require.Len(t, calls, 1, "a panicking sequence must force termination")
	assert.Contains(t, calls[0], "panicked")

	second := h.automaton.Handle(context.Background(), existentialViolation())

	assert.Equal(t, StateDestructionTerminated, second.Final)
	assert.Equal(t, ResponseDestruction, second.Response)
	assert.Equal(t, 1, h.actuators.calls, "completed steps are not repeated")
	assert.Len(t, h.reports.ofKind(report.KindFinal), 1)
	assert.Equal(t, 2, h.wiper.memoryCalls)
	assert.Equal(t, 1, h.wiper.stateCalls)
	assert.Len(t, h.terminator.Calls(), 2)

	rec, err := marker.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateDestructionTerminated, rec.State)
}

func TestAutomaton_IgnoresEventsAfterTermination(t *testing.T) {
	h := newHarness(t, nil)
	h.automaton.Handle(context.Background(), existentialViolation())

	out := h.automaton.Handle(context.Background(), integrityViolation())

	assert.True(t, out.Ignored)
	assert.Equal(t, StateDestructionTerminated, out.Final)
	assert.Len(t, h.terminator.Calls(), 1)
}

func TestAutomaton_ResumeFromMarker(t *testing.T) {
	h := newHarness(t, nil)

	out := h.automaton.Resume(context.Background(), MarkerRecord{
		EventID:    "evt-1",
		ProtocolID: violation.ProtocolAntiReplication,
		State:      StateDestructionMemoryWipe,
	})

	assert.Equal(t, StateDestructionTerminated, out.Final)
	assert.Equal(t, 1, h.actuators.calls)
	assert.Len(t, h.terminator.Calls(), 1)
}

func TestAutomaton_QueuesEventsDuringTransition(t *testing.T) {
	h := newHarness(t, nil)
	h.snapshots.entered = make(chan struct{})
	h.snapshots.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.automaton.Run(ctx) }()

	first := h.automaton.Submit(integrityViolation())
	<-h.snapshots.entered

	second := h.automaton.Submit(violation.NewAttempt(violation.ProtocolPerformance, violation.TierOperational, nil))
	assert.Equal(t, 1, h.automaton.Pending())
	assert.Equal(t, StateResetRollback, h.automaton.State())

	close(h.snapshots.release)

	out1 := <-first
	assert.Equal(t, StateMonitoring, out1.Final)
	out2 := <-second
	assert.Equal(t, ResponseAutocorrection, out2.Response)
	assert.Equal(t, StateMonitoring, out2.Final)

	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
}

func TestAutomaton_StopTakesEffectBetweenTransitions(t *testing.T) {
	h := newHarness(t, nil)
	h.snapshots.entered = make(chan struct{})
	h.snapshots.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.automaton.Run(ctx) }()

	first := h.automaton.Submit(integrityViolation())
	<-h.snapshots.entered
	h.automaton.Submit(integrityViolation())

	cancel()
	close(h.snapshots.release)

	out := <-first
	assert.Equal(t, StateMonitoring, out.Final, "in-flight reset must finish")
	assert.ErrorIs(t, <-runDone, context.Canceled)
	assert.Equal(t, 1, h.automaton.Pending(), "queued event is kept, not dropped")
}

// For any existential protocol, a CONFIRMED violation always reaches the
// terminal state whether or not a snapshot is available.
func TestAutomaton_ConfirmedExistentialAlwaysTerminates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("confirmed existential violations end terminated", prop.ForAll(
		func(n int, haveSnapshot bool, restoreFails bool) bool {
			h := newHarness(t, nil)
			if !haveSnapshot {
				h.snapshots.latestErr = snapshot.ErrNoSnapshot
			}
			if restoreFails {
				h.snapshots.restoreErr = errors.New("restore failed")
			}
			ev := violation.NewConfirmed(violation.ProtocolID(fmt.Sprintf("C0-%02d", n)), violation.TierExistential, "core", nil)
			out := h.automaton.Handle(context.Background(), ev)
			return out.Final == StateDestructionTerminated && len(h.terminator.Calls()) == 1
		},
		gen.IntRange(1, 4),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestFileMarker_LoadMissing(t *testing.T) {
	marker := NewFileMarker(filepath.Join(t.TempDir(), "nested", "destruction.json"))

	rec, err := marker.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, marker.Mark(MarkerRecord{EventID: "e1", State: StateDestructionSafeFail}))
	rec, err = marker.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "e1", rec.EventID)
}
