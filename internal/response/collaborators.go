package response

import (
	"context"

	"aegisflux/guardian/internal/process"
	"aegisflux/guardian/internal/report"
	"aegisflux/guardian/internal/snapshot"
	"aegisflux/guardian/internal/violation"
)

// ProcessController acts on the monitored processes
type ProcessController interface {
	SuspendAll(ctx context.Context, excludePID int) []process.Result
	RestartAll(ctx context.Context) []process.Result
	TerminateAll(ctx context.Context) []process.Result
}

// SnapshotStore provides rollback targets. Latest returns snapshot.ErrNoSnapshot
// when nothing can be restored.
type SnapshotStore interface {
	Latest(ctx context.Context) (snapshot.Handle, error)
	Restore(ctx context.Context, h snapshot.Handle) error
}

// Wiper erases sensitive memory and persistent state
type Wiper interface {
	WipeMemory(ctx context.Context, regions []string) error
	WipeState(ctx context.Context, paths []string) error
}

// Actuators disables every outward-acting capability of the monitored system
type Actuators interface {
	DisableAll(ctx context.Context) error
}

// Corrector runs the external correction cycle for OPERATIONAL violations
type Corrector interface {
	RequestCorrection(ctx context.Context, ev violation.Event) error
}

// Terminator ends the guardian's own process
type Terminator interface {
	TerminateSelf(reason string)
}

// HistoryRecorder is the violation history the automaton archives events into
type HistoryRecorder interface {
	Add(ev violation.Event)
	Last(n int) []violation.Event
	Len() int
}

// Marker persists entry into the destruction sequence across restarts
type Marker interface {
	Mark(rec MarkerRecord) error
}

// Deps are the automaton's collaborators
type Deps struct {
	Processes  ProcessController
	Snapshots  SnapshotStore
	Reports    report.Sink
	Wiper      Wiper
	Actuators  Actuators
	Corrector  Corrector
	Terminator Terminator
	History    HistoryRecorder
	Marker     Marker
}
