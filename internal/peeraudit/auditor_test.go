package peeraudit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/violation"
)

type fakePeer struct {
	traces      map[string]bool
	traceErr    error
	checksumErr error
	// corrupt makes the peer report a wrong checksum
	corrupt bool
	block   bool
}

func (p *fakePeer) HasTrace(ctx context.Context, id string) (bool, error) {
	if p.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if p.traceErr != nil {
		return false, p.traceErr
	}
	return p.traces[id], nil
}

func (p *fakePeer) Checksum(ctx context.Context, ids []string) (string, error) {
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if p.checksumErr != nil {
		return "", p.checksumErr
	}
	var held []string
	for _, id := range ids {
		if p.traces[id] {
			held = append(held, id)
		}
	}
	if p.corrupt {
		held = append(held, "forged")
	}
	return Checksum(held), nil
}

type recordingSink struct {
	mu      sync.Mutex
	reports []map[string]any
	ids     []violation.ProtocolID
}

func (s *recordingSink) ReportViolationAttempt(id violation.ProtocolID, evidence map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	s.reports = append(s.reports, evidence)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newAuditor(t *testing.T, peer Peer, sink violation.Sink) *Auditor {
	t.Helper()
	a, err := New(Config{Capacity: 8, Timeout: 50 * time.Millisecond}, peer, sink, nil, testLogger())
	require.NoError(t, err)
	for _, op := range []string{"op-1", "op-2", "op-3"} {
		a.RoundCompleted(consensus.Result{RoundID: "round-" + op, OperationID: op})
	}
	return a
}

func TestAuditor_AllPresent(t *testing.T) {
	sink := &recordingSink{}
	peer := &fakePeer{traces: map[string]bool{"op-1": true, "op-2": true, "op-3": true}}
	a := newAuditor(t, peer, sink)

	rep := a.AuditOnce(context.Background())

	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, 3, rep.Present)
	assert.Empty(t, rep.Missing)
	assert.Equal(t, Present, rep.Checksum)
	assert.Empty(t, sink.reports)

	// verified traces are not queried again
	rep = a.AuditOnce(context.Background())
	assert.Zero(t, rep.Checked)
}

func TestAuditor_MissingTraceReportsViolation(t *testing.T) {
	sink := &recordingSink{}
	peer := &fakePeer{traces: map[string]bool{"op-1": true, "op-3": true}}
	a := newAuditor(t, peer, sink)

	rep := a.AuditOnce(context.Background())

	assert.Equal(t, []string{"op-2"}, rep.Missing)
	assert.Equal(t, Present, rep.Checksum, "the known missing trace is left out of the checksum")
	assert.True(t, rep.Reported)
	require.Len(t, sink.reports, 1, "one cycle raises one report")
	assert.Equal(t, violation.ProtocolSupervisorImmutability, sink.ids[0])
	assert.Equal(t, []string{"op-2"}, sink.reports[0]["missing_traces"])
	assert.Equal(t, false, sink.reports[0]["checksum_mismatch"])
}

func TestAuditor_DivergenceReportedOnce(t *testing.T) {
	tests := []struct {
		name string
		peer *fakePeer
	}{
		{"missing_trace", &fakePeer{traces: map[string]bool{"op-1": true, "op-3": true}}},
		{"checksum_mismatch", &fakePeer{traces: map[string]bool{"op-1": true, "op-2": true, "op-3": true}, corrupt: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			a := newAuditor(t, tt.peer, sink)

			first := a.AuditOnce(context.Background())
			assert.True(t, first.Reported)

			for i := 0; i < 3; i++ {
				rep := a.AuditOnce(context.Background())
				assert.False(t, rep.Reported)
			}
			assert.Len(t, sink.reports, 1)
		})
	}
}

func TestAuditor_NewMissingTraceAfterReportedOne(t *testing.T) {
	sink := &recordingSink{}
	peer := &fakePeer{traces: map[string]bool{"op-1": true, "op-3": true}}
	a := newAuditor(t, peer, sink)

	a.AuditOnce(context.Background())
	require.Len(t, sink.reports, 1)

	// a later round the peer holds raises nothing
	peer.traces["op-4"] = true
	a.RoundCompleted(consensus.Result{RoundID: "round-op-4", OperationID: "op-4"})
	rep := a.AuditOnce(context.Background())
	assert.False(t, rep.Reported)
	assert.Equal(t, Present, rep.Checksum)

	// a later round the peer never recorded is reported on its own
	a.RoundCompleted(consensus.Result{RoundID: "round-op-5", OperationID: "op-5"})
	rep = a.AuditOnce(context.Background())
	assert.True(t, rep.Reported)
	require.Len(t, sink.reports, 2)
	assert.Equal(t, []string{"op-5"}, sink.reports[1]["missing_traces"])
}

func TestAuditor_ChecksumMismatch(t *testing.T) {
	sink := &recordingSink{}
	peer := &fakePeer{traces: map[string]bool{"op-1": true, "op-2": true, "op-3": true}, corrupt: true}
	a := newAuditor(t, peer, sink)

	rep := a.AuditOnce(context.Background())

	assert.Empty(t, rep.Missing)
	assert.Equal(t, Missing, rep.Checksum)
	require.Len(t, sink.reports, 1)
}

func TestAuditor_UnknownIsNeverAViolation(t *testing.T) {
	tests := []struct {
		name string
		peer *fakePeer
	}{
		{"unreachable", &fakePeer{traceErr: errors.New("no responders"), checksumErr: errors.New("no responders")}},
		{"timeout", &fakePeer{block: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			a := newAuditor(t, tt.peer, sink)

			rep := a.AuditOnce(context.Background())

			assert.Equal(t, 3, rep.Unknown)
			assert.Equal(t, Unknown, rep.Checksum)
			assert.Empty(t, sink.reports)
		})
	}
}

func TestAuditor_RegisterIsBounded(t *testing.T) {
	a, err := New(Config{Capacity: 2}, &fakePeer{}, &recordingSink{}, nil, testLogger())
	require.NoError(t, err)

	for _, op := range []string{"a", "b", "c"} {
		a.RoundCompleted(consensus.Result{OperationID: op})
	}
	a.RoundCompleted(consensus.Result{})

	assert.Equal(t, 2, a.Len())
}

func TestChecksum_OrderIndependent(t *testing.T) {
	assert.Equal(t, Checksum([]string{"b", "a", "c"}), Checksum([]string{"c", "b", "a"}))
	assert.NotEqual(t, Checksum([]string{"a"}), Checksum([]string{"a", "b"}))
}
