package peeraudit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/violation"
)

// Result is the tri-state answer of a peer query
type Result int

const (
	// Unknown means the peer could not be asked or did not answer in time
	Unknown Result = iota
	Present
	Missing
)

func (r Result) String() string {
	switch r {
	case Present:
		return "present"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// Peer is the audit log being cross-checked
type Peer interface {
	HasTrace(ctx context.Context, operationID string) (bool, error)
	// Checksum returns the peer's digest over the subset of ids it holds
	Checksum(ctx context.Context, operationIDs []string) (string, error)
}

// Config configures an Auditor
type Config struct {
	Capacity int
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultConfig returns the default audit configuration
func DefaultConfig() Config {
	return Config{
		Capacity: 4096,
		Timeout:  2 * time.Second,
		Interval: 30 * time.Second,
	}
}

type trace struct {
	roundID    string
	recordedAt time.Time
	verified   bool

	// reported is set once the trace was reported missing
	reported bool
}

// Report summarizes one audit cycle. Checksum is Present when the digests
// agree and Missing when they differ.
type Report struct {
	Checked  int      `json:"checked"`
	Present  int      `json:"present"`
	Missing  []string `json:"missing,omitempty"`
	Unknown  int      `json:"unknown"`
	Checksum Result   `json:"checksum"`
	Reported bool     `json:"reported"`
}

// Auditor keeps an independent register of completed consensus operations
// and checks that the peer audit log recorded each of them.
type Auditor struct {
	cfg     Config
	traces  *lru.Cache[string, trace]
	peer    Peer
	sink    violation.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu sync.Mutex

	// reportedChecksum is the local digest of the last reported mismatch
	reportedChecksum string
}

// New creates an auditor
func New(cfg Config, peer Peer, sink violation.Sink, m *metrics.Metrics, logger *slog.Logger) (*Auditor, error) {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	traces, err := lru.New[string, trace](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace register: %w", err)
	}

	return &Auditor{
		cfg:     cfg,
		traces:  traces,
		peer:    peer,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "peeraudit"),
	}, nil
}

// RoundCompleted registers the operation of a finished consensus round
func (a *Auditor) RoundCompleted(r consensus.Result) {
	if r.OperationID == "" {
		return
	}
	a.traces.Add(r.OperationID, trace{roundID: r.RoundID, recordedAt: time.Now().UTC()})
}

// Len returns the number of registered operations
func (a *Auditor) Len() int {
	return a.traces.Len()
}

// Checksum is the digest over the sorted registered operation ids
func Checksum(operationIDs []string) string {
	ids := append([]string(nil), operationIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

func (a *Auditor) hasTrace(ctx context.Context, operationID string) Result {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	ok, err := a.peer.HasTrace(ctx, operationID)
	if err != nil {
		a.logger.Warn("Peer trace query failed", "operation_id", operationID, "error", err)
		return Unknown
	}
	if ok {
		return Present
	}
	return Missing
}

func (a *Auditor) checksum(ctx context.Context, ids []string) Result {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	remote, err := a.peer.Checksum(ctx, ids)
	if err != nil {
		a.logger.Warn("Peer checksum query failed", "error", err)
		return Unknown
	}
	if remote == Checksum(ids) {
		return Present
	}
	return Missing
}

// AuditOnce queries the peer for every unverified trace and compares
// checksums. Newly missing traces or a new checksum mismatch raise one C1-01
// attempt; a divergence already reported is not reported again. Unknown
// answers are only counted.
func (a *Auditor) AuditOnce(ctx context.Context) Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	var rep Report
	var fresh []string
	ids := a.traces.Keys()
	compared := make([]string, 0, len(ids))

	for _, id := range ids {
		t, ok := a.traces.Peek(id)
		if !ok {
			continue
		}
		if t.verified {
			compared = append(compared, id)
			continue
		}
		rep.Checked++

		switch a.hasTrace(ctx, id) {
		case Present:
			rep.Present++
			t.verified = true
			a.traces.Add(id, t)
			compared = append(compared, id)
		case Missing:
			rep.Missing = append(rep.Missing, id)
			if !t.reported {
				fresh = append(fresh, id)
				t.reported = true
				a.traces.Add(id, t)
			}
		default:
			rep.Unknown++
			a.metrics.IncPeerUnknown()
			compared = append(compared, id)
		}
	}

	// Known missing traces are left out so they do not also show up as a
	// checksum mismatch on every later cycle
	rep.Checksum = Unknown
	newMismatch := false
	if len(compared) > 0 {
		rep.Checksum = a.checksum(ctx, compared)
		switch rep.Checksum {
		case Unknown:
			a.metrics.IncPeerUnknown()
		case Missing:
			local := Checksum(compared)
			newMismatch = local != a.reportedChecksum
			a.reportedChecksum = local
		default:
			a.reportedChecksum = ""
		}
	}

	if len(fresh) > 0 || newMismatch {
		rep.Reported = true
		a.metrics.IncPeerViolation()
		evidence := map[string]any{
			"reason":            "peer audit log diverges from independent trace register",
			"missing_traces":    fresh,
			"checksum_mismatch": rep.Checksum == Missing,
			"registered":        len(ids),
		}
		a.logger.Error("Peer audit divergence detected",
			"missing", len(fresh),
			"checksum", rep.Checksum.String())
		a.sink.ReportViolationAttempt(violation.ProtocolSupervisorImmutability, evidence)
	}

	a.logger.Debug("Peer audit completed",
		"checked", rep.Checked,
		"present", rep.Present,
		"missing", len(rep.Missing),
		"unknown", rep.Unknown,
		"checksum", rep.Checksum.String())
	return rep
}

// Run audits on every interval until ctx is cancelled
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("Peer audit started", "interval", a.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Peer audit stopped")
			return
		case <-ticker.C:
			a.AuditOnce(ctx)
		}
	}
}
