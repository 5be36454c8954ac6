package natsbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used by the guardian
const (
	SubjectVotePrefix      = "guardian.consensus.vote."
	SubjectViolationReport = "guardian.violations.report"
	SubjectReportIncident  = "guardian.reports.incident"
	SubjectReportFinal     = "guardian.reports.final"
	SubjectSafeFail        = "guardian.control.safefail"
	SubjectAutocorrect     = "guardian.control.autocorrect"
	SubjectPeerTrace       = "guardian.peer.trace"
	SubjectPeerChecksum    = "guardian.peer.checksum"
)

const (
	// ConnectTimeout bounds the initial connection
	ConnectTimeout = 10 * time.Second
	// ReconnectInterval is the wait between reconnect attempts
	ReconnectInterval = 2 * time.Second
	// MaxReconnectAttempts before the connection is given up
	MaxReconnectAttempts = 60
)

// VoteSubject returns the request subject of one participant
func VoteSubject(participant string) string {
	return SubjectVotePrefix + participant
}

// Connect dials NATS with the guardian's reconnect policy
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectInterval),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url, "name", name)
	return nc, nil
}

type errorReply struct {
	Error string `json:"error"`
}
