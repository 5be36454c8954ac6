package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/validate"
	"aegisflux/guardian/internal/violation"
)

// ViolationSubscriber accepts violation reports published by trusted
// collaborators and forwards valid ones to the sink
type ViolationSubscriber struct {
	nc        *nats.Conn
	validator *validate.Validator
	sink      violation.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sub       *nats.Subscription
}

// NewViolationSubscriber creates a subscriber for SubjectViolationReport
func NewViolationSubscriber(nc *nats.Conn, validator *validate.Validator, sink violation.Sink, m *metrics.Metrics, logger *slog.Logger) *ViolationSubscriber {
	return &ViolationSubscriber{
		nc:        nc,
		validator: validator,
		sink:      sink,
		metrics:   m,
		logger:    logger.With("component", "violation-subscriber"),
	}
}

// Start subscribes to inbound reports
func (s *ViolationSubscriber) Start() error {
	sub, err := s.nc.Subscribe(SubjectViolationReport, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectViolationReport, err)
	}
	s.sub = sub
	s.logger.Info("Subscribed to violation reports", "subject", SubjectViolationReport)
	return nil
}

// Stop drains the subscription
func (s *ViolationSubscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

type ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (s *ViolationSubscriber) handle(msg *nats.Msg) {
	rep, err := s.validator.ViolationReport(msg.Data)
	if err != nil {
		s.metrics.IncInboundRejected("nats")
		s.respond(msg, ack{Error: err.Error()})
		return
	}

	s.logger.Info("Violation report received",
		"protocol_id", rep.ProtocolID,
		"source", rep.Source)
	s.sink.ReportViolationAttempt(rep.ProtocolID, rep.Evidence)
	s.respond(msg, ack{Accepted: true})
}

func (s *ViolationSubscriber) respond(msg *nats.Msg, a ack) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(a)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to acknowledge violation report", "error", err)
	}
}
