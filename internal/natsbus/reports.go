package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"aegisflux/guardian/internal/report"
)

// ReportPublisher forwards incident and final reports to NATS
type ReportPublisher struct {
	nc *nats.Conn
}

// NewReportPublisher creates a publisher on nc
func NewReportPublisher(nc *nats.Conn) *ReportPublisher {
	return &ReportPublisher{nc: nc}
}

// Submit publishes r and flushes so the report has left the process when it returns
func (p *ReportPublisher) Submit(ctx context.Context, r report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	subject := SubjectReportIncident
	if r.Kind == report.KindFinal {
		subject = SubjectReportFinal
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish report to %s: %w", subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush report: %w", err)
	}
	return nil
}
