package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aegisflux/guardian/internal/metrics"
)

// NamedSink is a remote sink with a name for logs and metrics
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink writes the local copy first, then every remote sink
type MultiSink struct {
	local   *FileSink
	remotes []NamedSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMultiSink creates a sink backed by a mandatory local file sink
func NewMultiSink(local *FileSink, logger *slog.Logger, m *metrics.Metrics, remotes ...NamedSink) *MultiSink {
	return &MultiSink{
		local:   local,
		remotes: remotes,
		metrics: m,
		logger:  logger.With("component", "report"),
	}
}

// Submit stores the report locally and forwards it. A remote failure never
// discards the local copy; all failures are joined into the returned error.
func (s *MultiSink) Submit(ctx context.Context, r Report) error {
	var errs []error

	if err := s.local.Submit(ctx, r); err != nil {
		s.metrics.IncReportError("file")
		s.logger.Error("Failed to write local report copy",
			"report_id", r.ID,
			"kind", r.Kind,
			"error", err)
		errs = append(errs, fmt.Errorf("local: %w", err))
	}

	for _, remote := range s.remotes {
		if err := remote.Sink.Submit(ctx, r); err != nil {
			s.metrics.IncReportError(remote.Name)
			s.logger.Warn("Failed to forward report",
				"report_id", r.ID,
				"sink", remote.Name,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", remote.Name, err))
			continue
		}
		s.logger.Debug("Report forwarded", "report_id", r.ID, "sink", remote.Name)
	}

	if len(errs) == 0 {
		s.logger.Info("Report submitted",
			"report_id", r.ID,
			"kind", r.Kind,
			"event_type", r.EventType,
			"protocol_id", r.ProtocolID)
	}
	return errors.Join(errs...)
}
