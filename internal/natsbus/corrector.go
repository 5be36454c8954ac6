package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"aegisflux/guardian/internal/violation"
)

// Corrector hands OPERATIONAL violations to the external correction cycle
type Corrector struct {
	nc *nats.Conn
}

// NewCorrector creates a corrector publishing on nc
func NewCorrector(nc *nats.Conn) *Corrector {
	return &Corrector{nc: nc}
}

// RequestCorrection publishes ev on SubjectAutocorrect
func (c *Corrector) RequestCorrection(ctx context.Context, ev violation.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}
	if err := c.nc.Publish(SubjectAutocorrect, data); err != nil {
		return fmt.Errorf("failed to publish correction request: %w", err)
	}
	return c.nc.FlushWithContext(ctx)
}
