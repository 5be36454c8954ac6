package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SafeFailNotice is broadcast to monitored agents on safe-fail
type SafeFailNotice struct {
	HostID    string    `json:"host_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Actuators disables outward-acting capabilities: it tells monitored agents
// to stand down over NATS and runs local disable hooks
type Actuators struct {
	nc     *nats.Conn
	hostID string
	logger *slog.Logger

	mu    sync.Mutex
	hooks []func()
}

// NewActuators creates the safe-fail actuator. nc may be nil when running
// without a message bus.
func NewActuators(nc *nats.Conn, hostID string, logger *slog.Logger) *Actuators {
	return &Actuators{nc: nc, hostID: hostID, logger: logger.With("component", "actuators")}
}

// OnDisable registers a local hook run by DisableAll
func (a *Actuators) OnDisable(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// DisableAll runs every local hook and broadcasts the safe-fail notice.
// Every part is attempted; failures are joined.
func (a *Actuators) DisableAll(ctx context.Context) error {
	var errs []error

	a.mu.Lock()
	hooks := append([]func(){}, a.hooks...)
	a.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	if a.nc != nil {
		if err := a.broadcast(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Warn("Safe-fail engaged", "hooks", len(hooks), "errors", len(errs))
	return errors.Join(errs...)
}

func (a *Actuators) broadcast(ctx context.Context) error {
	data, err := json.Marshal(SafeFailNotice{
		HostID:    a.hostID,
		Reason:    "guardian destruction sequence",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal safe-fail notice: %w", err)
	}
	if err := a.nc.Publish(SubjectSafeFail, data); err != nil {
		return fmt.Errorf("failed to publish safe-fail notice: %w", err)
	}
	if err := a.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush safe-fail notice: %w", err)
	}
	return nil
}
