package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// TraceQuery asks the peer audit log whether it recorded an operation
type TraceQuery struct {
	OperationID string `json:"operation_id"`
}

// TraceAnswer is the peer's reply to a TraceQuery
type TraceAnswer struct {
	Present bool `json:"present"`
}

// ChecksumQuery asks the peer for its digest over the listed operations
type ChecksumQuery struct {
	OperationIDs []string `json:"operation_ids"`
}

// ChecksumAnswer is the peer's reply to a ChecksumQuery
type ChecksumAnswer struct {
	Checksum string `json:"checksum"`
}

// PeerClient queries the peer audit log over NATS request/reply
type PeerClient struct {
	nc *nats.Conn
}

// NewPeerClient creates a client on nc
func NewPeerClient(nc *nats.Conn) *PeerClient {
	return &PeerClient{nc: nc}
}

func (c *PeerClient) request(ctx context.Context, subject string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal peer query: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to query peer on %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("failed to decode peer answer: %w", err)
	}
	return nil
}

// HasTrace reports whether the peer recorded operationID
func (c *PeerClient) HasTrace(ctx context.Context, operationID string) (bool, error) {
	var ans TraceAnswer
	if err := c.request(ctx, SubjectPeerTrace, TraceQuery{OperationID: operationID}, &ans); err != nil {
		return false, err
	}
	return ans.Present, nil
}

// Checksum returns the peer's digest over the operations it holds among ids
func (c *PeerClient) Checksum(ctx context.Context, ids []string) (string, error) {
	var ans ChecksumAnswer
	if err := c.request(ctx, SubjectPeerChecksum, ChecksumQuery{OperationIDs: ids}, &ans); err != nil {
		return "", err
	}
	return ans.Checksum, nil
}
