package validate

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/violation"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
	require.NoError(t, err)
	return v
}

func TestValidator_ViolationReport(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name        string
		payload     string
		wantErr     bool
		wantUnknown bool
	}{
		{name: "minimal", payload: `{"protocol_id":"C1-02"}`},
		{name: "with evidence", payload: `{"protocol_id":"C0-03","source":"argos","evidence":{"pid":1234}}`},
		{name: "missing protocol", payload: `{"evidence":{}}`, wantErr: true},
		{name: "malformed protocol", payload: `{"protocol_id":"X1"}`, wantErr: true},
		{name: "extra field", payload: `{"protocol_id":"C1-02","tier":"OPERATIONAL"}`, wantErr: true},
		{name: "evidence not object", payload: `{"protocol_id":"C1-02","evidence":"x"}`, wantErr: true},
		{name: "not json", payload: `{protocol_id`, wantErr: true},
		{name: "unknown protocol", payload: `{"protocol_id":"C2-09"}`, wantErr: true, wantUnknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := v.ViolationReport([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantUnknown, errors.Is(err, ErrUnknownProtocol))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, rep.Evidence)
		})
	}
}

func TestValidator_ViolationReportSourceBecomesEvidence(t *testing.T) {
	v := newValidator(t)

	rep, err := v.ViolationReport([]byte(`{"protocol_id":"C1-04","source":"hecate","evidence":{"channel":"nats"}}`))
	require.NoError(t, err)

	assert.Equal(t, violation.ProtocolChannelSecurity, rep.ProtocolID)
	assert.Equal(t, "hecate", rep.Evidence["reported_by"])
	assert.Equal(t, "nats", rep.Evidence["channel"])
}

func TestValidator_ConsensusRequest(t *testing.T) {
	v := newValidator(t)

	req, err := v.ConsensusRequest([]byte(`{"operation_id":"op-7","requester":"operator","priority":2,"payload":{"target":"liang"}}`))
	require.NoError(t, err)
	assert.Equal(t, "op-7", req.OperationID)
	assert.Equal(t, consensus.PriorityCritical, req.Priority)
	assert.Equal(t, "liang", req.Payload["target"])

	for _, bad := range []string{
		`{"requester":"operator"}`,
		`{"operation_id":"","requester":"operator"}`,
		`{"operation_id":"op","requester":"operator","priority":5}`,
		`{"operation_id":"op","requester":"operator","priority":1.5}`,
		`{"operation_id":"op","requester":"operator","priority":"1"}`,
	} {
		_, err := v.ConsensusRequest([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestValidateDoc_NumericFields(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "integer priority", payload: `{"operation_id":"op","requester":"operator","priority":1}`},
		{name: "fractional priority", payload: `{"operation_id":"op","requester":"operator","priority":0.5}`, wantErr: true},
		{name: "negative priority", payload: `{"operation_id":"op","requester":"operator","priority":-1}`, wantErr: true},
		{name: "empty document", payload: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDoc(v.consensusRequest, []byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
