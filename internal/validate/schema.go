package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/violation"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	violationReportSchema  = "violation_report.json"
	consensusRequestSchema = "consensus_request.json"
)

// ErrUnknownProtocol is returned for reports naming a protocol outside the table
var ErrUnknownProtocol = errors.New("unknown protocol id")

// ViolationReport is an inbound report from a trusted collaborator
type ViolationReport struct {
	ProtocolID violation.ProtocolID `json:"protocol_id"`
	Source     string               `json:"source,omitempty"`
	Evidence   map[string]any       `json:"evidence,omitempty"`
}

// Validator checks inbound payloads against the embedded JSON schemas
type Validator struct {
	violationReport  *jsonschema.Schema
	consensusRequest *jsonschema.Schema
	classifier       *violation.Classifier
	logger           *slog.Logger
}

// NewValidator compiles the embedded schemas
func NewValidator(logger *slog.Logger) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	for _, name := range []string{violationReportSchema, consensusRequestSchema} {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
		}
	}

	vr, err := compiler.Compile(violationReportSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	cr, err := compiler.Compile(consensusRequestSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{
		violationReport:  vr,
		consensusRequest: cr,
		classifier:       violation.NewClassifier(),
		logger:           logger.With("component", "validate"),
	}, nil
}

func validateDoc(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ViolationReport validates and decodes an inbound violation report. Reports
// naming a protocol id outside the classification table are rejected.
func (v *Validator) ViolationReport(data []byte) (ViolationReport, error) {
	var rep ViolationReport
	if err := validateDoc(v.violationReport, data); err != nil {
		v.logger.Warn("Violation report rejected", "error", err.Error())
		return rep, err
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		return rep, fmt.Errorf("failed to decode violation report: %w", err)
	}
	if !v.classifier.Known(rep.ProtocolID) {
		v.logger.Warn("Violation report rejected", "protocol_id", rep.ProtocolID, "error", ErrUnknownProtocol)
		return rep, fmt.Errorf("%w: %s", ErrUnknownProtocol, rep.ProtocolID)
	}
	if rep.Evidence == nil {
		rep.Evidence = map[string]any{}
	}
	if rep.Source != "" {
		rep.Evidence["reported_by"] = rep.Source
	}
	return rep, nil
}

// ConsensusRequest validates and decodes a request for a consensus round
func (v *Validator) ConsensusRequest(data []byte) (consensus.Request, error) {
	var req consensus.Request
	if err := validateDoc(v.consensusRequest, data); err != nil {
		v.logger.Warn("Consensus request rejected", "error", err.Error())
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode consensus request: %w", err)
	}
	return req, nil
}
