package baseline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aegisflux/guardian/internal/violation"
)

const blockSize = 4096

// ErrDuplicateComponent is returned when two baselines share a component id
var ErrDuplicateComponent = errors.New("duplicate baseline component")

// Baseline is the expected digest of one protected resource
type Baseline struct {
	Component      string               `json:"component" yaml:"component"`
	Locator        string               `json:"locator" yaml:"locator"`
	ExpectedDigest string               `json:"expected_digest" yaml:"expected_digest"`
	Tier           violation.Tier       `json:"tier" yaml:"tier"`
	Protocol       violation.ProtocolID `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// CheckResult is the outcome of checking one baseline
type CheckResult struct {
	Component     string               `json:"component"`
	Locator       string               `json:"locator"`
	Tier          violation.Tier       `json:"tier"`
	Protocol      violation.ProtocolID `json:"protocol,omitempty"`
	Matched       bool                 `json:"matched"`
	CurrentDigest string               `json:"current_digest,omitempty"`
	Err           error                `json:"-"`
	CheckedAt     time.Time            `json:"checked_at"`
}

type entry struct {
	Baseline
	expected    []byte
	lastChecked time.Time
}

// Store holds the baselines. Expected digests are fixed at construction.
type Store struct {
	mu          sync.RWMutex
	entries     []*entry
	concurrency int
	logger      *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithConcurrency bounds how many resources are digested at once
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore validates the baselines and decodes their expected digests
func NewStore(baselines []Baseline, opts ...Option) (*Store, error) {
	s := &Store{
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]struct{}, len(baselines))
	for _, b := range baselines {
		if b.Component == "" {
			return nil, fmt.Errorf("baseline component cannot be empty")
		}
		if _, dup := seen[b.Component]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateComponent, b.Component)
		}
		seen[b.Component] = struct{}{}

		if b.Locator == "" {
			return nil, fmt.Errorf("baseline %s has no locator", b.Component)
		}
		expected, err := hex.DecodeString(b.ExpectedDigest)
		if err != nil {
			return nil, fmt.Errorf("failed to decode expected digest for %s: %w", b.Component, err)
		}
		if len(expected) != sha256.Size {
			return nil, fmt.Errorf("expected digest for %s must be %d bytes, got %d", b.Component, sha256.Size, len(expected))
		}
		tier, err := violation.ParseTier(string(b.Tier))
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", b.Component, err)
		}
		b.Tier = tier
		s.entries = append(s.entries, &entry{Baseline: b, expected: expected})
	}

	return s, nil
}

// Len returns the number of baselines
func (s *Store) Len() int {
	return len(s.entries)
}

// Baselines returns a copy of the configured baselines
func (s *Store) Baselines() []Baseline {
	out := make([]Baseline, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Baseline
	}
	return out
}

// LastChecked returns when a component was last checked
func (s *Store) LastChecked(component string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.Component == component {
			return e.lastChecked, true
		}
	}
	return time.Time{}, false
}

// CheckAll recomputes every digest and compares it to the expected value.
// A missing or unreadable resource is reported as not matched.
func (s *Store) CheckAll(ctx context.Context) []CheckResult {
	results := make([]CheckResult, len(s.entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, e := range s.entries {
		i, e := i, e
		g.Go(func() error {
			results[i] = s.check(gctx, e)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	s.mu.Lock()
	for i, e := range s.entries {
		e.lastChecked = now
		results[i].CheckedAt = now
	}
	s.mu.Unlock()

	return results
}

func (s *Store) check(ctx context.Context, e *entry) CheckResult {
	result := CheckResult{
		Component: e.Component,
		Locator:   e.Locator,
		Tier:      e.Tier,
		Protocol:  e.Protocol,
	}

	if err := ctx.Err(); err != nil {
		result.Err = fmt.Errorf("check cancelled: %w", err)
		return result
	}

	digest, err := digestFile(e.Locator)
	if err != nil {
		s.logger.Warn("Baseline resource unreadable",
			"component", e.Component,
			"locator", e.Locator,
			"error", err)
		result.Err = err
		return result
	}

	result.CurrentDigest = hex.EncodeToString(digest)
	result.Matched = bytes.Equal(digest, e.expected)
	return result
}

// Digest returns the hex SHA-256 of the file at path
func Digest(path string) (string, error) {
	sum, err := digestFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, blockSize)); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
