package baseline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/guardian/internal/violation"
)

func writeFile(t *testing.T, dir, name, content string) (string, string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	sum := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(sum[:])
}

func TestStore_CheckAll(t *testing.T) {
	dir := t.TempDir()
	okPath, okDigest := writeFile(t, dir, "ok.bin", "supervisor code")
	badPath, _ := writeFile(t, dir, "bad.bin", "tampered")
	_, otherDigest := writeFile(t, dir, "other.bin", "original")

	store, err := NewStore([]Baseline{
		{Component: "liang", Locator: okPath, ExpectedDigest: okDigest, Tier: violation.TierIntegrity},
		{Component: "argos", Locator: badPath, ExpectedDigest: otherDigest, Tier: violation.TierIntegrity},
		{Component: "core", Locator: filepath.Join(dir, "missing.bin"), ExpectedDigest: okDigest, Tier: violation.TierExistential},
	})
	require.NoError(t, err)

	results := store.CheckAll(context.Background())
	require.Len(t, results, 3)

	assert.True(t, results[0].Matched)
	assert.Equal(t, okDigest, results[0].CurrentDigest)
	assert.NoError(t, results[0].Err)

	assert.False(t, results[1].Matched)
	assert.NotEqual(t, otherDigest, results[1].CurrentDigest)
	assert.NoError(t, results[1].Err)

	assert.False(t, results[2].Matched, "missing resource must fail closed")
	assert.Error(t, results[2].Err)
	assert.Empty(t, results[2].CurrentDigest)

	checked, ok := store.LastChecked("liang")
	require.True(t, ok)
	assert.False(t, checked.IsZero())
}

func TestStore_CancelledContextFailsClosed(t *testing.T) {
	dir := t.TempDir()
	path, digest := writeFile(t, dir, "a.bin", "content")

	store, err := NewStore([]Baseline{
		{Component: "a", Locator: path, ExpectedDigest: digest, Tier: violation.TierIntegrity},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := store.CheckAll(ctx)
	require.Len(t, results, 1)
	assert.False(t, results[0].Matched)
	assert.Error(t, results[0].Err)
}

func TestNewStore_Validation(t *testing.T) {
	digest := hex.EncodeToString(make([]byte, sha256.Size))

	tests := []struct {
		name      string
		baselines []Baseline
		wantErr   string
	}{
		{
			name:      "empty_component",
			baselines: []Baseline{{Locator: "/x", ExpectedDigest: digest, Tier: violation.TierIntegrity}},
			wantErr:   "component cannot be empty",
		},
		{
			name: "duplicate_component",
			baselines: []Baseline{
				{Component: "a", Locator: "/x", ExpectedDigest: digest, Tier: violation.TierIntegrity},
				{Component: "a", Locator: "/y", ExpectedDigest: digest, Tier: violation.TierIntegrity},
			},
			wantErr: "duplicate baseline component",
		},
		{
			name:      "bad_hex",
			baselines: []Baseline{{Component: "a", Locator: "/x", ExpectedDigest: "zz", Tier: violation.TierIntegrity}},
			wantErr:   "failed to decode expected digest",
		},
		{
			name:      "short_digest",
			baselines: []Baseline{{Component: "a", Locator: "/x", ExpectedDigest: "abcd", Tier: violation.TierIntegrity}},
			wantErr:   "must be 32 bytes",
		},
		{
			name:      "unknown_tier",
			baselines: []Baseline{{Component: "a", Locator: "/x", ExpectedDigest: digest, Tier: "C7"}},
			wantErr:   "unknown criticality tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.baselines)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewStore_NormalizesTier(t *testing.T) {
	dir := t.TempDir()
	path, digest := writeFile(t, dir, "core.bin", "core")

	tests := []struct {
		raw  violation.Tier
		want violation.Tier
	}{
		{raw: "C0", want: violation.TierExistential},
		{raw: "existential", want: violation.TierExistential},
		{raw: "c1", want: violation.TierIntegrity},
		{raw: " Integrity ", want: violation.TierIntegrity},
		{raw: "C2", want: violation.TierOperational},
		{raw: violation.TierOperational, want: violation.TierOperational},
	}

	for _, tt := range tests {
		t.Run(string(tt.raw), func(t *testing.T) {
			store, err := NewStore([]Baseline{
				{Component: "core", Locator: path, ExpectedDigest: digest, Tier: tt.raw},
			})
			require.NoError(t, err)

			assert.Equal(t, tt.want, store.Baselines()[0].Tier)
			results := store.CheckAll(context.Background())
			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].Tier)
		})
	}
}

// For any set of resources whose expected digest is their current digest,
// CheckAll reports every component as matched.
func TestStore_MatchingBaselinesNeverMismatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("matching digests are always reported as matched", prop.ForAll(
		func(contents []string) bool {
			tmpDir, err := os.MkdirTemp("", "baseline-prop-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(tmpDir)

			var baselines []Baseline
			for i, c := range contents {
				path := filepath.Join(tmpDir, fmt.Sprintf("component-%d", i))
				if err := os.WriteFile(path, []byte(c), 0o600); err != nil {
					return false
				}
				sum := sha256.Sum256([]byte(c))
				baselines = append(baselines, Baseline{
					Component:      fmt.Sprintf("component-%d", i),
					Locator:        path,
					ExpectedDigest: hex.EncodeToString(sum[:]),
					Tier:           violation.TierIntegrity,
				})
			}

			store, err := NewStore(baselines, WithConcurrency(2))
			if err != nil {
				return false
			}
			for _, r := range store.CheckAll(context.Background()) {
				if !r.Matched || r.Err != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestDigest(t *testing.T) {
	dir := t.TempDir()
	path, want := writeFile(t, dir, "f", "hello")

	got, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Digest(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}
