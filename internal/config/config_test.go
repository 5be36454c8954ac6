package config

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/violation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func participantsYAML(t *testing.T, ids ...string) string {
	t.Helper()
	out := "participants:\n"
	for _, id := range ids {
		pub, err := consensus.EncodePublic(consensus.GenerateKeyPair().Public)
		require.NoError(t, err)
		out += "  - id: " + id + "\n    public_key: " + pub + "\n"
	}
	return out
}

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	sum := sha256.Sum256([]byte(body))
	return path, hex.EncodeToString(sum[:])
}

func validYAML(t *testing.T) string {
	return `host_id: guardian-01
data_dir: /tmp/guardian-test
protected_root: /opt/caelion
sweep_interval: 10s
consensus:
  threshold: 0.6
  min_quorum: 3
  round_timeout: 2s
  verify_signatures: true
  unanimity_heuristic: true
baselines:
  - component: liang
    locator: /opt/caelion/liang.py
    expected_digest: ` + hex.EncodeToString(make([]byte, 32)) + `
    tier: INTEGRITY
` + participantsYAML(t, "liang", "hecate", "argos")
}

func TestLoadFile(t *testing.T) {
	path, _ := writeConfig(t, validYAML(t))

	cfg, err := LoadFile(path, "")
	require.NoError(t, err)

	assert.Equal(t, "guardian-01", cfg.HostID)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, 2*time.Second, cfg.Consensus.RoundTimeout)
	assert.Equal(t, violation.TierIntegrity, cfg.Baselines[0].Tier)
	assert.Equal(t, []string{"liang", "hecate", "argos"}, cfg.ParticipantIDs())
	assert.Equal(t, filepath.Join("/tmp/guardian-test", "reports"), cfg.ReportsDir)
	assert.Equal(t, filepath.Join("/tmp/guardian-test", "destruction.json"), cfg.MarkerPath)
	assert.Equal(t, 1000, cfg.MaxHistory, "defaults survive a partial file")

	auth, err := cfg.Authenticator()
	require.NoError(t, err)
	verifier, ok := auth.(*consensus.Verifier)
	require.True(t, ok)
	assert.True(t, verifier.Knows("hecate"))
}

func TestLoadFile_Pin(t *testing.T) {
	path, digest := writeConfig(t, validYAML(t))

	_, err := LoadFile(path, digest)
	require.NoError(t, err)

	_, err = LoadFile(path, hex.EncodeToString(make([]byte, 32)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinned digest")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), digest)
	assert.Error(t, err, "a pinned config must exist")
}

func TestLoadFile_UnknownFieldRejected(t *testing.T) {
	path, _ := writeConfig(t, validYAML(t)+"allow_runtime_digest_updates: true\n")

	_, err := LoadFile(path, "")
	assert.Error(t, err)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	path, _ := writeConfig(t, validYAML(t))
	t.Setenv("GUARDIAN_SWEEP_INTERVAL_SEC", "3")
	t.Setenv("GUARDIAN_ROUND_TIMEOUT_MS", "750")
	t.Setenv("GUARDIAN_UNANIMITY_HEURISTIC", "false")
	t.Setenv("GUARDIAN_HTTP_PORT", "not-a-number")

	cfg, err := LoadFile(path, "")
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.SweepInterval)
	assert.Equal(t, 750*time.Millisecond, cfg.Consensus.RoundTimeout)
	assert.False(t, cfg.ConsensusConfig().Unanimity)
	assert.Equal(t, 8095, cfg.HTTPPort, "unparseable values keep the default")
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		path, _ := writeConfig(t, validYAML(t))
		cfg, err := LoadFile(path, "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"threshold too high", func(c *Config) { c.Consensus.Threshold = 1.5 }, "threshold"},
		{"no baselines", func(c *Config) { c.Baselines = nil }, "baseline"},
		{"quorum unreachable", func(c *Config) { c.Consensus.MinQuorum = 4 }, "min_quorum"},
		{"duplicate participant", func(c *Config) { c.Participants[1].ID = "liang" }, "twice"},
		{"missing key", func(c *Config) { c.Participants[0].PublicKey = "" }, "public key"},
		{"bad sweep interval", func(c *Config) { c.SweepInterval = 0 }, "sweep_interval"},
		{"no protected root", func(c *Config) { c.ProtectedRoot = "" }, "protected_root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuthenticator_Keyring(t *testing.T) {
	path, _ := writeConfig(t, validYAML(t))
	cfg, err := LoadFile(path, "")
	require.NoError(t, err)

	pub, err := consensus.EncodePublic(consensus.GenerateKeyPair().Public)
	require.NoError(t, err)
	cfg.Keyring = []Participant{{ID: "former-member", PublicKey: pub}}

	auth, err := cfg.Authenticator()
	require.NoError(t, err)
	assert.True(t, auth.(*consensus.Verifier).Knows("former-member"))

	cfg.Keyring = []Participant{{ID: "liang", PublicKey: pub}}
	_, err = cfg.Authenticator()
	assert.Error(t, err)

	cfg.Keyring = []Participant{{ID: "bad", PublicKey: "zz"}}
	_, err = cfg.Authenticator()
	assert.Error(t, err)
}

func TestManager_HandleChange(t *testing.T) {
	cfg := Default()
	m := NewManager(nil, cfg, testLogger())

	var mu sync.Mutex
	var seen []LiveSettings
	m.Subscribe(func(s LiveSettings) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	m.HandleChange([]byte(`{"key":"guardian.sweep_interval_seconds","value":15,"updated_by":"ops"}`))
	m.HandleChange([]byte(`{"key":"guardian.round_timeout_ms","value":"1200"}`))
	m.HandleChange([]byte(`{"key":"guardian.log_level","value":"DEBUG"}`))
	// not live-tunable, malformed or foreign
	m.HandleChange([]byte(`{"key":"guardian.consensus_threshold","value":0.1}`))
	m.HandleChange([]byte(`{"key":"guardian.sweep_interval_seconds","value":-1}`))
	m.HandleChange([]byte(`{"key":"correlator.max_findings","value":5}`))
	m.HandleChange([]byte(`not json`))

	cur := m.Current()
	assert.Equal(t, 15*time.Second, cur.SweepInterval)
	assert.Equal(t, 1200*time.Millisecond, cur.RoundTimeout)
	assert.Equal(t, "debug", cur.LogLevel)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}
