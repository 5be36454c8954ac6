package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.dedis.ch/kyber/v4"
	"gopkg.in/yaml.v3"

	"aegisflux/guardian/internal/baseline"
	"aegisflux/guardian/internal/consensus"
)

// DefaultConfigPath is read when GUARDIAN_CONFIG is not set
const DefaultConfigPath = "/etc/aegisflux/guardian.yaml"

// Participant is a consensus participant and its public key (hex)
type Participant struct {
	ID        string `yaml:"id" json:"id"`
	PublicKey string `yaml:"public_key" json:"public_key"`
}

// ConsensusConfig holds the quorum parameters
type ConsensusConfig struct {
	Threshold          float64       `yaml:"threshold" json:"threshold"`
	MinQuorum          int           `yaml:"min_quorum" json:"min_quorum"`
	RoundTimeout       time.Duration `yaml:"round_timeout" json:"round_timeout"`
	VerifySignatures   bool          `yaml:"verify_signatures" json:"verify_signatures"`
	UnanimityHeuristic bool          `yaml:"unanimity_heuristic" json:"unanimity_heuristic"`
}

// ProcessConfig selects the monitored processes
type ProcessConfig struct {
	Patterns       []string      `yaml:"patterns" json:"patterns"`
	RestartCommand []string      `yaml:"restart_command" json:"restart_command"`
	KillGrace      time.Duration `yaml:"kill_grace" json:"kill_grace"`
}

// WipeConfig lists what the destruction sequence erases
type WipeConfig struct {
	StatePaths    []string `yaml:"state_paths" json:"state_paths"`
	MemoryRegions []string `yaml:"memory_regions" json:"memory_regions"`
	Passes        int      `yaml:"passes" json:"passes"`
}

// PeerAuditConfig configures the cross-check against the peer audit log
type PeerAuditConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Capacity int           `yaml:"capacity" json:"capacity"`
}

// Config holds the guardian configuration
type Config struct {
	HostID      string `yaml:"host_id" json:"host_id"`
	NATSURL     string `yaml:"nats_url" json:"nats_url"`
	HTTPAddress string `yaml:"http_address" json:"http_address"`
	HTTPPort    int    `yaml:"http_port" json:"http_port"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
	PostgresDSN string `yaml:"postgres_dsn" json:"-"`

	DataDir       string `yaml:"data_dir" json:"data_dir"`
	ReportsDir    string `yaml:"reports_dir" json:"reports_dir"`
	SnapshotDir   string `yaml:"snapshot_dir" json:"snapshot_dir"`
	ProtectedRoot string `yaml:"protected_root" json:"protected_root"`
	MarkerPath    string `yaml:"marker_path" json:"marker_path"`

	SweepInterval     time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	MaxHistory        int           `yaml:"max_history" json:"max_history"`
	DigestConcurrency int           `yaml:"digest_concurrency" json:"digest_concurrency"`
	StepTimeout       time.Duration `yaml:"step_timeout" json:"step_timeout"`
	FinalHistory      int           `yaml:"final_history" json:"final_history"`

	Consensus    ConsensusConfig     `yaml:"consensus" json:"consensus"`
	Participants []Participant       `yaml:"participants" json:"participants"`
	Keyring      []Participant       `yaml:"keyring" json:"keyring,omitempty"`
	Baselines    []baseline.Baseline `yaml:"baselines" json:"baselines"`
	Process      ProcessConfig       `yaml:"process" json:"process"`
	Wipe         WipeConfig          `yaml:"wipe" json:"wipe"`
	PeerAudit    PeerAuditConfig     `yaml:"peer_audit" json:"peer_audit"`

	// Path is the file the configuration was read from
	Path string `yaml:"-" json:"path"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		HostID:            hostname(),
		NATSURL:           "nats://localhost:4222",
		HTTPPort:          8095,
		LogLevel:          "info",
		DataDir:           "/var/lib/aegisflux/guardian",
		SweepInterval:     5 * time.Second,
		MaxHistory:        1000,
		DigestConcurrency: 4,
		StepTimeout:       30 * time.Second,
		FinalHistory:      10,
		Consensus: ConsensusConfig{
			Threshold:          0.6,
			MinQuorum:          3,
			RoundTimeout:       30 * time.Second,
			VerifySignatures:   true,
			UnanimityHeuristic: true,
		},
		Process: ProcessConfig{KillGrace: 5 * time.Second},
		Wipe:    WipeConfig{Passes: 1},
		PeerAudit: PeerAuditConfig{
			Interval: 30 * time.Second,
			Timeout:  2 * time.Second,
			Capacity: 4096,
		},
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

// Load reads the YAML file named by GUARDIAN_CONFIG, checks its pinned
// digest when GUARDIAN_CONFIG_SHA256 is set, then applies environment overrides
func Load() (*Config, error) {
	path := getEnv("GUARDIAN_CONFIG", DefaultConfigPath)
	return LoadFile(path, getEnv("GUARDIAN_CONFIG_SHA256", ""))
}

// LoadFile reads the configuration at path. A non-empty pin must equal the
// file's hex SHA-256.
func LoadFile(path, pin string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || pin != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = nil
	}

	if data != nil {
		if pin != "" {
			sum := sha256.Sum256(data)
			if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, pin) {
				return nil, fmt.Errorf("config file %s digest %s does not match pinned digest", path, got)
			}
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.Path = path
	}

	cfg.applyEnv()
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HostID = getEnv("GUARDIAN_HOST_ID", c.HostID)
	c.NATSURL = getEnv("GUARDIAN_NATS_URL", c.NATSURL)
	c.HTTPAddress = getEnv("GUARDIAN_HTTP_ADDRESS", c.HTTPAddress)
	c.HTTPPort = getIntEnv("GUARDIAN_HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("GUARDIAN_LOG_LEVEL", c.LogLevel)
	c.PostgresDSN = getEnv("GUARDIAN_POSTGRES_DSN", c.PostgresDSN)
	c.DataDir = getEnv("GUARDIAN_DATA_DIR", c.DataDir)
	c.ProtectedRoot = getEnv("GUARDIAN_PROTECTED_ROOT", c.ProtectedRoot)
	c.SweepInterval = getDurationEnv("GUARDIAN_SWEEP_INTERVAL_SEC", c.SweepInterval)
	c.MaxHistory = getIntEnv("GUARDIAN_MAX_HISTORY", c.MaxHistory)
	c.Consensus.Threshold = getFloat64Env("GUARDIAN_CONSENSUS_THRESHOLD", c.Consensus.Threshold)
	c.Consensus.MinQuorum = getIntEnv("GUARDIAN_CONSENSUS_MIN_QUORUM", c.Consensus.MinQuorum)
	c.Consensus.RoundTimeout = getMillisEnv("GUARDIAN_ROUND_TIMEOUT_MS", c.Consensus.RoundTimeout)
	c.Consensus.VerifySignatures = getBoolEnv("GUARDIAN_VERIFY_SIGNATURES", c.Consensus.VerifySignatures)
	c.Consensus.UnanimityHeuristic = getBoolEnv("GUARDIAN_UNANIMITY_HEURISTIC", c.Consensus.UnanimityHeuristic)
	c.PeerAudit.Enabled = getBoolEnv("GUARDIAN_PEER_AUDIT", c.PeerAudit.Enabled)
}

func (c *Config) applyDerived() {
	if c.ReportsDir == "" {
		c.ReportsDir = filepath.Join(c.DataDir, "reports")
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.MarkerPath == "" {
		c.MarkerPath = filepath.Join(c.DataDir, "destruction.json")
	}
	if len(c.Wipe.StatePaths) == 0 {
		c.Wipe.StatePaths = []string{c.SnapshotDir}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id cannot be empty")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be in 1..65535")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.ProtectedRoot == "" {
		return fmt.Errorf("protected_root cannot be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("max_history must be positive")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive")
	}
	if c.FinalHistory <= 0 {
		return fmt.Errorf("final_history must be positive")
	}
	if err := c.ConsensusConfig().Validate(); err != nil {
		return err
	}
	if len(c.Baselines) == 0 {
		return fmt.Errorf("at least one baseline is required")
	}
	if len(c.Participants) < c.Consensus.MinQuorum {
		return fmt.Errorf("%d participants cannot reach min_quorum %d", len(c.Participants), c.Consensus.MinQuorum)
	}

	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == "" {
			return fmt.Errorf("participant id cannot be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("participant %s listed twice", p.ID)
		}
		seen[p.ID] = true
		if c.Consensus.VerifySignatures && p.PublicKey == "" {
			return fmt.Errorf("participant %s has no public key", p.ID)
		}
	}
	return nil
}

// ConsensusConfig returns the engine parameters
func (c *Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		Threshold:    c.Consensus.Threshold,
		MinQuorum:    c.Consensus.MinQuorum,
		RoundTimeout: c.Consensus.RoundTimeout,
		Unanimity:    c.Consensus.UnanimityHeuristic,
	}
}

// ParticipantIDs returns the registered participant ids
func (c *Config) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.ID
	}
	return ids
}

// Authenticator builds the vote authenticator. The keyring holds the
// registered participants plus any extra credentials; a vote signed with an
// extra credential authenticates but is flagged as unregistered.
func (c *Config) Authenticator() (consensus.Authenticator, error) {
	if !c.Consensus.VerifySignatures {
		return consensus.NoVerification(), nil
	}

	keys := make(map[string]kyber.Point, len(c.Participants)+len(c.Keyring))
	for _, p := range append(append([]Participant{}, c.Participants...), c.Keyring...) {
		if _, dup := keys[p.ID]; dup {
			return nil, fmt.Errorf("key for %s listed twice", p.ID)
		}
		point, err := consensus.DecodePublic(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for %s: %w", p.ID, err)
		}
		keys[p.ID] = point
	}
	return consensus.NewVerifier(keys), nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv reads whole seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getMillisEnv reads whole milliseconds
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
