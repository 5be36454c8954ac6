package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangeSubject carries live configuration changes
const ChangeSubject = "config.changed"

// Live configuration keys. Thresholds, quorum and digests are not among them;
// they change only through the pinned configuration file.
const (
	KeySweepInterval = "guardian.sweep_interval_seconds"
	KeyRoundTimeout  = "guardian.round_timeout_ms"
	KeyLogLevel      = "guardian.log_level"
)

// LiveSettings are the tunables that may change at runtime
type LiveSettings struct {
	SweepInterval time.Duration `json:"sweep_interval"`
	RoundTimeout  time.Duration `json:"round_timeout"`
	LogLevel      string        `json:"log_level"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// ChangeMessage is a configuration change published on ChangeSubject
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// Manager applies live configuration changes received over NATS
type Manager struct {
	nc          *nats.Conn
	logger      *slog.Logger
	mu          sync.RWMutex
	current     LiveSettings
	subscribers []func(LiveSettings)
	sub         *nats.Subscription
}

// NewManager creates a manager seeded from cfg
func NewManager(nc *nats.Conn, cfg *Config, logger *slog.Logger) *Manager {
	return &Manager{
		nc:     nc,
		logger: logger.With("component", "config"),
		current: LiveSettings{
			SweepInterval: cfg.SweepInterval,
			RoundTimeout:  cfg.Consensus.RoundTimeout,
			LogLevel:      cfg.LogLevel,
			LastUpdated:   time.Now().UTC(),
		},
	}
}

// Start subscribes to ChangeSubject
func (m *Manager) Start() error {
	sub, err := m.nc.Subscribe(ChangeSubject, func(msg *nats.Msg) {
		m.HandleChange(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ChangeSubject, err)
	}
	m.sub = sub
	m.logger.Info("Subscribed to configuration changes", "subject", ChangeSubject)
	return nil
}

// Stop unsubscribes
func (m *Manager) Stop() error {
	if m.sub == nil {
		return nil
	}
	return m.sub.Unsubscribe()
}

// Current returns the live settings
func (m *Manager) Current() LiveSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a callback run after every applied change
func (m *Manager) Subscribe(callback func(LiveSettings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

// HandleChange applies one change message. Unknown and non-live keys are ignored.
func (m *Manager) HandleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}
	if !strings.HasPrefix(change.Key, "guardian.") {
		return
	}

	m.mu.Lock()
	next := m.current
	applied, err := apply(&next, change)
	if applied {
		next.LastUpdated = time.Now().UTC()
		if change.Timestamp > 0 {
			next.LastUpdated = time.Unix(change.Timestamp, 0).UTC()
		}
		m.current = next
	}
	subscribers := append([]func(LiveSettings){}, m.subscribers...)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Rejected configuration change",
			"key", change.Key,
			"updated_by", change.UpdatedBy,
			"error", err)
		return
	}
	if !applied {
		m.logger.Warn("Ignoring change to setting that is not live-tunable",
			"key", change.Key,
			"updated_by", change.UpdatedBy)
		return
	}

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"sweep_interval", next.SweepInterval.String(),
		"round_timeout", next.RoundTimeout.String(),
		"log_level", next.LogLevel)

	for _, cb := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			cb(next)
		}()
	}
}

func apply(s *LiveSettings, change ChangeMessage) (bool, error) {
	switch change.Key {
	case KeySweepInterval:
		n, err := positiveInt(change.Value)
		if err != nil {
			return false, err
		}
		s.SweepInterval = time.Duration(n) * time.Second
	case KeyRoundTimeout:
		n, err := positiveInt(change.Value)
		if err != nil {
			return false, err
		}
		s.RoundTimeout = time.Duration(n) * time.Millisecond
	case KeyLogLevel:
		var level string
		if err := json.Unmarshal(change.Value, &level); err != nil {
			return false, fmt.Errorf("log level must be a string: %w", err)
		}
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			s.LogLevel = strings.ToLower(level)
		default:
			return false, fmt.Errorf("unknown log level %q", level)
		}
	default:
		return false, nil
	}
	return true, nil
}

// positiveInt accepts a JSON number or a quoted integer
func positiveInt(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("value must be an integer")
		}
		if n, err = strconv.Atoi(s); err != nil {
			return 0, fmt.Errorf("value must be an integer")
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}
