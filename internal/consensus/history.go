package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"aegisflux/guardian/internal/store"
)

// History is the bounded record of completed rounds
type History struct {
	rounds *store.Ring[Result]
}

// NewHistory creates a history keeping at most capacity rounds
func NewHistory(capacity int) *History {
	return &History{rounds: store.NewRing[Result](capacity)}
}

// Add appends a completed round
func (h *History) Add(r Result) {
	h.rounds.Add(r)
}

// All returns the retained rounds, oldest first
func (h *History) All() []Result {
	return h.rounds.All()
}

// Len returns the number of retained rounds
func (h *History) Len() int {
	return h.rounds.Len()
}

// Get returns the round with the given id
func (h *History) Get(roundID string) (Result, bool) {
	return h.rounds.Find(func(r Result) bool { return r.RoundID == roundID })
}

// Stats summarizes the retained rounds
type Stats struct {
	TotalRounds       int              `json:"total_rounds"`
	AchievedRounds    int              `json:"achieved_rounds"`
	AchievedRate      float64          `json:"achieved_rate"`
	AverageDurationMs float64          `json:"average_duration_ms"`
	EvasionRounds     int              `json:"evasion_rounds"`
	Decisions         map[Decision]int `json:"decisions"`
}

// Stats computes statistics over the retained rounds
func (h *History) Stats() Stats {
	rounds := h.rounds.All()
	stats := Stats{
		TotalRounds: len(rounds),
		Decisions: map[Decision]int{
			DecisionApprove: 0,
			DecisionReject:  0,
			DecisionDefer:   0,
		},
	}
	if len(rounds) == 0 {
		return stats
	}

	var total time.Duration
	for _, r := range rounds {
		if r.QuorumAchieved {
			stats.AchievedRounds++
		}
		if len(r.EvasionReasons) > 0 {
			stats.EvasionRounds++
		}
		stats.Decisions[r.Decision]++
		total += r.Duration
	}

	stats.AchievedRate = float64(stats.AchievedRounds) / float64(len(rounds))
	stats.AverageDurationMs = float64(total.Microseconds()) / 1000 / float64(len(rounds))
	return stats
}

// Export writes the retained rounds to w as JSON
func (h *History) Export(w io.Writer) error {
	doc := struct {
		ExportedAt time.Time `json:"exported_at"`
		Stats      Stats     `json:"stats"`
		Rounds     []Result  `json:"rounds"`
	}{
		ExportedAt: time.Now().UTC(),
		Stats:      h.Stats(),
		Rounds:     h.rounds.All(),
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to export consensus history: %w", err)
	}
	return nil
}
