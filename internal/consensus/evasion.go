package consensus

import (
	"fmt"
	"sort"
)

// UnanimityHeuristic is the name of the suspicious unanimity tripwire
const UnanimityHeuristic = "all_approve_max_confidence"

// minUnanimityVotes is the smallest vote set the unanimity heuristic looks at
const minUnanimityVotes = 3

// EvasionPolicy configures the structural checks applied to an authenticated vote set
type EvasionPolicy struct {
	MinQuorum  int
	Registered map[string]struct{}
	// Unanimity enables the all-approve-at-full-confidence heuristic
	Unanimity bool
}

// DetectEvasion applies every check and returns one reason per match.
// No reasons means the vote set looks structurally sound.
func DetectEvasion(votes []Vote, policy EvasionPolicy) []string {
	var reasons []string

	if len(votes) < policy.MinQuorum {
		reasons = append(reasons, fmt.Sprintf("insufficient votes: %d < %d", len(votes), policy.MinQuorum))
	}

	counts := make(map[string]int, len(votes))
	for _, v := range votes {
		counts[v.Participant]++
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if counts[id] > 1 {
			reasons = append(reasons, fmt.Sprintf("duplicate votes from participant %s (%d votes)", id, counts[id]))
		}
	}

	for _, id := range ids {
		if _, ok := policy.Registered[id]; !ok {
			reasons = append(reasons, fmt.Sprintf("vote from unregistered participant %s", id))
		}
	}

	if policy.Unanimity && suspiciousUnanimity(votes) {
		reasons = append(reasons, fmt.Sprintf("suspicious pattern (%s): all %d votes APPROVE with maximum confidence", UnanimityHeuristic, len(votes)))
	}

	return reasons
}

func suspiciousUnanimity(votes []Vote) bool {
	if len(votes) < minUnanimityVotes {
		return false
	}
	for _, v := range votes {
		if v.Decision != DecisionApprove || v.Confidence != 1.0 {
			return false
		}
	}
	return true
}

// Aggregate computes the final decision over the authenticated votes. Fewer
// than minQuorum votes always yields DEFER without quorum; the ratios are
// still reported.
func Aggregate(votes []Vote, threshold float64, minQuorum int) (decision Decision, achieved bool, approveRatio, rejectRatio float64) {
	if len(votes) == 0 {
		return DecisionDefer, false, 0, 0
	}

	var approve, reject int
	for _, v := range votes {
		switch v.Decision {
		case DecisionApprove:
			approve++
		case DecisionReject:
			reject++
		}
	}

	total := float64(len(votes))
	approveRatio = float64(approve) / total
	rejectRatio = float64(reject) / total

	switch {
	case len(votes) < minQuorum:
		return DecisionDefer, false, approveRatio, rejectRatio
	case approveRatio >= threshold:
		return DecisionApprove, true, approveRatio, rejectRatio
	case rejectRatio >= threshold:
		return DecisionReject, true, approveRatio, rejectRatio
	default:
		return DecisionDefer, false, approveRatio, rejectRatio
	}
}
