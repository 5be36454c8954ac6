package violation

import "sort"

// ProtocolID identifies the protocol a violation breaks (for example "C1-02")
type ProtocolID string

const (
	ProtocolNoHarm                 ProtocolID = "C0-01"
	ProtocolPreserveImmutables     ProtocolID = "C0-02"
	ProtocolHumanControl           ProtocolID = "C0-03"
	ProtocolAntiReplication        ProtocolID = "C0-04"
	ProtocolSupervisorImmutability ProtocolID = "C1-01"
	ProtocolConsensusConsistency   ProtocolID = "C1-02"
	ProtocolKnowledgeBaseIntegrity ProtocolID = "C1-03"
	ProtocolChannelSecurity        ProtocolID = "C1-04"
	ProtocolPerformance            ProtocolID = "C2-01"
	ProtocolResourceAnomaly        ProtocolID = "C2-02"
)

// Protocol is one row of the classification table
type Protocol struct {
	ID   ProtocolID `json:"id"`
	Name string     `json:"name"`
	Tier Tier       `json:"tier"`
}

var protocolTable = map[ProtocolID]Protocol{
	ProtocolNoHarm:                 {ProtocolNoHarm, "NO_HARM", TierExistential},
	ProtocolPreserveImmutables:     {ProtocolPreserveImmutables, "PRESERVE_IMMUTABLES", TierExistential},
	ProtocolHumanControl:           {ProtocolHumanControl, "HUMAN_CONTROL", TierExistential},
	ProtocolAntiReplication:        {ProtocolAntiReplication, "ANTI_REPLICATION", TierExistential},
	ProtocolSupervisorImmutability: {ProtocolSupervisorImmutability, "SUPERVISOR_IMMUTABILITY", TierIntegrity},
	ProtocolConsensusConsistency:   {ProtocolConsensusConsistency, "CONSENSUS_CONSISTENCY", TierIntegrity},
	ProtocolKnowledgeBaseIntegrity: {ProtocolKnowledgeBaseIntegrity, "KNOWLEDGE_BASE_INTEGRITY", TierIntegrity},
	ProtocolChannelSecurity:        {ProtocolChannelSecurity, "CHANNEL_SECURITY", TierIntegrity},
	ProtocolPerformance:            {ProtocolPerformance, "PERFORMANCE_DEGRADATION", TierOperational},
	ProtocolResourceAnomaly:        {ProtocolResourceAnomaly, "RESOURCE_ANOMALY", TierOperational},
}

// Classifier maps protocol ids to criticality tiers using an explicit table.
type Classifier struct {
	table map[ProtocolID]Protocol
}

// NewClassifier creates a classifier over the built-in protocol table
func NewClassifier() *Classifier {
	return &Classifier{table: protocolTable}
}

// Classify looks up a protocol. Unknown ids come back as INTEGRITY with ok=false.
func (c *Classifier) Classify(id ProtocolID) (Protocol, bool) {
	if p, ok := c.table[id]; ok {
		return p, true
	}
	return Protocol{ID: id, Name: "UNKNOWN", Tier: TierIntegrity}, false
}

// Tier returns the tier for a protocol id
func (c *Classifier) Tier(id ProtocolID) Tier {
	p, _ := c.Classify(id)
	return p.Tier
}

// Known reports whether id is in the table
func (c *Classifier) Known(id ProtocolID) bool {
	_, ok := c.table[id]
	return ok
}

// ForBaseline picks the protocol a baseline mismatch violates
func (c *Classifier) ForBaseline(tier Tier, override ProtocolID) ProtocolID {
	if override != "" {
		return override
	}
	switch tier {
	case TierExistential:
		return ProtocolPreserveImmutables
	case TierIntegrity:
		return ProtocolSupervisorImmutability
	default:
		return ProtocolResourceAnomaly
	}
}

// Protocols returns the full table ordered by id
func (c *Classifier) Protocols() []Protocol {
	out := make([]Protocol, 0, len(c.table))
	for _, p := range c.table {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
