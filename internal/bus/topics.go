package bus

// AgentListEvent is a periodic snapshot of every agent's live status,
// published on TopicAgentList for dashboards/status CLIs that don't want
// to poll list_agents themselves.
type AgentListEvent struct {
	Agents []AgentListEntry
}

// AgentListEntry is one row of an AgentListEvent snapshot.
type AgentListEntry struct {
	AgentID     string
	DisplayName string
	Status      string // OFFLINE | WAITING | PROCESSING
	CurrentTask string
}
