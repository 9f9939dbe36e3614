package topology

// Topology update event types
const (
	EventNodeJoin  = "node_join"
	EventNodeLeave = "node_leave"
)

// UpdateBroadcaster is notified when the topology changes. It lets the
// manager reach external systems (like WebSocket clients) without depending
// on them.
type UpdateBroadcaster interface {
	// BroadcastTopologyUpdate sends an update notification. The update is
	// serialized by the broadcaster.
	BroadcastTopologyUpdate(update any) error
}

// UpdateEvent describes one topology change.
type UpdateEvent struct {
	Type      string `json:"type"`      // "node_join", "node_leave"
	NodeID    string `json:"node_id"`   // Node that joined or left
	Version   int64  `json:"version"`   // Topology version after the change
	Nodes     int    `json:"nodes"`     // Nodes in the new topology
	Moved     int    `json:"moved"`     // Partitions whose primary changed
	Timestamp int64  `json:"timestamp"` // Unix timestamp
	Message   string `json:"message"`   // Human-readable message
}
