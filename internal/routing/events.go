package routing

// Routing update event types
const (
	EventContactAdded     = "contact_added"
	EventContactRefreshed = "contact_refreshed"
	EventContactEvicted   = "contact_evicted"
)

// Broadcaster receives routing table changes. It lets the table notify
// external systems such as websocket clients without importing them.
type Broadcaster interface {
	// BroadcastRoutingUpdate must not block.
	BroadcastRoutingUpdate(update any) error
}

// Event describes a single routing table change.
type Event struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Addr      string `json:"addr"`
	Bucket    int    `json:"bucket"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}
