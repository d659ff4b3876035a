package types

// TierStats is the byte and blob footprint of one tier.
type TierStats struct {
	Blobs int64 `json:"blobs"`
	Bytes int64 `json:"bytes"`
}

// PeerStats summarizes one replication peer.
type PeerStats struct {
	Addr         string `json:"addr"`
	NodeID       string `json:"node_id,omitempty"`
	State        string `json:"state"` // connected | backoff | stale
	LastExchange string `json:"last_exchange,omitempty"`
	Failures     int    `json:"failures"`
}

// Stats is the engine-wide snapshot returned by the stats operation.
type Stats struct {
	NodeID      string               `json:"node_id"`
	Namespaces  int                  `json:"namespaces"`
	Keys        int                  `json:"keys"`
	Versions    int64                `json:"versions"`
	Blobs       int64                `json:"blobs"`
	Vectors     int64                `json:"vectors"`
	Tiers       map[string]TierStats `json:"tiers"`
	MemoryBytes int64                `json:"memory_bytes"` // HOT + WARM resident
	DiskBytes   int64                `json:"disk_bytes"`
	WALSegments int                  `json:"wal_segments"`
	Peers       []PeerStats          `json:"peers,omitempty"`
}
