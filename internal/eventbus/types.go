package eventbus

import (
	"time"

	"github.com/swyrknt/koru-delta/internal/types"
)

// EventType enumerates engine lifecycle events.
type EventType string

const (
	// EventVersionCommitted fires after a version's WAL frames are
	// durable and the index reflects it.
	EventVersionCommitted EventType = "VersionCommitted"
	// EventVersionReceived fires when replication admits a remote
	// version through the write pipeline.
	EventVersionReceived EventType = "VersionReceived"
	// EventBlobEvicted fires when the tier manager demotes a blob out of
	// memory.
	EventBlobEvicted EventType = "BlobEvicted"
	// EventCheckpoint fires after a checkpoint frame is durable.
	EventCheckpoint EventType = "Checkpoint"
	// EventPeerStale names a peer exceeding its failure budget. The
	// replicator only logs stale peers; nothing in the engine dispatches
	// this event.
	EventPeerStale EventType = "PeerStale"
)

// Event is a single engine event flowing through the bus.
type Event struct {
	Type EventType
	Time time.Time

	// Populated for version events.
	Address types.Address
	Record  *types.VersionRecord

	// Populated for blob events.
	ContentID types.ContentID
	FromTier  types.Tier
	ToTier    types.Tier

	// Populated for peer events.
	PeerAddr string
}
