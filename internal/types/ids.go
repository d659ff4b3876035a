package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ContentID is the 256-bit hash of a value's canonical bytes; the sole
// identity of a value blob.
type ContentID [32]byte

// ZeroContentID is the all-zero content ID, used only as an absent marker.
var ZeroContentID ContentID

func (c ContentID) String() string { return hex.EncodeToString(c[:]) }

// IsZero reports whether the ID is the absent marker.
func (c ContentID) IsZero() bool { return c == ZeroContentID }

// ParseContentID parses the hex form produced by String.
func ParseContentID(s string) (ContentID, error) {
	var c ContentID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(c) {
		return c, fmt.Errorf("%w: malformed content id %q", ErrInvalidValue, s)
	}
	copy(c[:], b)
	return c, nil
}

// VersionID is the 16-byte unique identifier of a version record,
// monotonic within its issuing node (UUIDv7).
type VersionID [16]byte

// ZeroVersionID is the absent marker.
var ZeroVersionID VersionID

func (v VersionID) String() string { return uuid.UUID(v).String() }

// IsZero reports whether the ID is the absent marker.
func (v VersionID) IsZero() bool { return v == ZeroVersionID }

// ParseVersionID parses the UUID string form.
func ParseVersionID(s string) (VersionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroVersionID, fmt.Errorf("%w: malformed version id %q", ErrInvalidValue, s)
	}
	return VersionID(u), nil
}

// NewVersionID issues a fresh time-ordered version ID.
func NewVersionID() VersionID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than panic in a write path.
		u = uuid.New()
	}
	return VersionID(u)
}

// NodeID identifies a node in the replication mesh.
type NodeID [16]byte

func (n NodeID) String() string { return uuid.UUID(n).String() }

// NewNodeID issues a fresh node identity.
func NewNodeID() NodeID { return NodeID(uuid.New()) }

// ParseNodeID parses the UUID string form.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: malformed node id %q", ErrInvalidValue, s)
	}
	return NodeID(u), nil
}

// Compare orders node IDs lexicographically, for the dominant-head
// tie-break.
func (n NodeID) Compare(o NodeID) int { return bytes.Compare(n[:], o[:]) }
