package replication

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/metrics"
	"github.com/swyrknt/koru-delta/internal/types"
)

// acceptLoop serves inbound exchanges until the context ends.
func (r *Replicator) acceptLoop(ctx context.Context) error {
	for {
		raw, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go func() {
			if err := r.serve(ctx, raw); err != nil && err != io.EOF {
				debug.Logf("replication: inbound session from %s ended: %v", raw.RemoteAddr(), err)
			}
		}()
	}
}

// serve handles one inbound peer session. The dialer drives; we answer
// HELLO and VECTOR, stream requested versions, and record ACKs.
func (r *Replicator) serve(ctx context.Context, raw net.Conn) error {
	c := newConn(raw)
	defer c.Close()
	var peer *peerState
	shipped := make(map[types.ContentID]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.recv()
		if err != nil {
			return err
		}
		switch msg.Type {
		case MsgHello:
			hello, err := decodeHello(msg.Payload)
			if err != nil {
				return err
			}
			if hello.ListenAddr != "" {
				r.AddPeer(hello.ListenAddr)
				r.mu.Lock()
				peer = r.peers[hello.ListenAddr]
				r.mu.Unlock()
				if peer != nil {
					peer.mu.Lock()
					peer.nodeID = hello.NodeID
					peer.mu.Unlock()
				}
			}
			if err := c.send(MsgHello, encodeHello(Hello{
				NodeID:       r.node.NodeID(),
				ProtoVersion: ProtoVersion,
				ListenAddr:   r.node.ListenAddr(),
			})); err != nil {
				return err
			}
		case MsgVector:
			if _, err := decodeVector(msg.Payload); err != nil {
				return err
			}
			if err := c.send(MsgVector, encodeVector(r.node.VersionVector())); err != nil {
				return err
			}
		case MsgRequest:
			ranges, err := decodeRanges(msg.Payload)
			if err != nil {
				return err
			}
			if err := r.stream(ctx, c, ranges, shipped); err != nil {
				return err
			}
		case MsgAck:
			theirs, err := decodeVector(msg.Payload)
			if err != nil {
				return err
			}
			if peer != nil {
				peer.mu.Lock()
				peer.known = theirs
				peer.mu.Unlock()
			}
		case MsgBye:
			return nil
		default:
			return errProtocol
		}
	}
}

// stream ships the requested ranges: each version preceded by its blob
// when the blob was not already shipped on this session, ending with an
// ACK carrying our vector.
func (r *Replicator) stream(ctx context.Context, c *conn, ranges []types.SeqRange, shipped map[types.ContentID]bool) error {
	for _, rng := range ranges {
		for _, vf := range r.node.VersionsInRange(rng) {
			if !vf.Record.Tombstone && !shipped[vf.Record.ContentID] {
				data, err := r.node.BlobBytes(vf.Record.ContentID)
				if err == nil {
					if err := c.send(MsgBlob, encodeBlob(vf.Record.ContentID, data)); err != nil {
						return err
					}
					shipped[vf.Record.ContentID] = true
					metrics.Engine.FramesShipped.Add(ctx, 1)
				} else {
					debug.Logf("replication: blob %s unavailable for shipping: %v", vf.Record.ContentID, err)
				}
			}
			if err := c.send(MsgVersion, encodeVersionFrame(vf)); err != nil {
				return err
			}
			metrics.Engine.FramesShipped.Add(ctx, 1)
		}
	}
	return c.send(MsgAck, encodeVector(r.node.VersionVector()))
}
