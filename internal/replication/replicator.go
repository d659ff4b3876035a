package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/metrics"
	"github.com/swyrknt/koru-delta/internal/types"
)

// maxFailures marks a peer stale after this many consecutive failed
// exchanges. Stale peers are still retried; the label is for operators.
const maxFailures = 5

// dialTimeout bounds connection establishment.
const dialTimeout = 3 * time.Second

// Node is the engine surface replication drives. Received versions go
// through ApplyRemote — the standard write pipeline — so the replicator
// itself never touches storage.
type Node interface {
	NodeID() types.NodeID
	ListenAddr() string
	VersionVector() types.VersionVector
	// VersionsInRange returns the version frames for one origin's
	// sequence range, in sequence order, with embeddings attached.
	VersionsInRange(r types.SeqRange) []VersionFrame
	BlobBytes(id types.ContentID) ([]byte, error)
	HasBlob(id types.ContentID) bool
	// ApplyRemote admits a remote version. blobs supplies content
	// shipped in the same stream. ErrNotFound means a parent is missing
	// and the frame should be retried later.
	ApplyRemote(ctx context.Context, vf VersionFrame, blobs map[types.ContentID][]byte) error
}

// peerState tracks one known peer.
type peerState struct {
	mu        sync.Mutex
	addr      string
	nodeID    types.NodeID
	known     types.VersionVector // last vector the peer acknowledged
	failures  int
	lastOK    time.Time
	backoff   *backoff.ExponentialBackOff
	nextTry   time.Time
	pending   map[types.GlobalID]VersionFrame
	pendBlobs map[types.ContentID][]byte
}

func newPeerState(addr string) *peerState {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever
	return &peerState{
		addr:      addr,
		backoff:   bo,
		pending:   make(map[types.GlobalID]VersionFrame),
		pendBlobs: make(map[types.ContentID][]byte),
	}
}

// Replicator runs the gossip protocol: a listener for inbound exchanges
// and a loop initiating outbound rounds per peer.
type Replicator struct {
	node     Node
	interval time.Duration

	mu    sync.Mutex
	peers map[string]*peerState

	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	closed   bool
}

// New creates a replicator for the node. Call Start to begin gossiping.
func New(node Node, gossipInterval time.Duration) *Replicator {
	return &Replicator{
		node:     node,
		interval: gossipInterval,
		peers:    make(map[string]*peerState),
	}
}

// SetInterval adjusts the gossip cadence (config reload).
func (r *Replicator) SetInterval(d time.Duration) {
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
}

// AddPeer registers a peer address to gossip with.
func (r *Replicator) AddPeer(addr string) {
	if addr == "" || addr == r.node.ListenAddr() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; !ok {
		r.peers[addr] = newPeerState(addr)
		debug.Logf("replication: added peer %s", addr)
	}
}

// Start binds the listener (when bindAddr is non-empty) and launches the
// gossip loop.
func (r *Replicator) Start(ctx context.Context, bindAddr string, joinAddrs []string) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	r.group = group

	if bindAddr != "" {
		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to bind replication listener: %w", err)
		}
		r.listener = ln
		group.Go(func() error { return r.acceptLoop(ctx) })
	}
	for _, addr := range joinAddrs {
		r.AddPeer(addr)
	}
	group.Go(func() error { return r.gossipLoop(ctx) })
	return nil
}

// BoundAddr returns the listener address, or empty when not listening.
func (r *Replicator) BoundAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Close stops gossiping and the listener.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.listener != nil {
		r.listener.Close()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
	return nil
}

// PeerStats snapshots peer health for the stats surface.
func (r *Replicator) PeerStats() []types.PeerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.PeerStats, 0, len(r.peers))
	for _, p := range r.peers {
		p.mu.Lock()
		st := types.PeerStats{Addr: p.addr, Failures: p.failures, State: "connected"}
		if p.nodeID != (types.NodeID{}) {
			st.NodeID = p.nodeID.String()
		}
		if !p.lastOK.IsZero() {
			st.LastExchange = p.lastOK.UTC().Format(time.RFC3339)
		}
		if p.failures > 0 {
			st.State = "backoff"
		}
		if p.failures >= maxFailures {
			st.State = "stale"
		}
		p.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// gossipLoop initiates an exchange with each due peer every interval,
// with jitter so meshes do not synchronize.
func (r *Replicator) gossipLoop(ctx context.Context) error {
	for {
		r.mu.Lock()
		interval := r.interval
		r.mu.Unlock()
		jitter := time.Duration(rand.Int63n(int64(interval)/4 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval + jitter):
		}
		for _, p := range r.snapshotPeers() {
			p.mu.Lock()
			due := time.Now().After(p.nextTry)
			p.mu.Unlock()
			if !due {
				continue
			}
			if err := r.exchange(ctx, p); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.recordFailure(p, err)
			} else {
				r.recordSuccess(p)
			}
		}
	}
}

func (r *Replicator) snapshotPeers() []*peerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peerState, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Replicator) recordFailure(p *peerState, err error) {
	p.mu.Lock()
	p.failures++
	wait := p.backoff.NextBackOff()
	p.nextTry = time.Now().Add(wait)
	stale := p.failures == maxFailures
	p.mu.Unlock()
	debug.Logf("replication: exchange with %s failed (%v), backing off %s", p.addr, err, wait)
	if stale {
		debug.Logf("replication: peer %s marked stale", p.addr)
	}
}

func (r *Replicator) recordSuccess(p *peerState) {
	p.mu.Lock()
	p.failures = 0
	p.backoff.Reset()
	p.nextTry = time.Time{}
	p.lastOK = time.Now()
	p.mu.Unlock()
}

// SyncNow runs one synchronous exchange with every peer (tests, CLI).
func (r *Replicator) SyncNow(ctx context.Context) error {
	var firstErr error
	for _, p := range r.snapshotPeers() {
		if err := r.exchange(ctx, p); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s: %v", types.ErrPeerUnavailable, p.addr, err)
			}
			r.recordFailure(p, err)
		} else {
			r.recordSuccess(p)
		}
	}
	return firstErr
}

var errProtocol = errors.New("peer protocol violation")

// exchange runs one outbound anti-entropy round with a peer.
func (r *Replicator) exchange(ctx context.Context, p *peerState) error {
	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	c := newConn(raw)
	defer c.Close()

	if err := c.send(MsgHello, encodeHello(Hello{
		NodeID:       r.node.NodeID(),
		ProtoVersion: ProtoVersion,
		ListenAddr:   r.node.ListenAddr(),
	})); err != nil {
		return err
	}
	msg, err := c.recv()
	if err != nil {
		return err
	}
	if msg.Type != MsgHello {
		return errProtocol
	}
	hello, err := decodeHello(msg.Payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.nodeID = hello.NodeID
	p.mu.Unlock()

	mine := r.node.VersionVector()
	if err := c.send(MsgVector, encodeVector(mine)); err != nil {
		return err
	}
	msg, err = c.recv()
	if err != nil {
		return err
	}
	if msg.Type != MsgVector {
		return errProtocol
	}
	theirs, err := decodeVector(msg.Payload)
	if err != nil {
		return err
	}

	gaps := mine.MissingFrom(theirs)
	if len(gaps) > 0 {
		if err := c.send(MsgRequest, encodeRanges(gaps)); err != nil {
			return err
		}
		if err := r.receiveStream(ctx, c, p); err != nil {
			return err
		}
	}

	// Acknowledge with the updated vector; the peer records how far we
	// are and can skip re-shipping next round.
	if err := c.send(MsgAck, encodeVector(r.node.VersionVector())); err != nil {
		return err
	}
	return c.send(MsgBye, nil)
}

// receiveStream consumes BLOB and VERSION frames until the peer's ACK,
// applying versions in arrival order. Frames whose parents are not yet
// local are parked and retried at the end of the stream and on later
// rounds.
func (r *Replicator) receiveStream(ctx context.Context, c *conn, p *peerState) error {
	blobs := make(map[types.ContentID][]byte)
	for {
		msg, err := c.recv()
		if err != nil {
			return err
		}
		switch msg.Type {
		case MsgBlob:
			id, data, err := decodeBlob(msg.Payload)
			if err != nil {
				return err
			}
			blobs[id] = data
			metrics.Engine.FramesRecv.Add(ctx, 1)
		case MsgVersion:
			vf, err := decodeVersionFrame(msg.Payload)
			if err != nil {
				return err
			}
			metrics.Engine.FramesRecv.Add(ctx, 1)
			if err := r.node.ApplyRemote(ctx, vf, blobs); err != nil {
				if errors.Is(err, types.ErrNotFound) {
					r.park(p, vf, blobs)
					continue
				}
				return err
			}
		case MsgAck:
			theirs, err := decodeVector(msg.Payload)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.known = theirs
			p.mu.Unlock()
			r.retryPending(ctx, p)
			return nil
		default:
			return errProtocol
		}
	}
}

func (r *Replicator) park(p *peerState, vf VersionFrame, blobs map[types.ContentID][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[vf.Record.Global()] = vf
	if data, ok := blobs[vf.Record.ContentID]; ok {
		p.pendBlobs[vf.Record.ContentID] = data
	}
}

// retryPending re-applies parked frames until no progress is made.
func (r *Replicator) retryPending(ctx context.Context, p *peerState) {
	for {
		p.mu.Lock()
		frames := make([]VersionFrame, 0, len(p.pending))
		for _, vf := range p.pending {
			frames = append(frames, vf)
		}
		blobs := p.pendBlobs
		p.mu.Unlock()
		if len(frames) == 0 {
			return
		}
		progress := false
		for _, vf := range frames {
			if err := r.node.ApplyRemote(ctx, vf, blobs); err == nil {
				progress = true
				p.mu.Lock()
				delete(p.pending, vf.Record.Global())
				delete(p.pendBlobs, vf.Record.ContentID)
				p.mu.Unlock()
			}
		}
		if !progress {
			return
		}
	}
}
