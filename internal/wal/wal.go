package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swyrknt/koru-delta/internal/config"
	"github.com/swyrknt/koru-delta/internal/metrics"
	"github.com/swyrknt/koru-delta/internal/types"
)

// Log is the write-ahead log: a single-owner writer goroutine fed by a
// producer queue. Append batches from concurrent producers coalesce into
// group commits; under fsync mode "always" no append is acknowledged
// before its bytes are fsynced, under "interval" the fsync may trail the
// acknowledgement by at most the configured window, and under "os" the
// OS page cache is trusted.
type Log struct {
	backend Backend

	reqs chan *appendReq
	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	mode     config.FsyncMode
	lastCkpt Position
	closed   bool
}

type appendReq struct {
	frames [][]byte // pre-encoded
	reply  chan appendReply
}

type appendReply struct {
	positions []Position
	err       error
}

// NewLog starts the writer over the given backend.
func NewLog(backend Backend, mode config.FsyncMode) *Log {
	l := &Log{
		backend: backend,
		reqs:    make(chan *appendReq, 256),
		stop:    make(chan struct{}),
		mode:    mode,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// SetFsyncMode swaps the fsync policy at runtime (config reload).
func (l *Log) SetFsyncMode(mode config.FsyncMode) {
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()
}

func (l *Log) fsyncMode() config.FsyncMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Append encodes the frames, hands them to the writer, and returns their
// positions once the active fsync policy allows acknowledgement. The
// frames of one call are appended contiguously: a batch never interleaves
// with another producer's frames.
func (l *Log) Append(ctx context.Context, frames ...Frame) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	encoded := make([][]byte, len(frames))
	for i := range frames {
		data, err := frames[i].Encode()
		if err != nil {
			return nil, err
		}
		encoded[i] = data
	}
	req := &appendReq{frames: encoded, reply: make(chan appendReply, 1)}
	select {
	case l.reqs <- req:
	case <-l.stop:
		return nil, fmt.Errorf("%w: wal closed", types.ErrInternal)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
	}
	// Once enqueued the write happens regardless of cancellation; a
	// caller that gives up here still gets a durable write, per the
	// pipeline's cancellation contract.
	select {
	case rep := <-req.reply:
		return rep.positions, rep.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
	}
}

// run is the single-owner writer loop.
func (l *Log) run() {
	defer l.wg.Done()
	var pendingAcks []*appendReq
	var pendingPositions [][]Position
	var dirty bool
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var lastSync time.Time

	flush := func(force bool) {
		mode := l.fsyncMode()
		switch mode.Kind {
		case "always":
			if dirty {
				if err := l.backend.Fsync(); err != nil {
					l.failPending(&pendingAcks, &pendingPositions, err)
					return
				}
				metrics.Engine.WALFsyncs.Add(context.Background(), 1)
				dirty = false
			}
			l.ackPending(&pendingAcks, &pendingPositions)
		case "interval":
			// Acks do not wait; fsync trails by at most the window.
			l.ackPending(&pendingAcks, &pendingPositions)
			if dirty && (force || time.Since(lastSync) >= mode.Interval) {
				if err := l.backend.Fsync(); err == nil {
					metrics.Engine.WALFsyncs.Add(context.Background(), 1)
					lastSync = time.Now()
					dirty = false
				}
			}
		default: // os
			l.ackPending(&pendingAcks, &pendingPositions)
			dirty = false
		}
	}

	for {
		select {
		case req := <-l.reqs:
			batch := []*appendReq{req}
			// Drain whatever else is queued into this group commit.
		drain:
			for len(batch) < 128 {
				select {
				case more := <-l.reqs:
					batch = append(batch, more)
				default:
					break drain
				}
			}
			for _, r := range batch {
				positions := make([]Position, len(r.frames))
				var err error
				for i, data := range r.frames {
					positions[i], err = l.backend.AppendFrame(data)
					if err != nil {
						break
					}
				}
				if err != nil {
					r.reply <- appendReply{err: fmt.Errorf("failed to append wal frames: %w", err)}
					continue
				}
				dirty = true
				pendingAcks = append(pendingAcks, r)
				pendingPositions = append(pendingPositions, positions)
			}
			flush(false)
		case <-ticker.C:
			flush(false)
		case <-l.stop:
			// Drain the queue, then force a final fsync.
			for {
				select {
				case req := <-l.reqs:
					positions := make([]Position, len(req.frames))
					var err error
					for i, data := range req.frames {
						positions[i], err = l.backend.AppendFrame(data)
						if err != nil {
							break
						}
					}
					if err != nil {
						req.reply <- appendReply{err: err}
						continue
					}
					dirty = true
					pendingAcks = append(pendingAcks, req)
					pendingPositions = append(pendingPositions, positions)
				default:
					if dirty {
						_ = l.backend.Fsync()
					}
					l.ackPending(&pendingAcks, &pendingPositions)
					return
				}
			}
		}
	}
}

func (l *Log) ackPending(reqs *[]*appendReq, positions *[][]Position) {
	for i, r := range *reqs {
		r.reply <- appendReply{positions: (*positions)[i]}
	}
	*reqs = (*reqs)[:0]
	*positions = (*positions)[:0]
}

func (l *Log) failPending(reqs *[]*appendReq, positions *[][]Position, err error) {
	for _, r := range *reqs {
		r.reply <- appendReply{err: fmt.Errorf("wal fsync failed: %w", err)}
	}
	*reqs = (*reqs)[:0]
	*positions = (*positions)[:0]
}

// Checkpoint appends a checkpoint frame and fsyncs regardless of policy.
func (l *Log) Checkpoint(ctx context.Context, payload CheckpointPayload) (Position, error) {
	positions, err := l.Append(ctx, Frame{Kind: KindCheckpoint, Payload: EncodeCheckpoint(payload)})
	if err != nil {
		return Position{}, err
	}
	if err := l.backend.Fsync(); err != nil {
		return Position{}, fmt.Errorf("failed to fsync checkpoint: %w", err)
	}
	metrics.Engine.WALFsyncs.Add(ctx, 1)
	l.mu.Lock()
	l.lastCkpt = positions[0]
	l.mu.Unlock()
	return positions[0], nil
}

// LastCheckpoint returns the position of the most recent checkpoint
// written or observed during recovery.
func (l *Log) LastCheckpoint() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCkpt
}

func (l *Log) setLastCheckpoint(pos Position) {
	l.mu.Lock()
	l.lastCkpt = pos
	l.mu.Unlock()
}

// ReadFrameAt reads and decodes the frame at pos, verifying its
// checksum.
func (l *Log) ReadFrameAt(pos Position) (Frame, error) {
	raw, err := l.backend.ReadFrameAt(pos)
	if err != nil {
		return Frame{}, err
	}
	f, _, err := DecodeFrame(raw)
	return f, err
}

// Backend exposes the underlying segment store for stats and the tier
// manager's cold reads.
func (l *Log) Backend() Backend { return l.backend }

// DiskBytes reports total segment bytes.
func (l *Log) DiskBytes() int64 { return l.backend.DiskBytes() }

// SegmentCount reports the number of segments.
func (l *Log) SegmentCount() int {
	segs, err := l.backend.ListSegments()
	if err != nil {
		return 0
	}
	return len(segs)
}

// Close stops the writer, flushes, and closes the backend.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stop)
	l.wg.Wait()
	return l.backend.Close()
}
