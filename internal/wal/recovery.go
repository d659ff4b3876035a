package wal

import (
	"fmt"

	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/types"
)

// RecoveredFrame is one intact frame yielded by the recovery scan.
type RecoveredFrame struct {
	Frame Frame
	Pos   Position
}

// ScanResult summarizes a recovery pass.
type ScanResult struct {
	// LastCheckpoint is the most recent checkpoint payload, if any.
	LastCheckpoint *CheckpointPayload
	// LastCheckpointPos is its position.
	LastCheckpointPos Position
	// Truncated reports whether a damaged tail was discarded.
	Truncated bool
	// Frames is the number of intact frames seen.
	Frames int
}

// Recover scans the log forward, invoking apply for every intact frame
// in order. A damaged tail on the active segment is truncated to the
// last intact frame boundary; damage on a sealed segment is fatal, since
// sealed segments were fsynced before their successors existed.
//
// Batch atomicity: frames flagged FlagBatchMember are buffered and only
// applied once the FlagBatchEnd member arrives; a batch cut off by a
// crash is discarded whole.
func Recover(l *Log, apply func(RecoveredFrame) error) (ScanResult, error) {
	var res ScanResult
	it, err := l.backend.IterFrom(Position{})
	if err != nil {
		return res, fmt.Errorf("failed to open wal iterator: %w", err)
	}

	var batch []RecoveredFrame
	for {
		f, pos, ok := it.Next()
		if !ok {
			break
		}
		res.Frames++
		rf := RecoveredFrame{Frame: f, Pos: pos}
		if f.Kind == KindCheckpoint {
			ckpt, err := DecodeCheckpoint(f.Payload)
			if err != nil {
				return res, fmt.Errorf("checkpoint at %d/%d: %w", pos.Segment, pos.Offset, err)
			}
			res.LastCheckpoint = &ckpt
			res.LastCheckpointPos = pos
			l.setLastCheckpoint(pos)
		}
		if f.Flags&FlagBatchMember != 0 {
			batch = append(batch, rf)
			if f.Flags&FlagBatchEnd == 0 {
				continue
			}
			for _, member := range batch {
				if err := apply(member); err != nil {
					return res, err
				}
			}
			batch = batch[:0]
			continue
		}
		if err := apply(rf); err != nil {
			return res, err
		}
	}

	if len(batch) > 0 {
		debug.Logf("wal: discarding %d-frame torn batch at recovery", len(batch))
	}

	if it.Damaged() {
		if !it.OnActiveSegment() {
			return res, fmt.Errorf("%w: damaged frame in sealed segment %d", types.ErrCorrupted, it.Pos().Segment)
		}
		boundary := it.Pos()
		debug.Logf("wal: damaged tail at %d/%d, truncating", boundary.Segment, boundary.Offset)
		if err := l.backend.TruncateActive(boundary.Offset); err != nil {
			return res, err
		}
		res.Truncated = true
	}
	return res, nil
}
