package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swyrknt/koru-delta/internal/config"
	"github.com/swyrknt/koru-delta/internal/types"
)

func alwaysMode() config.FsyncMode { return config.FsyncMode{Kind: "always"} }

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Kind: KindPutVersion, Flags: FlagBatchMember, Payload: []byte("hello")}
	data, err := f.Encode()
	require.NoError(t, err)
	got, n, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, f.Kind, got.Kind)
	assert.Equal(t, f.Flags, got.Flags)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestFrameChecksumDetectsFlip(t *testing.T) {
	f := Frame{Kind: KindBlobBytes, Payload: []byte("payload bytes")}
	data, err := f.Encode()
	require.NoError(t, err)
	data[10] ^= 0x01
	_, _, err = DecodeFrame(data)
	assert.ErrorIs(t, err, types.ErrCorrupted)
}

func TestFrameTruncated(t *testing.T) {
	f := Frame{Kind: KindPutVersion, Payload: []byte("0123456789")}
	data, err := f.Encode()
	require.NoError(t, err)
	_, _, err = DecodeFrame(data[:len(data)-2])
	assert.ErrorIs(t, err, types.ErrCorrupted)
}

func TestVersionPayloadRoundTrip(t *testing.T) {
	rec := types.VersionRecord{
		VersionID: types.NewVersionID(),
		ContentID: types.ContentID{1, 2, 3},
		Origin:    types.NewNodeID(),
		Seq:       42,
		Timestamp: time.Now().UTC().Truncate(time.Nanosecond),
		VectorID:  9,
		Parents:   []types.VersionID{types.NewVersionID(), types.NewVersionID()},
	}
	addr := types.Address{Namespace: "users", Key: "alice"}
	p, err := DecodeVersion(EncodeVersion(addr, &rec), false)
	require.NoError(t, err)
	assert.Equal(t, addr, p.Address)
	assert.Equal(t, rec.VersionID, p.Record.VersionID)
	assert.Equal(t, rec.Parents, p.Record.Parents)
	assert.Equal(t, rec.Seq, p.Record.Seq)
	assert.True(t, rec.Timestamp.Equal(p.Record.Timestamp))
	assert.False(t, p.Record.Tombstone)

	p2, err := DecodeVersion(EncodeVersion(addr, &rec), true)
	require.NoError(t, err)
	assert.True(t, p2.Record.Tombstone)
}

func TestCheckpointPayloadRoundTrip(t *testing.T) {
	origin := types.NewNodeID()
	in := CheckpointPayload{LocalSeq: 17, Vector: types.VersionVector{origin: 5}}
	out, err := DecodeCheckpoint(EncodeCheckpoint(in))
	require.NoError(t, err)
	assert.Equal(t, in.LocalSeq, out.LocalSeq)
	assert.Equal(t, uint64(5), out.Vector[origin])
}

func TestAppendAndIterate(t *testing.T) {
	for _, backend := range []struct {
		name string
		mk   func(t *testing.T) Backend
	}{
		{"mem", func(t *testing.T) Backend { return OpenMem(1 << 20) }},
		{"fs", func(t *testing.T) Backend {
			b, err := OpenFS(t.TempDir(), 1<<20)
			require.NoError(t, err)
			return b
		}},
	} {
		t.Run(backend.name, func(t *testing.T) {
			l := NewLog(backend.mk(t), alwaysMode())
			defer l.Close()

			ctx := context.Background()
			for i := 0; i < 10; i++ {
				_, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte{byte(i)}})
				require.NoError(t, err)
			}
			var seen []byte
			res, err := Recover(l, func(rf RecoveredFrame) error {
				seen = append(seen, rf.Frame.Payload[0])
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 10, res.Frames)
			assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
		})
	}
}

func TestSegmentRotation(t *testing.T) {
	backend, err := OpenFS(t.TempDir(), 1<<16)
	require.NoError(t, err)
	l := NewLog(backend, alwaysMode())
	defer l.Close()

	ctx := context.Background()
	payload := make([]byte, 4096)
	for i := 0; i < 40; i++ {
		_, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: payload})
		require.NoError(t, err)
	}
	segs, err := backend.ListSegments()
	require.NoError(t, err)
	assert.Greater(t, len(segs), 1, "expected rotation to produce multiple segments")
	for _, s := range segs[:len(segs)-1] {
		assert.True(t, s.Sealed, "non-final segment %d should be sealed", s.Seq)
	}

	count := 0
	_, err = Recover(l, func(RecoveredFrame) error { count++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 40, count)
}

func TestRecoverTruncatesDamagedTail(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenFS(dir, 1<<20)
	require.NoError(t, err)
	l := NewLog(backend, alwaysMode())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Tear the tail: chop the last frame mid-body.
	files, err := filepath.Glob(filepath.Join(dir, "wal-*.seg"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-3))

	backend2, err := OpenFS(dir, 1<<20)
	require.NoError(t, err)
	l2 := NewLog(backend2, alwaysMode())
	defer l2.Close()

	var seen int
	res, err := Recover(l2, func(RecoveredFrame) error { seen++; return nil })
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 4, seen, "the torn fifth frame must be discarded")

	// The log continues from the intact boundary.
	_, err = l2.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte{99}})
	require.NoError(t, err)
	seen = 0
	_, err = Recover(l2, func(RecoveredFrame) error { seen++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 5, seen)
}

func TestRecoverDiscardsTornBatch(t *testing.T) {
	backend := OpenMem(1 << 20)
	l := NewLog(backend, alwaysMode())

	ctx := context.Background()
	_, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte{1}})
	require.NoError(t, err)
	// Batch of two, but the end marker never lands: simulate the torn
	// write by appending members without FlagBatchEnd.
	_, err = l.Append(ctx,
		Frame{Kind: KindPutVersion, Flags: FlagBatchMember, Payload: []byte{2}},
		Frame{Kind: KindPutVersion, Flags: FlagBatchMember, Payload: []byte{3}},
	)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2 := NewLog(backend, alwaysMode())
	defer l2.Close()
	var applied []byte
	_, err = Recover(l2, func(rf RecoveredFrame) error {
		applied = append(applied, rf.Frame.Payload[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, applied, "torn batch members must not be applied")
}

func TestBatchAppliedWhenComplete(t *testing.T) {
	backend := OpenMem(1 << 20)
	l := NewLog(backend, alwaysMode())

	ctx := context.Background()
	_, err := l.Append(ctx,
		Frame{Kind: KindPutVersion, Flags: FlagBatchMember, Payload: []byte{1}},
		Frame{Kind: KindPutVersion, Flags: FlagBatchMember | FlagBatchEnd, Payload: []byte{2}},
	)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2 := NewLog(backend, alwaysMode())
	defer l2.Close()
	var applied []byte
	_, err = Recover(l2, func(rf RecoveredFrame) error {
		applied = append(applied, rf.Frame.Payload[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, applied)
}

func TestCheckpointTracked(t *testing.T) {
	backend := OpenMem(1 << 20)
	l := NewLog(backend, alwaysMode())
	defer l.Close()

	ctx := context.Background()
	pos, err := l.Checkpoint(ctx, CheckpointPayload{LocalSeq: 3, Vector: types.VersionVector{}})
	require.NoError(t, err)
	assert.Equal(t, pos, l.LastCheckpoint())

	res, err := Recover(l, func(RecoveredFrame) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, res.LastCheckpoint)
	assert.Equal(t, uint64(3), res.LastCheckpoint.LocalSeq)
	assert.Equal(t, pos, res.LastCheckpointPos)
}

func TestReadFrameAt(t *testing.T) {
	backend := OpenMem(1 << 20)
	l := NewLog(backend, alwaysMode())
	defer l.Close()

	ctx := context.Background()
	positions, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte("abc")})
	require.NoError(t, err)
	f, err := l.ReadFrameAt(positions[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), f.Payload)
}

func TestIntervalModeAcksBeforeFsync(t *testing.T) {
	backend := OpenMem(1 << 20)
	l := NewLog(backend, config.FsyncMode{Kind: "interval", Interval: 50 * time.Millisecond})
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	_, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte("x")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond,
		"interval mode must not block acks on the fsync window")
}

func TestAppendCancelledContext(t *testing.T) {
	backend := OpenMem(1 << 20)
	l := NewLog(backend, alwaysMode())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Append(ctx, Frame{Kind: KindBlobBytes, Payload: []byte("x")})
	assert.ErrorIs(t, err, types.ErrCancelled)
}
