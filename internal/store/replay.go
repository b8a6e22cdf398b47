package store

import (
	"context"
	"fmt"

	"github.com/roach88/scenesync/internal/crdt"
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	SnapshotSeq int64
	Batches     int
	LastSeq     int64
}

// Replay feeds a scene's history to apply: the latest snapshot (encoded as
// a wire batch) followed by every batch logged after it, in seq order.
// Feeding a fresh bridge reproduces the live scene state.
func (s *Store) Replay(ctx context.Context, sceneID string, apply func(batch []byte)) (ReplayResult, error) {
	var res ReplayResult

	snap, ok, err := s.ReadLatestSnapshot(ctx, sceneID)
	if err != nil {
		return res, err
	}
	if ok {
		state, err := crdt.UnmarshalState(snap.State)
		if err != nil {
			return res, fmt.Errorf("replay %s: %w", sceneID, err)
		}
		apply(crdt.Encode(nil, state.Snapshot(nil)...))
		res.SnapshotSeq = snap.Seq
		res.LastSeq = snap.Seq
	}

	batches, err := s.ReadBatches(ctx, sceneID, res.SnapshotSeq)
	if err != nil {
		return res, err
	}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		apply(b.Payload)
		res.Batches++
		res.LastSeq = b.Seq
	}
	return res, nil
}

// ReplayState rebuilds a scene's CRDT state from its history, applying
// only messages accepted by keep (nil keeps everything).
func (s *Store) ReplayState(ctx context.Context, sceneID string, keep func(crdt.Message) bool) (*crdt.State, ReplayResult, error) {
	state := crdt.NewState()
	var msgs []crdt.Message
	res, err := s.Replay(ctx, sceneID, func(batch []byte) {
		msgs = crdt.Decode(batch, msgs[:0], nil)
		for _, m := range msgs {
			if keep == nil || keep(m) {
				state.Apply(m)
			}
		}
	})
	return state, res, err
}

// GetLastSeq returns the highest seq used anywhere in the store, or 0.
// The orchestrator resumes its sequence clock from here.
func (s *Store) GetLastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT MAX(seq) AS seq FROM scenes
			UNION ALL SELECT MAX(seq) FROM batches
			UNION ALL SELECT MAX(seq) FROM snapshots
			UNION ALL SELECT MAX(seq) FROM fault_reports
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq, nil
}
