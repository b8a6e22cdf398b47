package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/scenesync/internal/crdt"
)

// ReadScenes returns every registered scene ordered by seq.
func (s *Store) ReadScenes(ctx context.Context) ([]SceneRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition, seq FROM scenes
		ORDER BY seq ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read scenes: %w", err)
	}
	defer rows.Close()

	var out []SceneRecord
	for rows.Next() {
		var rec SceneRecord
		var def string
		if err := rows.Scan(&rec.ID, &def, &rec.Seq); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		if err := json.Unmarshal([]byte(def), &rec.Definition); err != nil {
			return nil, fmt.Errorf("decode scene %s definition: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadBatches returns a scene's batches with seq greater than after, in
// seq order.
func (s *Store) ReadBatches(ctx context.Context, sceneID string, after int64) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, origin, frame, payload FROM batches
		WHERE scene_id = ? AND seq > ?
		ORDER BY seq ASC
	`, sceneID, after)
	if err != nil {
		return nil, fmt.Errorf("read batches %s: %w", sceneID, err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b := Batch{SceneID: sceneID}
		var origin string
		var frame int64
		if err := rows.Scan(&b.Seq, &origin, &frame, &b.Payload); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Origin = Origin(origin)
		b.Frame = uint64(frame)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ReadLatestSnapshot returns the scene's newest snapshot after verifying
// its digest. ok is false when the scene has none.
func (s *Store) ReadLatestSnapshot(ctx context.Context, sceneID string) (snap Snapshot, ok bool, err error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, digest, cells, blob FROM snapshots
		WHERE scene_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, sceneID)
	snap.SceneID = sceneID
	if err := row.Scan(&snap.Seq, &snap.Digest, &snap.Cells, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", sceneID, err)
	}

	doc, err := decompress(blob)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s@%d: %w", sceneID, snap.Seq, err)
	}
	state, err := crdt.UnmarshalState(doc)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s@%d: %w", sceneID, snap.Seq, err)
	}
	got, err := crdt.Digest(state)
	if err != nil {
		return Snapshot{}, false, err
	}
	if got != snap.Digest {
		return Snapshot{}, false, &CorruptSnapshotError{SceneID: sceneID, Seq: snap.Seq, Want: snap.Digest, Got: got}
	}
	snap.State = doc
	return snap, true, nil
}

// ReadFaultReports returns a scene's fault reports in seq order. An empty
// sceneID returns every scene's reports.
func (s *Store) ReadFaultReports(ctx context.Context, sceneID string) ([]FaultRecord, error) {
	query := `SELECT scene_id, seq, category, report FROM fault_reports`
	var args []any
	if sceneID != "" {
		query += ` WHERE scene_id = ?`
		args = append(args, sceneID)
	}
	query += ` ORDER BY seq ASC, scene_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read fault reports: %w", err)
	}
	defer rows.Close()

	var out []FaultRecord
	for rows.Next() {
		var rec FaultRecord
		var data []byte
		if err := rows.Scan(&rec.SceneID, &rec.Seq, &rec.Category, &data); err != nil {
			return nil, fmt.Errorf("scan fault report: %w", err)
		}
		if rec.Faults, err = unmarshalFaults(data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountBatches returns the number of logged batches per origin for a scene.
func (s *Store) CountBatches(ctx context.Context, sceneID string) (map[Origin]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin, COUNT(*) FROM batches
		WHERE scene_id = ?
		GROUP BY origin
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("count batches %s: %w", sceneID, err)
	}
	defer rows.Close()

	out := make(map[Origin]int)
	for rows.Next() {
		var origin string
		var n int
		if err := rows.Scan(&origin, &n); err != nil {
			return nil, fmt.Errorf("scan batch count: %w", err)
		}
		out[Origin(origin)] = n
	}
	return out, rows.Err()
}
