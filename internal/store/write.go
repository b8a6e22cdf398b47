package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/scenesync/internal/containment"
	"github.com/roach88/scenesync/internal/crdt"
)

// RegisterScene records a scene instance. Re-registering the same id is a
// no-op.
func (s *Store) RegisterScene(ctx context.Context, rec SceneRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("register scene: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenes (id, definition_id, definition, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.Definition.ID, string(def), rec.Seq)
	if err != nil {
		return fmt.Errorf("register scene %s: %w", rec.ID, err)
	}
	return nil
}

// AppendBatch appends b to the log. Writing the same (scene, seq) twice is
// a no-op.
func (s *Store) AppendBatch(ctx context.Context, b Batch) error {
	if !b.Origin.Valid() {
		return fmt.Errorf("append batch: invalid origin %q", b.Origin)
	}
	payload := b.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (scene_id, seq, origin, frame, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, b.SceneID, b.Seq, string(b.Origin), int64(b.Frame), payload)
	if err != nil {
		return fmt.Errorf("append batch %s@%d: %w", b.SceneID, b.Seq, err)
	}
	return nil
}

// WriteSnapshot stores state as the scene's snapshot at seq and returns its
// digest.
func (s *Store) WriteSnapshot(ctx context.Context, sceneID string, seq int64, state *crdt.State) (string, error) {
	doc, err := crdt.MarshalState(state)
	if err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	digest, err := crdt.Digest(state)
	if err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (scene_id, seq, digest, cells, blob)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, sceneID, seq, digest, state.Len(), compress(doc))
	if err != nil {
		return "", fmt.Errorf("write snapshot %s@%d: %w", sceneID, seq, err)
	}
	return digest, nil
}

// WriteFaultReport persists an aggregated fault report.
func (s *Store) WriteFaultReport(ctx context.Context, seq int64, report *containment.FaultReport) error {
	faults := make([]string, len(report.Faults))
	for i, f := range report.Faults {
		faults[i] = f.Error()
	}
	data, err := marshalFaults(faults)
	if err != nil {
		return fmt.Errorf("write fault report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fault_reports (scene_id, seq, category, count, report)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, report.Scene, seq, report.Category.String(), len(faults), data)
	if err != nil {
		return fmt.Errorf("write fault report %s@%d: %w", report.Scene, seq, err)
	}
	return nil
}
