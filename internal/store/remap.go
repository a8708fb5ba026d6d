package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// CompleteOperation acknowledges a confirmed operation and applies the
// authoritative result in one transaction:
//
//   - the operation row is deleted
//   - for a Create whose entity came back with a different id, the temporary
//     id is remapped everywhere (see RemapEntityID)
//   - for a Delete with nothing queued behind it, the cached row is removed
//   - otherwise, when nothing else is queued for the entity, the cached row
//     becomes Synced and takes entity as its payload (when non-nil)
//
// Returns the id the entity is stored under afterwards.
func (s *Store) CompleteOperation(ctx context.Context, opID int64, entity *model.Record) (string, error) {
	var finalID string
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		op, err := deleteOperation(ctx, tx, opID)
		if err != nil {
			return err
		}
		touched.add(op.EntityType)
		finalID = op.EntityID

		if op.Kind == model.OpCreate && entity != nil && entity.ID != "" && entity.ID != op.EntityID {
			if err := s.remap(ctx, tx, op.EntityType, op.EntityID, entity.ID); err != nil {
				return err
			}
			touched.add("")
			finalID = entity.ID
		}

		if op.Kind == model.OpDelete {
			remaining, err := countEntityOps(ctx, tx, op.EntityType, finalID)
			if err != nil {
				return err
			}
			if remaining > 0 {
				return nil
			}
			_, err = tx.ExecContext(ctx, `
				DELETE FROM records WHERE entity_type = ? AND id = ?
			`, op.EntityType, finalID)
			return err
		}

		var payload json.RawMessage
		if entity != nil {
			payload = entity.Payload
		}
		return s.settleRecord(ctx, tx, op.EntityType, finalID, payload)
	})
	if err != nil {
		if model.IsNotFound(err) {
			return "", err
		}
		return "", fmt.Errorf("complete operation: %w", err)
	}
	return finalID, nil
}

// RemapEntityID replaces oldID with newID for entityType across the cache, the
// queue, every payload referencing oldID, and records the assignment so later
// lookups by oldID resolve.
func (s *Store) RemapEntityID(ctx context.Context, entityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		if err := s.remap(ctx, tx, entityType, oldID, newID); err != nil {
			return err
		}
		touched.add("")
		return nil
	})
	if err != nil {
		return fmt.Errorf("remap entity id: %w", err)
	}
	return nil
}

func (s *Store) remap(ctx context.Context, tx *sql.Tx, entityType, oldID, newID string) error {
	// A row already cached under newID (e.g. from a racing read) is replaced by
	// the local one, which may still carry pending changes.
	if _, err := tx.ExecContext(ctx, `
		UPDATE OR REPLACE records SET id = ? WHERE entity_type = ? AND id = ?
	`, newID, entityType, oldID); err != nil {
		return fmt.Errorf("remap records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE operations SET entity_id = ? WHERE entity_type = ? AND entity_id = ?
	`, newID, entityType, oldID); err != nil {
		return fmt.Errorf("remap operations: %w", err)
	}
	if err := rewriteOperationRefs(ctx, tx, oldID, newID); err != nil {
		return err
	}
	if err := rewriteRecordRefs(ctx, tx, oldID, newID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO id_remaps (entity_type, temp_id, remote_id, remapped_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, temp_id) DO UPDATE SET remote_id = excluded.remote_id
	`, entityType, oldID, newID, s.nowMillis()); err != nil {
		return fmt.Errorf("record remap: %w", err)
	}
	return nil
}

func rewriteOperationRefs(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT op_id, payload FROM operations WHERE instr(payload, ?) > 0
	`, oldID)
	if err != nil {
		return fmt.Errorf("scan operation refs: %w", err)
	}
	type pending struct {
		id      int64
		payload json.RawMessage
	}
	var updates []pending
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return err
		}
		out, changed, err := model.ReplaceIDRefs(json.RawMessage(payload), oldID, newID)
		if err != nil {
			rows.Close()
			return err
		}
		if changed {
			updates = append(updates, pending{id: id, payload: out})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE operations SET payload = ? WHERE op_id = ?
		`, string(u.payload), u.id); err != nil {
			return fmt.Errorf("rewrite operation payload: %w", err)
		}
	}
	return nil
}

func rewriteRecordRefs(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT entity_type, id, payload FROM records WHERE instr(payload, ?) > 0
	`, oldID)
	if err != nil {
		return fmt.Errorf("scan record refs: %w", err)
	}
	type pending struct {
		entityType string
		id         string
		payload    json.RawMessage
	}
	var updates []pending
	for rows.Next() {
		var p pending
		var payload string
		if err := rows.Scan(&p.entityType, &p.id, &payload); err != nil {
			rows.Close()
			return err
		}
		out, changed, err := model.ReplaceIDRefs(json.RawMessage(payload), oldID, newID)
		if err != nil {
			rows.Close()
			return err
		}
		if changed {
			p.payload = out
			updates = append(updates, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET payload = ? WHERE entity_type = ? AND id = ?
		`, string(u.payload), u.entityType, u.id); err != nil {
			return fmt.Errorf("rewrite record payload: %w", err)
		}
	}
	return nil
}
