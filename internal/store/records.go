package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordFilter selects cached records. Empty fields match everything.
type RecordFilter struct {
	EntityType   string
	ID           string
	OnlyUnsynced bool
}

// GetRecord returns the cached record for (entityType, id).
// A temporary id that has since been remapped resolves to the remapped record.
func (s *Store) GetRecord(ctx context.Context, entityType, id string) (model.Record, bool, error) {
	resolved, err := resolveID(ctx, s.db, entityType, id)
	if err != nil {
		return model.Record{}, false, fmt.Errorf("get record: %w", err)
	}
	rec, found, err := getRecord(ctx, s.db, entityType, resolved)
	if err != nil {
		return model.Record{}, false, fmt.Errorf("get record: %w", err)
	}
	return rec, found, nil
}

// ResolveID returns the id the entity is currently stored under: the remote id
// if id is a remapped temporary id, id itself otherwise.
func (s *Store) ResolveID(ctx context.Context, entityType, id string) (string, error) {
	resolved, err := resolveID(ctx, s.db, entityType, id)
	if err != nil {
		return "", fmt.Errorf("resolve id: %w", err)
	}
	return resolved, nil
}

// PutRecord inserts or replaces a cached record.
func (s *Store) PutRecord(ctx context.Context, rec model.Record) error {
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		if err := s.putRecord(ctx, tx, rec); err != nil {
			return err
		}
		touched.add(rec.EntityType)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// PutSyncedIfIdle stores rec as Synced unless operations are still queued for
// the entity, in which case the local pending value wins and false is returned.
func (s *Store) PutSyncedIfIdle(ctx context.Context, rec model.Record) (bool, error) {
	stored := false
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		n, err := countEntityOps(ctx, tx, rec.EntityType, rec.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		rec.SyncState = model.SyncStateSynced
		if err := s.putRecord(ctx, tx, rec); err != nil {
			return err
		}
		touched.add(rec.EntityType)
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("put synced record: %w", err)
	}
	return stored, nil
}

// DeleteRecord removes a cached record. Deleting a missing record is not an error.
func (s *Store) DeleteRecord(ctx context.Context, entityType, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		resolved, err := resolveID(ctx, tx, entityType, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE entity_type = ? AND id = ?
		`, entityType, resolved); err != nil {
			return err
		}
		touched.add(entityType)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListRecords returns cached records matching filter.
// Results are ordered deterministically: ORDER BY entity_type, id COLLATE BINARY.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.ID != "" {
		id := filter.ID
		if filter.EntityType != "" {
			resolved, err := resolveID(ctx, s.db, filter.EntityType, id)
			if err != nil {
				return nil, fmt.Errorf("list records: %w", err)
			}
			id = resolved
		}
		where = append(where, "id = ?")
		args = append(args, id)
	}
	if filter.OnlyUnsynced {
		where = append(where, "sync_state <> ?")
		args = append(args, string(model.SyncStateSynced))
	}

	query := `SELECT entity_type, id, payload, sync_state, updated_at FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity_type COLLATE BINARY ASC, id COLLATE BINARY ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func (s *Store) putRecord(ctx context.Context, q querier, rec model.Record) error {
	if rec.EntityType == "" || rec.ID == "" {
		return model.NewError(model.ErrCodeSerialization, "record requires entity type and id", nil)
	}
	state := rec.SyncState
	if state == "" {
		state = model.SyncStatePending
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, payload, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`, rec.EntityType, rec.ID, payload, string(state), updated.UnixMilli())
	return err
}

func getRecord(ctx context.Context, q querier, entityType, id string) (model.Record, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT entity_type, id, payload, sync_state, updated_at
		FROM records
		WHERE entity_type = ? AND id = ?
	`, entityType, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	return rec, true, nil
}

// resolveID follows the id_remaps table. Remote ids are never remapped, so a
// single hop is enough.
func resolveID(ctx context.Context, q querier, entityType, id string) (string, error) {
	if !model.IsTempID(id) {
		return id, nil
	}
	var remote string
	err := q.QueryRowContext(ctx, `
		SELECT remote_id FROM id_remaps WHERE entity_type = ? AND temp_id = ?
	`, entityType, id).Scan(&remote)
	if errors.Is(err, sql.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return remote, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Record, error) {
	var (
		rec       model.Record
		payload   string
		state     string
		updatedAt int64
	)
	if err := row.Scan(&rec.EntityType, &rec.ID, &payload, &state, &updatedAt); err != nil {
		return model.Record{}, err
	}
	rec.Payload = []byte(payload)
	rec.SyncState = model.SyncState(state)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}
