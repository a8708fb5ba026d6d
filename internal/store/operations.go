package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

const operationColumns = `op_id, entity_type, entity_id, kind, payload, fingerprint, idempotency_key,
	enqueued_at, created_at, retry_count, last_error, status, next_attempt_at`

// OperationFilter selects queued operations. Empty fields match everything.
type OperationFilter struct {
	EntityType string
	EntityID   string
	Status     model.OpStatus
	Limit      int
}

// OperationUpdate is the mutable part of an operation after a failed dispatch.
type OperationUpdate struct {
	RetryCount    int
	LastError     string
	Status        model.OpStatus
	NextAttemptAt time.Time
}

// InsertOperation durably appends op to the queue. In the same transaction the
// cache is updated: a Delete removes the cached row, any other kind stores rec
// (when non-nil) as PendingLocalChange.
//
// Temporary ids that were already remapped are resolved first, both the
// entity id and references inside the payload, so an intent captured after a
// remap never targets a stale id. op is updated in place with the assigned
// op_id and resolved values.
//
// Returns a DUPLICATE_OPERATION error when the entity's newest pending
// operation has the same fingerprint.
func (s *Store) InsertOperation(ctx context.Context, op *model.Operation, rec *model.Record) error {
	if !op.Kind.Valid() {
		return model.NewError(model.ErrCodeSerialization, fmt.Sprintf("unknown operation kind %q", op.Kind), nil)
	}
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		resolved, err := resolveID(ctx, tx, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}
		op.EntityID = resolved

		payload, err := resolvePayloadRefs(ctx, tx, op.Payload)
		if err != nil {
			return err
		}
		op.Payload = payload

		var tail string
		err = tx.QueryRowContext(ctx, `
			SELECT fingerprint FROM operations
			WHERE entity_type = ? AND entity_id = ? AND status = ?
			ORDER BY enqueued_at DESC
			LIMIT 1
		`, op.EntityType, op.EntityID, string(model.OpStatusPending)).Scan(&tail)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && tail == op.Fingerprint {
			return model.NewError(model.ErrCodeDuplicate, "identical operation already queued", nil).
				ForEntity(op.EntityType, op.EntityID)
		}

		if op.Status == "" {
			op.Status = model.OpStatusPending
		}
		if op.CreatedAt.IsZero() {
			op.CreatedAt = s.now()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO operations
			(entity_type, entity_id, kind, payload, fingerprint, idempotency_key,
			 enqueued_at, created_at, retry_count, last_error, status, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			op.EntityType,
			op.EntityID,
			string(op.Kind),
			string(op.Payload),
			op.Fingerprint,
			op.IdempotencyKey,
			op.EnqueuedAt,
			op.CreatedAt.UnixMilli(),
			op.RetryCount,
			op.LastError,
			string(op.Status),
			millisOrZero(op.NextAttemptAt),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		if op.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		switch {
		case op.Kind == model.OpDelete:
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM records WHERE entity_type = ? AND id = ?
			`, op.EntityType, op.EntityID); err != nil {
				return err
			}
		case rec != nil:
			pending := *rec
			pending.EntityType = op.EntityType
			pending.ID = op.EntityID
			pending.Payload = op.Payload
			pending.SyncState = model.SyncStatePending
			if err := s.putRecord(ctx, tx, pending); err != nil {
				return err
			}
		}
		touched.add(op.EntityType)
		return nil
	})
	if err != nil {
		if model.IsDuplicate(err) {
			return err
		}
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// GetOperation returns the operation with the given id.
func (s *Store) GetOperation(ctx context.Context, opID int64) (model.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE op_id = ?`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, opNotFound(opID)
	}
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// HeadOperation returns the oldest operation queued for the entity, whatever
// its status. found is false when nothing is queued.
func (s *Store) HeadOperation(ctx context.Context, entityType, entityID string) (op model.Operation, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY enqueued_at ASC
		LIMIT 1
	`, entityType, entityID)
	op, err = scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, false, nil
	}
	if err != nil {
		return model.Operation{}, false, fmt.Errorf("head operation: %w", err)
	}
	return op, true, nil
}

// EligibleHeads returns the dispatchable head operation of every entity,
// ordered by enqueued_at. entityType "" covers all types.
//
// An operation is a head when no older operation exists for the same entity;
// a Permanent head therefore blocks everything queued behind it. A head is
// eligible when it is Pending, its backoff window ended at or before now, and
// its payload references no temporary id whose Create is still queued.
func (s *Store) EligibleHeads(ctx context.Context, entityType string, now time.Time) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("o")+` FROM operations o
		WHERE o.status = ?
		  AND o.next_attempt_at <= ?
		  AND (? = '' OR o.entity_type = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM operations p
			WHERE p.entity_type = o.entity_type
			  AND p.entity_id = o.entity_id
			  AND p.enqueued_at < o.enqueued_at
		  )
		ORDER BY o.enqueued_at ASC
	`, string(model.OpStatusPending), now.UnixMilli(), entityType, entityType)
	if err != nil {
		return nil, fmt.Errorf("eligible heads: %w", err)
	}
	heads, err := collectOperations(rows)
	if err != nil {
		return nil, fmt.Errorf("eligible heads: %w", err)
	}

	unresolved, err := s.queuedTempIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("eligible heads: %w", err)
	}
	if len(unresolved) == 0 {
		return heads, nil
	}

	eligible := heads[:0]
	for _, op := range heads {
		if dependsOnUnresolved(op, unresolved) {
			continue
		}
		eligible = append(eligible, op)
	}
	return eligible, nil
}

// ListOperations returns queued operations matching filter, ORDER BY enqueued_at ASC.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListOperations(ctx context.Context, filter OperationFilter) ([]model.Operation, error) {
	where, args := filter.clause()
	query := `SELECT ` + operationColumns + ` FROM operations` + where + ` ORDER BY enqueued_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops, err := collectOperations(rows)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// CountOperations returns the number of queued operations matching filter.
func (s *Store) CountOperations(ctx context.Context, filter OperationFilter) (int, error) {
	where, args := filter.clause()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// MaxEnqueuedAt returns the highest persisted enqueued_at, or 0 for an empty queue.
// The logical clock resumes from this value after a restart.
func (s *Store) MaxEnqueuedAt(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(enqueued_at) FROM operations`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max enqueued_at: %w", err)
	}
	return max.Int64, nil
}

// NextAttemptAfter returns the earliest backoff deadline later than now among
// Pending operations. found is false when nothing is waiting on a backoff.
func (s *Store) NextAttemptAfter(ctx context.Context, now time.Time) (next time.Time, found bool, err error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM operations
		WHERE status = ? AND next_attempt_at > ?
	`, string(model.OpStatusPending), now.UnixMilli()).Scan(&ms); err != nil {
		return time.Time{}, false, fmt.Errorf("next attempt: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// AckOperation removes a confirmed operation. When it was the last operation
// queued for its entity, the cached record becomes Synced.
func (s *Store) AckOperation(ctx context.Context, opID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		op, err := deleteOperation(ctx, tx, opID)
		if err != nil {
			return err
		}
		if err := s.settleRecord(ctx, tx, op.EntityType, op.EntityID, nil); err != nil {
			return err
		}
		touched.add(op.EntityType)
		return nil
	})
	if err != nil {
		if model.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("ack operation: %w", err)
	}
	return nil
}

// UpdateOperation records the outcome of a failed dispatch.
func (s *Store) UpdateOperation(ctx context.Context, opID int64, u OperationUpdate) error {
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		entityType, err := updateOperation(ctx, tx, opID, u)
		if err != nil {
			return err
		}
		touched.add(entityType)
		return nil
	})
	if err != nil {
		if model.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("update operation: %w", err)
	}
	return nil
}

// ResetOperation returns an operation to Pending with a zero retry count and
// no backoff window.
func (s *Store) ResetOperation(ctx context.Context, opID int64) error {
	return s.UpdateOperation(ctx, opID, OperationUpdate{Status: model.OpStatusPending})
}

// DiscardOperation removes an operation without dispatching it. Discarding a
// Create that never reached the remote service also discards everything
// queued behind it for the same temporary id and removes its cached row.
// Other discards leave the cached value as PendingLocalChange until the next
// confirming read.
func (s *Store) DiscardOperation(ctx context.Context, opID int64) (model.Operation, error) {
	var discarded model.Operation
	err := s.withTx(ctx, func(tx *sql.Tx, touched *touchSet) error {
		op, err := deleteOperation(ctx, tx, opID)
		if err != nil {
			return err
		}
		discarded = op
		touched.add(op.EntityType)

		if op.Kind != model.OpCreate || !model.IsTempID(op.EntityID) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM operations WHERE entity_type = ? AND entity_id = ?
		`, op.EntityType, op.EntityID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM records WHERE entity_type = ? AND id = ?
		`, op.EntityType, op.EntityID)
		return err
	})
	if err != nil {
		if model.IsNotFound(err) {
			return model.Operation{}, err
		}
		return model.Operation{}, fmt.Errorf("discard operation: %w", err)
	}
	return discarded, nil
}

// settleRecord finalizes the cached record after an operation was removed.
// When operations remain for the entity nothing changes. Otherwise the record
// becomes Synced, taking entity as its payload when non-nil.
func (s *Store) settleRecord(ctx context.Context, tx *sql.Tx, entityType, id string, entity json.RawMessage) error {
	remaining, err := countEntityOps(ctx, tx, entityType, id)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	if len(entity) > 0 {
		return s.putRecord(ctx, tx, model.Record{
			EntityType: entityType,
			ID:         id,
			Payload:    entity,
			SyncState:  model.SyncStateSynced,
		})
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE records SET sync_state = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, string(model.SyncStateSynced), s.nowMillis(), entityType, id)
	return err
}

func (s *Store) queuedTempIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id FROM operations WHERE substr(entity_id, 1, ?) = ?
	`, len(model.TempIDPrefix), model.TempIDPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func dependsOnUnresolved(op model.Operation, unresolved map[string]struct{}) bool {
	for _, ref := range model.TempIDRefs(op.Payload) {
		if ref == op.EntityID {
			continue
		}
		if _, ok := unresolved[ref]; ok {
			return true
		}
	}
	return false
}

// ResolveTempRefs rewrites references to temporary ids that were already
// remapped and returns the references that still name an entity with queued
// operations. A string that only shares the temp id prefix is neither
// rewritten nor reported.
func (s *Store) ResolveTempRefs(ctx context.Context, payload json.RawMessage) (json.RawMessage, []string, error) {
	if len(model.TempIDRefs(payload)) == 0 {
		return payload, nil, nil
	}
	resolved, err := resolvePayloadRefs(ctx, s.db, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve temp refs: %w", err)
	}
	queued, err := s.queuedTempIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve temp refs: %w", err)
	}
	var pending []string
	for _, ref := range model.TempIDRefs(resolved) {
		if _, ok := queued[ref]; ok {
			pending = append(pending, ref)
		}
	}
	return resolved, pending, nil
}

// resolvePayloadRefs rewrites references to temporary ids that were already remapped.
func resolvePayloadRefs(ctx context.Context, q querier, payload json.RawMessage) (json.RawMessage, error) {
	for _, ref := range model.TempIDRefs(payload) {
		var remote string
		err := q.QueryRowContext(ctx, `
			SELECT remote_id FROM id_remaps WHERE temp_id = ?
		`, ref).Scan(&remote)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payload, _, err = model.ReplaceIDRefs(payload, ref, remote)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func deleteOperation(ctx context.Context, tx *sql.Tx, opID int64) (model.Operation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE op_id = ?`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, opNotFound(opID)
	}
	if err != nil {
		return model.Operation{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE op_id = ?`, opID); err != nil {
		return model.Operation{}, err
	}
	return op, nil
}

func updateOperation(ctx context.Context, tx *sql.Tx, opID int64, u OperationUpdate) (string, error) {
	status := u.Status
	if status == "" {
		status = model.OpStatusPending
	}
	var entityType string
	err := tx.QueryRowContext(ctx, `
		UPDATE operations
		SET retry_count = ?, last_error = ?, status = ?, next_attempt_at = ?
		WHERE op_id = ?
		RETURNING entity_type
	`, u.RetryCount, u.LastError, string(status), millisOrZero(u.NextAttemptAt), opID).Scan(&entityType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", opNotFound(opID)
	}
	return entityType, err
}

func countEntityOps(ctx context.Context, q querier, entityType, id string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&n)
	return n, err
}

func (f OperationFilter) clause() (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func prefixColumns(alias string) string {
	cols := strings.Split(operationColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func collectOperations(rows *sql.Rows) ([]model.Operation, error) {
	defer rows.Close()
	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op          model.Operation
		kind        string
		payload     string
		status      string
		createdAt   int64
		nextAttempt int64
	)
	err := row.Scan(
		&op.ID,
		&op.EntityType,
		&op.EntityID,
		&kind,
		&payload,
		&op.Fingerprint,
		&op.IdempotencyKey,
		&op.EnqueuedAt,
		&createdAt,
		&op.RetryCount,
		&op.LastError,
		&status,
		&nextAttempt,
	)
	if err != nil {
		return model.Operation{}, err
	}
	op.Kind = model.OpKind(kind)
	if payload != "" {
		op.Payload = json.RawMessage(payload)
	}
	op.Status = model.OpStatus(status)
	op.CreatedAt = time.UnixMilli(createdAt).UTC()
	if nextAttempt > 0 {
		op.NextAttemptAt = time.UnixMilli(nextAttempt).UTC()
	}
	return op, nil
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func opNotFound(opID int64) error {
	err := model.NewError(model.ErrCodeNotFound, "operation not found", nil)
	err.OpID = opID
	return err
}
