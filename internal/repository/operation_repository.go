package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// MaxOperationsPage caps the number of operations returned by ListSince.
const MaxOperationsPage = 100

// OperationRepo is the append-only operation log.
type OperationRepo struct {
	db *sql.DB
}

// NewOperationRepo constructs an OperationRepo with the given DB handle.
func NewOperationRepo(db *sql.DB) *OperationRepo { return &OperationRepo{db: db} }

// Append stores one applied operation.
func (r *OperationRepo) Append(ctx context.Context, op *model.Operation) error {
	const q = `INSERT INTO rundown_operations
                   (id, rundown_id, operation_type, operation_payload, user_id, client_id,
                    sequence_number, doc_version, applied_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	payload := op.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, q,
		op.ID, op.RundownID, string(op.Type), []byte(payload), op.UserID, op.ClientID,
		op.SequenceNumber, op.DocVersion, op.AppliedAt,
	)
	return err
}

// ListSince returns the operations of a rundown with a sequence number
// strictly greater than since, in ascending order.  limit is clamped to
// [1, MaxOperationsPage]; callers loop while a full page comes back.
func (r *OperationRepo) ListSince(ctx context.Context, rundownID string, since int64, limit int) ([]model.Operation, error) {
	if limit <= 0 || limit > MaxOperationsPage {
		limit = MaxOperationsPage
	}
	const q = `SELECT id, rundown_id, operation_type, operation_payload, user_id, client_id,
                      sequence_number, doc_version, applied_at
                 FROM rundown_operations
                WHERE rundown_id = ? AND sequence_number > ?
                ORDER BY sequence_number ASC
                LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, rundownID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		var (
			op      model.Operation
			opType  string
			payload []byte
		)
		if err := rows.Scan(&op.ID, &op.RundownID, &opType, &payload, &op.UserID, &op.ClientID,
			&op.SequenceNumber, &op.DocVersion, &op.AppliedAt); err != nil {
			return nil, err
		}
		op.Type = model.OpType(opType)
		op.Payload = payload
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// LatestSequence returns the highest sequence number logged for the
// rundown, or 0 when nothing was logged yet.
func (r *OperationRepo) LatestSequence(ctx context.Context, rundownID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM rundown_operations WHERE rundown_id = ?`,
		rundownID,
	).Scan(&seq)
	return seq, err
}

// PrunedThrough returns the highest sequence number of the rundown that
// was removed by PruneBefore.  Readers asking for operations since an
// earlier number cannot be served from the log.
func (r *OperationRepo) PrunedThrough(ctx context.Context, rundownID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT oplog_pruned_through FROM rundowns WHERE id = ?`, rundownID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRundownNotFound
	}
	return seq, err
}

// PruneBefore deletes operations applied before the cutoff and records,
// per rundown, the highest sequence number removed.  It returns the number
// of deleted operations.
func (r *OperationRepo) PruneBefore(ctx context.Context, before time.Time) (n int64, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const mark = `UPDATE rundowns rd
                    JOIN (SELECT rundown_id, MAX(sequence_number) AS max_seq
                            FROM rundown_operations
                           WHERE applied_at < ?
                           GROUP BY rundown_id) p ON p.rundown_id = rd.id
                     SET rd.oplog_pruned_through = GREATEST(rd.oplog_pruned_through, p.max_seq)`
	if _, err = tx.ExecContext(ctx, mark, before); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rundown_operations WHERE applied_at < ?`, before)
	if err != nil {
		return 0, err
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return n, nil
}
