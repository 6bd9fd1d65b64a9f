package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

// RundownRepo persists rundown documents.  Items, the row number locks
// and the per-field timestamps are JSON columns of the rundowns row, so a
// structural write replaces them together in one UPDATE.
type RundownRepo struct {
	db *sql.DB
}

// NewRundownRepo constructs a RundownRepo with the given DB handle.
func NewRundownRepo(db *sql.DB) *RundownRepo { return &RundownRepo{db: db} }

// DB exposes the underlying sql.DB.
func (r *RundownRepo) DB() *sql.DB { return r.db }

const selectRundown = `SELECT id, owner_id, title, start_time, timezone, show_date, notes, items,
       doc_version, revision, numbering_locked, locked_row_numbers, field_updated_at,
       updated_at, updated_by
  FROM rundowns WHERE id = ?`

// GetByID loads a rundown.  It returns ErrRundownNotFound if there is no
// matching row.
func (r *RundownRepo) GetByID(ctx context.Context, id string) (*model.Rundown, error) {
	var (
		rd                   model.Rundown
		items, locks, stamps []byte
	)
	err := r.db.QueryRowContext(ctx, selectRundown, id).Scan(
		&rd.ID, &rd.OwnerID, &rd.Title, &rd.StartTime, &rd.Timezone, &rd.ShowDate, &rd.Notes, &items,
		&rd.DocVersion, &rd.Revision, &rd.NumberingLocked, &locks, &stamps,
		&rd.UpdatedAt, &rd.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRundownNotFound
		}
		return nil, err
	}
	if err := unmarshalColumn(items, &rd.Items); err != nil {
		return nil, fmt.Errorf("rundown %s items: %w", id, err)
	}
	if err := unmarshalColumn(locks, &rd.LockedRowNumbers); err != nil {
		return nil, fmt.Errorf("rundown %s locks: %w", id, err)
	}
	if err := unmarshalColumn(stamps, &rd.FieldUpdatedAt); err != nil {
		return nil, fmt.Errorf("rundown %s field stamps: %w", id, err)
	}
	if rd.Items == nil {
		rd.Items = []model.Item{}
	}
	if rd.LockedRowNumbers == nil {
		rd.LockedRowNumbers = map[string]string{}
	}
	if rd.FieldUpdatedAt == nil {
		rd.FieldUpdatedAt = map[string]int64{}
	}
	return &rd, nil
}

func unmarshalColumn(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// Role returns the caller's role on a rundown.  A missing rundown yields
// ErrRundownNotFound and a non-member ErrForbidden.
func (r *RundownRepo) Role(ctx context.Context, rundownID, userID string) (string, error) {
	const q = `SELECT rd.owner_id, m.role
                 FROM rundowns rd
                 LEFT JOIN rundown_members m ON m.rundown_id = rd.id AND m.user_id = ?
                WHERE rd.id = ?`
	var (
		owner string
		role  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, q, userID, rundownID).Scan(&owner, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRundownNotFound
		}
		return "", err
	}
	switch {
	case owner == userID:
		return model.RoleOwner, nil
	case role.Valid:
		return role.String, nil
	}
	return "", ErrForbidden
}

// CanAccess checks that userID may read the rundown, and write it when
// write is set.
func (r *RundownRepo) CanAccess(ctx context.Context, rundownID, userID string, write bool) error {
	role, err := r.Role(ctx, rundownID, userID)
	if err != nil {
		return err
	}
	if write && !model.CanWrite(role) {
		return ErrForbidden
	}
	return nil
}

// Create inserts a new rundown together with the owner's membership row
// in one transaction.
func (r *RundownRepo) Create(ctx context.Context, rd *model.Rundown) (err error) {
	items, locks, stamps, err := marshalDocument(rd)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const ins = `INSERT INTO rundowns (id, owner_id, title, start_time, timezone, show_date, notes, items,
                     doc_version, revision, numbering_locked, locked_row_numbers, field_updated_at,
                     created_at, updated_at, updated_by)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, ins,
		rd.ID, rd.OwnerID, rd.Title, rd.StartTime, rd.Timezone, rd.ShowDate, rd.Notes, items,
		rd.DocVersion, rd.Revision, rd.NumberingLocked, locks, stamps,
		rd.UpdatedAt, rd.UpdatedAt, rd.UpdatedBy,
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO rundown_members (rundown_id, user_id, role) VALUES (?, ?, ?)`,
		rd.ID, rd.OwnerID, model.RoleOwner,
	); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AddMember grants userID a role on the rundown, replacing any previous
// role.  Only the owner (ownerID) may share a rundown, and the owner's own
// membership cannot be changed.
func (r *RundownRepo) AddMember(ctx context.Context, rundownID, ownerID, userID, role string) error {
	const q = `INSERT INTO rundown_members (rundown_id, user_id, role)
               SELECT id, ?, ? FROM rundowns WHERE id = ? AND owner_id = ? AND owner_id <> ?
               ON DUPLICATE KEY UPDATE role = VALUES(role)`
	res, err := r.db.ExecContext(ctx, q, userID, role, rundownID, ownerID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.revision(ctx, rundownID); err != nil {
			return err
		}
		return ErrForbidden
	}
	return nil
}

// ListForUser returns the rundowns userID owns or is a member of, most
// recently updated first.
func (r *RundownRepo) ListForUser(ctx context.Context, userID string) ([]model.Summary, error) {
	const q = `SELECT rd.id, rd.title, rd.show_date, rd.doc_version, m.role, JSON_LENGTH(rd.items)
                 FROM rundown_members m
                 JOIN rundowns rd ON rd.id = m.rundown_id
                WHERE m.user_id = ?
                ORDER BY rd.updated_at DESC`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Summary{}
	for rows.Next() {
		var s model.Summary
		if err := rows.Scan(&s.ID, &s.Title, &s.ShowDate, &s.DocVersion, &s.Role, &s.ItemCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveStructural writes the item list, version, numbering state, field
// stamps and update metadata of rd in a single UPDATE guarded by
// expectedRevision.  On success rd.Revision is advanced.  A revision
// mismatch yields ErrRevisionConflict.
func (r *RundownRepo) SaveStructural(ctx context.Context, rd *model.Rundown, expectedRevision int64) error {
	items, locks, stamps, err := marshalDocument(rd)
	if err != nil {
		return err
	}
	const q = `UPDATE rundowns
                  SET items = ?, doc_version = ?, revision = revision + 1, numbering_locked = ?,
                      locked_row_numbers = ?, field_updated_at = ?, updated_at = ?, updated_by = ?
                WHERE id = ? AND revision = ?`
	res, err := r.db.ExecContext(ctx, q,
		items, rd.DocVersion, rd.NumberingLocked, locks, stamps, rd.UpdatedAt, rd.UpdatedBy,
		rd.ID, expectedRevision,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.revision(ctx, rd.ID); err != nil {
			return err
		}
		return ErrRevisionConflict
	}
	rd.Revision = expectedRevision + 1
	return nil
}

func (r *RundownRepo) revision(ctx context.Context, id string) (int64, error) {
	var rev int64
	err := r.db.QueryRowContext(ctx, `SELECT revision FROM rundowns WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRundownNotFound
	}
	return rev, err
}

func marshalDocument(rd *model.Rundown) (items, locks, stamps []byte, err error) {
	list := rd.Items
	if list == nil {
		list = []model.Item{}
	}
	if items, err = json.Marshal(list); err != nil {
		return nil, nil, nil, err
	}
	lockMap := rd.LockedRowNumbers
	if lockMap == nil {
		lockMap = map[string]string{}
	}
	if locks, err = json.Marshal(lockMap); err != nil {
		return nil, nil, nil, err
	}
	stampMap := rd.FieldUpdatedAt
	if stampMap == nil {
		stampMap = map[string]int64{}
	}
	if stamps, err = json.Marshal(stampMap); err != nil {
		return nil, nil, nil, err
	}
	return items, locks, stamps, nil
}

var documentColumns = map[string]string{
	model.FieldTitle:     "title",
	model.FieldStartTime: "start_time",
	model.FieldTimezone:  "timezone",
	model.FieldShowDate:  "show_date",
	model.FieldNotes:     "notes",
}

// ApplyCellEdits writes already validated and normalized field updates in
// one transaction.  Item fields are replaced in place inside the items
// JSON column; the rest of the array is not rewritten.  Every update also
// records its timestamp in field_updated_at and bumps the revision, but
// leaves doc_version alone.  An update naming an item that no longer
// exists aborts the whole batch with rundown.ErrItemNotFound.
func (r *RundownRepo) ApplyCellEdits(ctx context.Context, rundownID string, updates []model.FieldUpdate, userID string, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM rundowns WHERE id = ? FOR UPDATE`, rundownID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRundownNotFound
		}
		return err
	}
	for _, u := range updates {
		if u.ItemID == "" {
			err = r.setDocumentFieldTx(ctx, tx, rundownID, u, userID, at)
		} else {
			err = r.setItemFieldTx(ctx, tx, rundownID, u, userID, at)
		}
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (r *RundownRepo) setDocumentFieldTx(ctx context.Context, tx *sql.Tx, rundownID string, u model.FieldUpdate, userID string, at time.Time) error {
	col, ok := documentColumns[u.Field]
	if !ok {
		return fmt.Errorf("%w: %q", rundown.ErrUnknownField, u.Field)
	}
	var value string
	if err := json.Unmarshal(u.Value, &value); err != nil {
		return fmt.Errorf("%w: %v", rundown.ErrInvalidValue, err)
	}
	q := `UPDATE rundowns
             SET ` + col + ` = ?, field_updated_at = JSON_SET(field_updated_at, ?, ?),
                 revision = revision + 1, updated_at = ?, updated_by = ?
           WHERE id = ?`
	_, err := tx.ExecContext(ctx, q, value, stampPath(u.Key()), u.Timestamp, at, userID, rundownID)
	return err
}

func (r *RundownRepo) setItemFieldTx(ctx context.Context, tx *sql.Tx, rundownID string, u model.FieldUpdate, userID string, at time.Time) error {
	rel, custom, err := rundown.ItemFieldPath(u.Field)
	if err != nil {
		return err
	}
	var idPath sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT JSON_UNQUOTE(JSON_SEARCH(items, 'one', ?, NULL, '$[*].id')) FROM rundowns WHERE id = ?`,
		likeLiteral(u.ItemID), rundownID,
	).Scan(&idPath)
	if err != nil {
		return err
	}
	if !idPath.Valid || !strings.HasSuffix(idPath.String, ".id") {
		return fmt.Errorf("%w: %s", rundown.ErrItemNotFound, u.ItemID)
	}
	base := strings.TrimSuffix(idPath.String, ".id")

	itemsExpr := `JSON_SET(items, ?, CAST(? AS JSON))`
	args := []any{base + rel, string(u.Value)}
	if custom {
		cf := base + ".customFields"
		itemsExpr = `JSON_SET(JSON_SET(items, ?, IF(JSON_TYPE(JSON_EXTRACT(items, ?)) = 'OBJECT', JSON_EXTRACT(items, ?), JSON_OBJECT())), ?, CAST(? AS JSON))`
		args = []any{cf, cf, cf, base + rel, string(u.Value)}
	}
	q := `UPDATE rundowns
             SET items = ` + itemsExpr + `, field_updated_at = JSON_SET(field_updated_at, ?, ?),
                 revision = revision + 1, updated_at = ?, updated_by = ?
           WHERE id = ?`
	args = append(args, stampPath(u.Key()), u.Timestamp, at, userID, rundownID)
	_, err = tx.ExecContext(ctx, q, args...)
	return err
}

// stampPath quotes a field key as a JSON object member path.
func stampPath(key string) string {
	key = strings.ReplaceAll(key, `\`, `\\`)
	key = strings.ReplaceAll(key, `"`, `\"`)
	return `$."` + key + `"`
}

// likeLiteral escapes the LIKE wildcards JSON_SEARCH honours.
func likeLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
