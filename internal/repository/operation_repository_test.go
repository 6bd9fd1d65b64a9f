package repository_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/repository"
)

func newOpsMock(t *testing.T) (*repository.OperationRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repository.NewOperationRepo(db), mock
}

func TestAppend(t *testing.T) {
	repo, mock := newOpsMock(t)
	at := time.Now().UTC()
	op := &model.Operation{
		ID: "op1", RundownID: "r1", Type: model.OpDeleteRow, Payload: json.RawMessage(`{"itemIds":["a"]}`),
		UserID: "u1", ClientID: "c1", SequenceNumber: 42, DocVersion: 5, AppliedAt: at,
	}
	mock.ExpectExec("INSERT INTO rundown_operations").
		WithArgs("op1", "r1", "delete_row", []byte(`{"itemIds":["a"]}`), "u1", "c1", int64(42), int64(5), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Append(context.Background(), op))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSince(t *testing.T) {
	repo, mock := newOpsMock(t)
	at := time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC)
	cols := []string{"id", "rundown_id", "operation_type", "operation_payload", "user_id", "client_id",
		"sequence_number", "doc_version", "applied_at"}

	mock.ExpectQuery(regexp.QuoteMeta("sequence_number > ?")).WithArgs("r1", int64(10), repository.MaxOperationsPage).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("op1", "r1", "add_row", []byte(`{}`), "u1", "c1", 11, 3, at).
			AddRow("op2", "r1", "cell_edit", []byte(`{}`), "u2", "c2", 15, 3, at))

	ops, err := repo.ListSince(context.Background(), "r1", 10, 5000)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OpAddRow, ops[0].Type)
	assert.Equal(t, int64(15), ops[1].SequenceNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestAndPrunedThrough(t *testing.T) {
	repo, mock := newOpsMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("MAX(sequence_number)")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(77))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT oplog_pruned_through")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"p"}).AddRow(12))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT oplog_pruned_through")).WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"p"}))

	latest, err := repo.LatestSequence(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(77), latest)

	pruned, err := repo.PrunedThrough(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), pruned)

	_, err = repo.PrunedThrough(context.Background(), "gone")
	assert.ErrorIs(t, err, repository.ErrRundownNotFound)
}

func TestPruneBefore(t *testing.T) {
	repo, mock := newOpsMock(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET rd.oplog_pruned_through")).WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rundown_operations WHERE applied_at < ?")).WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 40))
	mock.ExpectCommit()

	n, err := repo.PruneBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
