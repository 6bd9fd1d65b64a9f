package sequence_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/rundown-sync/internal/sequence"
)

const incrementSQL = `UPDATE operation_sequence SET value = LAST_INSERT_ID(value + 1) WHERE id = 1`

func TestMySQLNext(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(incrementSQL).WillReturnResult(sqlmock.NewResult(41, 1))
	mock.ExpectExec(incrementSQL).WillReturnResult(sqlmock.NewResult(42, 1))

	a := sequence.NewMySQL(db)
	v, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), v)
	v, err = a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLNextErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(incrementSQL).WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(incrementSQL).WillReturnResult(sqlmock.NewResult(0, 0))

	a := sequence.NewMySQL(db)
	_, err = a.Next(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	_, err = a.Next(context.Background())
	assert.ErrorContains(t, err, "row missing")
}

func TestRedisNextConcurrent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := sequence.NewRedis(rdb, "test")
	const callers, perCaller = 16, 25

	var (
		mu   sync.Mutex
		got  []int64
		wg   sync.WaitGroup
		errs = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []int64
			for j := 0; j < perCaller; j++ {
				v, err := a.Next(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if len(local) > 0 && v <= local[len(local)-1] {
					errs <- errors.New("sequence went backwards for a single caller")
					return
				}
				local = append(local, v)
			}
			mu.Lock()
			got = append(got, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	require.Len(t, got, callers*perCaller)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "duplicate sequence number %d", got[i])
	}

	v, err := mr.Get("test:sequence")
	require.NoError(t, err)
	assert.Equal(t, "400", v)
}
