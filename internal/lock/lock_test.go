package lock_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/rundown-sync/internal/lock"
)

func TestKey(t *testing.T) {
	a := lock.Key("8d0c6c1e-6b7a-4b8e-9a39-0d0f6f1d2e11")
	assert.Equal(t, a, lock.Key("8d0c6c1e-6b7a-4b8e-9a39-0d0f6f1d2e11"))
	assert.NotEqual(t, a, lock.Key("another"))
	for _, id := range []string{"", "a", "b", "rundown-1", "rundown-2"} {
		assert.GreaterOrEqual(t, lock.Key(id), int64(0), id)
	}
}

type fakeLocker struct {
	freeAfter int
	calls     int
	err       error
}

type fakeLease struct{ released *bool }

func (l fakeLease) Release(context.Context) error { *l.released = true; return nil }

func (f *fakeLocker) TryLock(context.Context, int64) (lock.Lease, bool, error) {
	f.calls++
	if f.calls > f.freeAfter {
		return fakeLease{released: new(bool)}, true, nil
	}
	return nil, false, f.err
}

func TestAcquireRetries(t *testing.T) {
	f := &fakeLocker{freeAfter: 2}
	lease, err := lock.Acquire(context.Background(), f, 1, 5, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, 3, f.calls)
}

func TestAcquireGivesUp(t *testing.T) {
	f := &fakeLocker{freeAfter: 100}
	_, err := lock.Acquire(context.Background(), f, 1, 4, time.Millisecond)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Equal(t, 4, f.calls)

	boom := errors.New("backend down")
	f = &fakeLocker{freeAfter: 100, err: boom}
	_, err = lock.Acquire(context.Background(), f, 1, 2, time.Millisecond)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.ErrorIs(t, err, boom)
}

func TestAcquireHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeLocker{freeAfter: 100}
	_, err := lock.Acquire(ctx, f, 1, 40, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	l := lock.NewRedis(rdb, "test", 10*time.Second)
	key := lock.Key("r1")

	lease, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, lock.Key("r2"))
	require.NoError(t, err)
	assert.True(t, ok, "other rundowns do not contend")

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	lease2, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// the lease expires and somebody else takes the lock; the stale
	// holder must not delete the new holder's key
	mr.FastForward(11 * time.Second)
	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease2.Release(ctx))
	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMySQLLocker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	key := lock.Key("r1")
	name := "rundown:" + strconv.FormatInt(key, 10)

	mock.ExpectQuery(`SELECT GET_LOCK(?, 0)`).WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery(`SELECT RELEASE_LOCK(?)`).WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))
	mock.ExpectQuery(`SELECT GET_LOCK(?, 0)`).WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))

	l := lock.NewMySQL(db)
	lease, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease.Release(ctx))

	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
