// Package sequence issues the global operation sequence numbers.  Numbers
// are strictly increasing and never reused; a failed operation may leave a
// gap, which readers tolerate.
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Allocator hands out the next sequence number.
type Allocator interface {
	Next(ctx context.Context) (int64, error)
}

// MySQL allocates from the single row of the operation_sequence table.
// LAST_INSERT_ID(expr) makes the incremented value available in the OK
// packet of the same statement, so no second round trip or transaction is
// needed and concurrent callers never observe the same value.
type MySQL struct {
	db *sql.DB
}

// NewMySQL returns an allocator backed by db.
func NewMySQL(db *sql.DB) *MySQL { return &MySQL{db: db} }

func (a *MySQL) Next(ctx context.Context) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`UPDATE operation_sequence SET value = LAST_INSERT_ID(value + 1) WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("sequence: increment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, errors.New("sequence: operation_sequence row missing")
	}
	v, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sequence: read value: %w", err)
	}
	return v, nil
}

// Redis allocates with INCR on a single key.
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis returns an allocator using "<prefix>:sequence".
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "rundown"
	}
	return &Redis{rdb: rdb, key: prefix + ":sequence"}
}

func (a *Redis) Next(ctx context.Context) (int64, error) {
	v, err := a.rdb.Incr(ctx, a.key).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence: incr %s: %w", a.key, err)
	}
	return v, nil
}
