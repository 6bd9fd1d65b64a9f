package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// MySQL uses GET_LOCK / RELEASE_LOCK.  MySQL named locks belong to a
// session, so every lease pins one pooled connection until it is released.
type MySQL struct {
	db *sql.DB
}

// NewMySQL returns a Locker backed by db.
func NewMySQL(db *sql.DB) *MySQL { return &MySQL{db: db} }

func (m *MySQL) TryLock(ctx context.Context, key int64) (Lease, bool, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock: get conn: %w", err)
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name(key)).Scan(&got); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("lock: GET_LOCK: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return nil, false, nil
	}
	return &mysqlLease{conn: conn, name: name(key)}, true, nil
}

type mysqlLease struct {
	once sync.Once
	conn *sql.Conn
	name string
}

func (l *mysqlLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		var released sql.NullInt64
		err = l.conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, l.name).Scan(&released)
		if cerr := l.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
