package queue

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strings"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:       "postgres",
	driverName: "postgres",
	numbered:   true,
	schemaLock: func(ctx context.Context, tx *sql.Tx, tableName string) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey("schema", tableName))
		return err
	},
	ownerLock: postgresOwnerLock,
}

type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects lazily; the table is created and the queue is
// claimed for this process on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	core, err := newSQLStore(dsn, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: core}, nil
}

// postgresOwnerLock holds a session advisory lock on a dedicated connection
// for the life of the store, the same exclusivity the file and sqlite stores
// get from flock.
func postgresOwnerLock(ctx context.Context, db *sql.DB, tableName string) (func() error, error) {
	key := postgresLockKey("owner", tableName)
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrLocked
	}
	return func() error {
		_, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		if closeErr := conn.Close(); err == nil {
			err = closeErr
		}
		return err
	}, nil
}

func postgresLockKey(scope, tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("relaysync"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(scope))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
