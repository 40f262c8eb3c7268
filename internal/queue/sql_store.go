package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTableName    = "relaysync_queue"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name       string
	driverName string
	numbered   bool
	afterOpen  func(ctx context.Context, db *sql.DB) error
	// ownerLock claims the queue for this process when the database has no
	// file to flock. It returns ErrLocked when another process holds it.
	ownerLock func(ctx context.Context, db *sql.DB, tableName string) (func() error, error)
	// schemaLock serializes schema creation across processes sharing a database.
	schemaLock func(ctx context.Context, tx *sql.Tx, tableName string) error
}

// sqlStore implements Store over database/sql. Placeholders are written as
// "?" and rebound for dialects that number them.
type sqlStore struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc
	lock      *fileLock
	unlock    func() error

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

const itemColumns = `id, user_id, entity_type, entity_id, operation, data, status, attempt_count,
	last_attempted, next_retry_after, error_message, error_kind, version,
	is_bulk, bulk_group_id, entity_count, created_at, updated_at`

func newSQLStore(dsn string, dialect sqlDialect) (*sqlStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlStore{
		dsn:       dsn,
		tableName: defaultTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (s *sqlStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driverName, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if s.dialect.afterOpen != nil {
			if err := s.dialect.afterOpen(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		table := quoteIdentifier(s.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL DEFAULT '',
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					operation TEXT NOT NULL,
					data TEXT,
					status TEXT NOT NULL,
					attempt_count INTEGER NOT NULL DEFAULT 0,
					last_attempted BIGINT,
					next_retry_after BIGINT,
					error_message TEXT NOT NULL DEFAULT '',
					error_kind TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					is_bulk INTEGER NOT NULL DEFAULT 0,
					bulk_group_id TEXT NOT NULL DEFAULT '',
					entity_count INTEGER NOT NULL DEFAULT 0,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, next_retry_after, created_at)",
				quoteIdentifier(s.tableName+"_status_idx"), table),
			fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (entity_type, entity_id, operation) WHERE status <> 'completed'",
				quoteIdentifier(s.tableName+"_active_key_idx"), table),
		}
		if err := s.createSchema(ctx, db, statements); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("create %s queue schema: %w", s.dialect.name, err)
			return
		}
		if s.dialect.ownerLock != nil {
			unlock, err := s.dialect.ownerLock(ctx, db, s.tableName)
			if err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
			s.unlock = unlock
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlStore) createSchema(ctx context.Context, db *sql.DB, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if s.dialect.schemaLock != nil {
		if err := s.dialect.schemaLock(ctx, tx, s.tableName); err != nil {
			return err
		}
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Insert(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, quoteIdentifier(s.tableName), itemColumns)
	res, err := s.db.ExecContext(ctx, s.rebind(query), itemArgs(item)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) Update(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			user_id = ?, entity_type = ?, entity_id = ?, operation = ?, data = ?, status = ?,
			attempt_count = ?, last_attempted = ?, next_retry_after = ?, error_message = ?,
			error_kind = ?, version = ?, is_bulk = ?, bulk_group_id = ?, entity_count = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?`, quoteIdentifier(s.tableName))
	args := append(itemArgs(item)[1:], item.ID)
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (Item, error) {
	items, err := s.query(ctx, "WHERE id = ?", 1, id)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrNotFound
	}
	return items[0], nil
}

func (s *sqlStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Item, error) {
	if !status.Valid() {
		return nil, ErrInvalidInput
	}
	return s.query(ctx, "WHERE status = ?", limit, string(status))
}

func (s *sqlStore) ListRetryable(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	return s.query(ctx,
		"WHERE status = ? AND (next_retry_after IS NULL OR next_retry_after <= ?)",
		limit, string(StatusPending), now.UTC().UnixNano())
}

func (s *sqlStore) FindActive(ctx context.Context, entityType, entityID string, op Operation) (Item, bool, error) {
	items, err := s.query(ctx,
		"WHERE entity_type = ? AND entity_id = ? AND operation = ? AND status <> ?",
		1, entityType, entityID, string(op), string(StatusCompleted))
	if err != nil {
		return Item{}, false, err
	}
	if len(items) == 0 {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

func (s *sqlStore) Claim(ctx context.Context, id string, now time.Time) (Item, bool, error) {
	at := now.UTC().UnixNano()
	claimed, err := s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, last_attempted = ?, updated_at = ?
		WHERE id = ? AND status = ?`, quoteIdentifier(s.tableName)),
		string(StatusProcessing), at, at, id, string(StatusPending))
	if err != nil {
		return Item{}, false, err
	}
	if claimed == 0 {
		return Item{}, false, nil
	}
	item, err := s.Get(ctx, id)
	if err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	_, err := s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdentifier(s.tableName)), id)
	return err
}

func (s *sqlStore) CleanupCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	return s.exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE status = ? AND updated_at < ?", quoteIdentifier(s.tableName)),
		string(StatusCompleted), cutoff.UTC().UnixNano())
}

func (s *sqlStore) CleanupFailed(ctx context.Context, maxAttempts int) (int, error) {
	return s.exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE status = ? AND attempt_count >= ?", quoteIdentifier(s.tableName)),
		string(StatusDormant), maxAttempts)
}

func (s *sqlStore) ReviveDormant(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET
			status = ?, attempt_count = 0, error_message = '', error_kind = '',
			next_retry_after = NULL, updated_at = ?
		WHERE status = ?`, quoteIdentifier(s.tableName)),
		string(StatusPending), now.UTC().UnixNano(), string(StatusDormant))
}

func (s *sqlStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", quoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, status := range AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *sqlStore) Close() error {
	var err error
	if s != nil && s.unlock != nil {
		err = s.unlock()
		s.unlock = nil
	}
	if s != nil && s.db != nil {
		if closeErr := s.db.Close(); err == nil {
			err = closeErr
		}
	}
	if s != nil && s.lock != nil {
		if lockErr := s.lock.release(); err == nil {
			err = lockErr
		}
	}
	return err
}

func (s *sqlStore) Describe() string {
	return s.dialect.name
}

func (s *sqlStore) query(ctx context.Context, where string, limit int, args ...any) ([]Item, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY created_at ASC, id ASC", itemColumns, quoteIdentifier(s.tableName), where)
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item           Item
		operation      string
		status         string
		errorKind      string
		data           sql.NullString
		lastAttempted  sql.NullInt64
		nextRetryAfter sql.NullInt64
		isBulk         int64
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(
		&item.ID, &item.UserID, &item.EntityType, &item.EntityID, &operation, &data, &status,
		&item.AttemptCount, &lastAttempted, &nextRetryAfter, &item.ErrorMessage, &errorKind,
		&item.Version, &isBulk, &item.BulkGroupID, &item.EntityCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return Item{}, err
	}
	item.Operation = Operation(operation)
	item.Status = Status(status)
	item.ErrorKind = ErrorKind(errorKind)
	if data.Valid {
		item.Data = json.RawMessage(data.String)
	}
	item.LastAttempted = timeFromNull(lastAttempted)
	item.NextRetryAfter = timeFromNull(nextRetryAfter)
	item.IsBulk = isBulk != 0
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return item, nil
}

func itemArgs(item Item) []any {
	var data sql.NullString
	if item.Data != nil {
		data = sql.NullString{String: string(item.Data), Valid: true}
	}
	isBulk := 0
	if item.IsBulk {
		isBulk = 1
	}
	return []any{
		item.ID, item.UserID, item.EntityType, item.EntityID, string(item.Operation), data, string(item.Status),
		item.AttemptCount, nullTime(item.LastAttempted), nullTime(item.NextRetryAfter), item.ErrorMessage,
		string(item.ErrorKind), item.Version, isBulk, item.BulkGroupID, item.EntityCount,
		item.CreatedAt.UTC().UnixNano(), item.UpdatedAt.UTC().UnixNano(),
	}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
