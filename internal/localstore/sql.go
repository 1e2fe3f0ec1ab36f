package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSQLTableName = "ledgersync_records"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name   string
	driver string
	// numbered reports whether placeholders are $1, $2, ... instead of ?.
	numbered bool
	// setup runs once on the fresh connection pool before the schema.
	setup func(ctx context.Context, db *sql.DB) error
}

// SQLStore keeps every table in one relational table keyed by (tbl, rec_key).
// Timestamps are stored as Unix nanoseconds so ordering is exact on every
// dialect.
type SQLStore struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dialect sqlDialect, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dialect:   dialect,
		dsn:       dsn,
		tableName: defaultSQLTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStore) Put(ctx context.Context, table string, rec Record) error {
	rec, err := prepare(table, rec)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (tbl, rec_key, rec_type, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tbl, rec_key)
		DO UPDATE SET rec_type = EXCLUDED.rec_type,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data`, s.table()))
	_, err = s.db.ExecContext(ctx, query,
		table, rec.Key, rec.Type, rec.Status,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), string(rec.Data))
	return err
}

func (s *SQLStore) Get(ctx context.Context, table, key string) (Record, error) {
	if err := checkTable(table); err != nil {
		return Record{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(
		"SELECT rec_key, rec_type, status, created_at, updated_at, data FROM %s WHERE tbl = ? AND rec_key = ?",
		s.table()))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, table, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	return rec, err
}

func (s *SQLStore) Delete(ctx context.Context, table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE tbl = ? AND rec_key = ?", s.table()))
	_, err := s.db.ExecContext(ctx, query, table, key)
	return err
}

func (s *SQLStore) Clear(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE tbl = ?", s.table()))
	_, err := s.db.ExecContext(ctx, query, table)
	return err
}

func (s *SQLStore) QueryByIndex(ctx context.Context, table, index, value string) ([]Record, error) {
	if err := checkIndex(table, index); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	column := "rec_type"
	if index == IndexStatus {
		column = "status"
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(
		"SELECT rec_key, rec_type, status, created_at, updated_at, data FROM %s WHERE tbl = ? AND %s = ? ORDER BY created_at ASC, rec_key ASC",
		s.table(), column))
	rows, err := s.db.QueryContext(ctx, query, table, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if s.dialect.setup != nil {
			if err := s.dialect.setup(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					tbl TEXT NOT NULL,
					rec_key TEXT NOT NULL,
					rec_type TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (tbl, rec_key)
				)`, s.table()),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tbl, rec_type, created_at)",
				quoteIdentifier(s.tableName+"_type_idx"), s.table()),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tbl, status, created_at)",
				quoteIdentifier(s.tableName+"_status_idx"), s.table()),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%s schema: %w", s.dialect.name, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) table() string {
	return quoteIdentifier(s.tableName)
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		createdAt int64
		updatedAt int64
		data      string
	)
	if err := row.Scan(&rec.Key, &rec.Type, &rec.Status, &createdAt, &updatedAt, &data); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if data != "" {
		rec.Data = []byte(data)
	}
	return rec, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
