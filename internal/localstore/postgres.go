package localstore

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:     "postgres",
	driver:   "postgres",
	numbered: true,
}

// NewPostgresStore connects lazily; the schema is created on first use.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn)
}
