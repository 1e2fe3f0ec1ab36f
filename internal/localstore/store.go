// Package localstore is the durable client-side database. It holds three
// tables: cached master data, draft documents, and the pending-operations
// queue. Every backend (memory, JSON file, SQLite, Postgres) implements the
// same Store contract.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	TableMasters    = "masters"
	TableDrafts     = "drafts"
	TablePendingOps = "pendingOps"

	IndexType   = "type"
	IndexStatus = "status"
)

var (
	ErrUnknownTable   = errors.New("unknown table")
	ErrUnknownIndex   = errors.New("unknown index")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Record is one row. Type and Status are the indexed columns; Data is opaque.
type Record struct {
	Key       string          `json:"key"`
	Type      string          `json:"type,omitempty"`
	Status    string          `json:"status,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Store is implemented by every backend. Each write is atomic on its own;
// there are no cross-table transactions. QueryByIndex returns rows oldest
// first, ties broken by key.
type Store interface {
	Put(ctx context.Context, table string, rec Record) error
	Get(ctx context.Context, table, key string) (Record, error)
	Delete(ctx context.Context, table, key string) error
	Clear(ctx context.Context, table string) error
	QueryByIndex(ctx context.Context, table, index, value string) ([]Record, error)
	Close() error
}

var tableIndexes = map[string][]string{
	TableMasters:    {IndexType},
	TableDrafts:     {IndexType},
	TablePendingOps: {IndexStatus},
}

func Tables() []string {
	return []string{TableMasters, TableDrafts, TablePendingOps}
}

func checkTable(table string) error {
	if _, ok := tableIndexes[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func checkIndex(table, index string) error {
	indexes, ok := tableIndexes[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	for _, candidate := range indexes {
		if candidate == index {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownIndex, table, index)
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	return nil
}

// prepare validates rec for table and fills in missing timestamps.
func prepare(table string, rec Record) (Record, error) {
	if err := checkTable(table); err != nil {
		return Record{}, err
	}
	if err := checkKey(rec.Key); err != nil {
		return Record{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if len(rec.Data) > 0 && !json.Valid(rec.Data) {
		return Record{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidInput)
	}
	return cloneRecord(rec), nil
}

func indexValue(rec Record, index string) string {
	switch index {
	case IndexType:
		return rec.Type
	case IndexStatus:
		return rec.Status
	default:
		return ""
	}
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Key < records[j].Key
	})
}

func cloneRecord(rec Record) Record {
	if rec.Data != nil {
		rec.Data = append(json.RawMessage(nil), rec.Data...)
	}
	return rec
}
