package localstore

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: emptyTables()}
}

func emptyTables() map[string]map[string]Record {
	tables := make(map[string]map[string]Record, len(tableIndexes))
	for _, table := range Tables() {
		tables[table] = map[string]Record{}
	}
	return tables
}

func (s *MemoryStore) Put(_ context.Context, table string, rec Record) error {
	rec, err := prepare(table, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table][rec.Key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, table, key string) (Record, error) {
	if err := checkTable(table); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], key)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = map[string]Record{}
	return nil
}

func (s *MemoryStore) QueryByIndex(_ context.Context, table, index, value string) ([]Record, error) {
	if err := checkIndex(table, index); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchIndex(s.tables[table], index, value), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func matchIndex(rows map[string]Record, index, value string) []Record {
	out := make([]Record, 0)
	for _, rec := range rows {
		if indexValue(rec, index) == value {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out
}
