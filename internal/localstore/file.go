package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/ledgersync/internal/fsutil"
)

// FileStore keeps the whole database in one JSON document. Writers in other
// processes are serialized with an advisory lock on a sibling ".lock" file,
// and every operation re-reads the document under that lock.
type FileStore struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

type fileStoreState struct {
	Tables map[string]map[string]Record `json:"tables"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, lockPath: path + ".lock"}
	// Fail at open time on a corrupt document rather than on the first write.
	if err := s.withLock(false, func(*fileStoreState) (bool, error) { return false, nil }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Put(_ context.Context, table string, rec Record) error {
	rec, err := prepare(table, rec)
	if err != nil {
		return err
	}
	return s.withLock(true, func(state *fileStoreState) (bool, error) {
		state.Tables[table][rec.Key] = rec
		return true, nil
	})
}

func (s *FileStore) Get(_ context.Context, table, key string) (Record, error) {
	if err := checkTable(table); err != nil {
		return Record{}, err
	}
	var out Record
	err := s.withLock(false, func(state *fileStoreState) (bool, error) {
		rec, ok := state.Tables[table][key]
		if !ok {
			return false, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
		}
		out = cloneRecord(rec)
		return false, nil
	})
	return out, err
}

func (s *FileStore) Delete(_ context.Context, table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return s.withLock(true, func(state *fileStoreState) (bool, error) {
		if _, ok := state.Tables[table][key]; !ok {
			return false, nil
		}
		delete(state.Tables[table], key)
		return true, nil
	})
}

func (s *FileStore) Clear(_ context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return s.withLock(true, func(state *fileStoreState) (bool, error) {
		state.Tables[table] = map[string]Record{}
		return true, nil
	})
}

func (s *FileStore) QueryByIndex(_ context.Context, table, index, value string) ([]Record, error) {
	if err := checkIndex(table, index); err != nil {
		return nil, err
	}
	var out []Record
	err := s.withLock(false, func(state *fileStoreState) (bool, error) {
		out = matchIndex(state.Tables[table], index, value)
		return false, nil
	})
	return out, err
}

func (s *FileStore) Close() error {
	return nil
}

// withLock loads the document under the file lock, runs fn, and saves the
// result when fn reports a change.
func (s *FileStore) withLock(exclusive bool, fn func(*fileStoreState) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer lockFile.Close()
	if err := lockFileHandle(lockFile, exclusive); err != nil {
		return fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	defer func() {
		_ = unlockFileHandle(lockFile)
	}()

	state, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(state)
	if err != nil || !changed {
		return err
	}
	return s.save(state)
}

func (s *FileStore) load() (*fileStoreState, error) {
	state := &fileStoreState{Tables: emptyTables()}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	for table, rows := range snapshot.Tables {
		if _, ok := state.Tables[table]; !ok || rows == nil {
			continue
		}
		state.Tables[table] = rows
	}
	return state, nil
}

func (s *FileStore) save(state *fileStoreState) error {
	return fsutil.WriteJSON(s.path, 0o644, state)
}
