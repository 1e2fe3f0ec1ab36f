package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/fsutil"
	"github.com/agentworkforce/ledgersync/internal/logging"
)

type FileStoreOptions struct {
	Path   string
	Logger *zerolog.Logger
	// OnChange is called from Watch when another writer changed the file.
	OnChange func(Set)
}

// FileStore keeps the credential set in a 0600 JSON file. Every mutation
// rewrites the whole file atomically.
type FileStore struct {
	path     string
	logger   zerolog.Logger
	onChange func(Set)

	mu  sync.RWMutex
	set Set
}

func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("credentials path is required")
	}
	logger := logging.OrNop(opts.Logger)
	s := &FileStore{
		path:     filepath.Clean(path),
		logger:   logger.With().Str("component", "credentials").Logger(),
		onChange: opts.OnChange,
	}
	set, err := s.read()
	if err != nil {
		return nil, err
	}
	s.set = set
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(field Field) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, _ := s.set.Get(field)
	return value
}

func (s *FileStore) Set(field Field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.set
	if err := next.put(field, value); err != nil {
		return err
	}
	return s.saveLocked(next)
}

func (s *FileStore) ClearField(field Field) error {
	return s.Set(field, "")
}

func (s *FileStore) Snapshot() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

func (s *FileStore) Replace(next Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(next)
}

func (s *FileStore) Clear() error {
	return s.Replace(Set{})
}

// Watch follows external rewrites of the credentials file (for example a
// `login` from another process) until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// The parent directory is watched because atomic writes replace the inode.
	if err := watcher.Add(dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			next, changed, err := s.reload()
			if err != nil {
				s.logger.Warn().Err(err).Msg("credentials reload failed")
				continue
			}
			if changed {
				s.logger.Info().
					Bool("authenticated", next.AccessToken != "").
					Msg("credentials changed on disk")
				if s.onChange != nil {
					s.onChange(next)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("credentials watch error")
		}
	}
}

func (s *FileStore) reload() (Set, bool, error) {
	next, err := s.read()
	if err != nil {
		return Set{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.set {
		return next, false, nil
	}
	s.set = next
	return next, true, nil
}

func (s *FileStore) read() (Set, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Set{}, nil
		}
		return Set{}, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Set{}, nil
	}
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return Set{}, err
	}
	return set, nil
}

func (s *FileStore) saveLocked(next Set) error {
	if err := fsutil.WriteJSON(s.path, 0o600, next); err != nil {
		return err
	}
	s.set = next
	return nil
}
