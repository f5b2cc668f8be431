package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore persists the document as a JSON file. Other processes using the
// same path see each other's writes through a directory watch.
//
// Writes go through:
//  1. flock on path+".lock"
//  2. write path+".tmp" with 0600 permissions
//  3. fsync
//  4. rename over path
type FileStore struct {
	base
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Once
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	s := &FileStore{path: path, done: make(chan struct{})}
	s.opts = defaultOptions()
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.persist = s.save
	s.durable = s.load

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	doc, err := s.load()
	if err != nil {
		s.opts.logger.Warn().Err(err).Str("path", path).Msg("credential store: unreadable file, starting signed out")
		doc = document{}
	}
	s.doc = doc

	if s.opts.watch {
		if err := s.startWatch(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Close stops watching for external changes.
func (s *FileStore) Close() error {
	var err error
	s.closeMu.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return err
}

func (s *FileStore) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched because rename replaces the file's inode.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLoop()
	}()
	return nil
}

func (s *FileStore) watchLoop() {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.opts.logger.Debug().Str("op", ev.Op.String()).Str("path", ev.Name).Msg("credential store: file changed")
			s.reload(s.load)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.opts.logger.Warn().Err(err).Msg("credential store: watcher error")
		}
	}
}

// load reads the file. A missing file is an empty document.
func (s *FileStore) load() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{}, nil
		}
		return document{}, fmt.Errorf("read store file: %w", err)
	}
	if len(data) == 0 {
		return document{}, nil
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil && info.Mode().Perm()&0077 != 0 {
			s.opts.logger.Warn().Str("path", s.path).Str("mode", fmt.Sprintf("%04o", info.Mode().Perm())).
				Msg("credential store: file permissions should be 0600")
		}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("parse store file: %w", err)
	}
	if doc.Credential != nil && doc.Credential.Validate() != nil {
		// half a pair is treated as no pair
		doc.Credential = nil
		doc.Profile = nil
	}
	return doc, nil
}

func (s *FileStore) save(doc document) error {
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}
	data = append(data, '\n')
	return s.writeAtomic(data)
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to store file: %w", err)
	}
	return nil
}
