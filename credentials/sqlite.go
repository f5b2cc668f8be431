package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	document   TEXT    NOT NULL,
	updated_at TEXT    NOT NULL
)`

// SQLiteStore persists the document in a single-row SQLite table. Commits
// from other connections are detected by polling PRAGMA data_version.
type SQLiteStore struct {
	base
	db     *sql.DB
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	lastVersion int64
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// data_version only reflects commits from other connections, so every
	// statement must run on the same one.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.opts = defaultOptions()
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.persist = s.save
	s.durable = s.load

	doc, err := s.load()
	if err != nil {
		s.opts.logger.Warn().Err(err).Str("path", path).Msg("credential store: unreadable row, starting signed out")
		doc = document{}
	}
	s.doc = doc

	if s.lastVersion, err = s.dataVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.opts.watch {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.poll(pollCtx)
		}()
	}
	return s, nil
}

// Close stops polling and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) poll(ctx context.Context) {
	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := s.dataVersion(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.opts.logger.Warn().Err(err).Msg("credential store: data_version poll failed")
				}
				continue
			}
			if v == s.lastVersion {
				continue
			}
			s.lastVersion = v
			s.reload(s.load)
		}
	}
}

func (s *SQLiteStore) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read data_version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) load() (document, error) {
	var raw string
	err := s.db.QueryRow("SELECT document FROM session_state WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("select session_state: %w", err)
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return document{}, fmt.Errorf("parse session_state: %w", err)
	}
	if doc.Credential != nil && doc.Credential.Validate() != nil {
		// half a pair is treated as no pair
		doc.Credential = nil
		doc.Profile = nil
	}
	return doc, nil
}

func (s *SQLiteStore) save(doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session_state: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO session_state (id, document, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		string(data), doc.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert session_state: %w", err)
	}
	return nil
}
