package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Store is a key-addressed blob store over a local SQLite file. Each owning
// component serializes its whole collection as one value under a stable key.
type Store struct {
	db *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS collections (
		key        TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
`

// Open opens (and if necessary initializes) the local store at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// The store is single-process local state; one connection avoids
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore creates the store and binds it to the application lifecycle
func NewStore(lc fx.Lifecycle, logger *zap.Logger, path string) (*Store, error) {
	logger.Info("initializing local persistence", zap.String("path", path))

	store, err := Open(path)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.db.PingContext(ctx); err != nil {
				logger.Error("local store ping failed", zap.Error(err))
				return fmt.Errorf("[STORAGE] cannot open local store at %s: %w", path, err)
			}
			logger.Info("local persistence ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := store.db.Close(); err != nil {
				return err
			}
			logger.Info("local persistence closed")
			return nil
		},
	})

	return store, nil
}

// Load returns the blob stored under key, or nil if the key has never been
// written.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM collections WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %q: %w", key, err)
	}
	return data, nil
}

// Save writes the blob under key, replacing any previous value atomically.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (key, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, key, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save collection %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database. Callers using NewStore do not need
// this; the lifecycle hook closes it.
func (s *Store) Close() error {
	return s.db.Close()
}
