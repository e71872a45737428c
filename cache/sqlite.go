package cache

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	cachekey "github.com/nanocoin/offline/pkg/cache-key"
	serializer "github.com/nanocoin/offline/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage persists buckets in a SQLite database,
// so stored responses survive restarts of the worker.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// a single connection serializes access and keeps a shared in-memory db alive
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY created_at, rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Match(ctx context.Context, req *http.Request, names ...string) (Snapshot, bool, error) {
	if len(names) == 0 {
		var err error
		if names, err = s.Keys(ctx); err != nil {
			return Snapshot{}, false, err
		}
	}
	for _, name := range names {
		b := &sqliteBucket{storage: s, name: name}
		if snap, found, err := b.Match(ctx, req); err != nil || found {
			return snap, found, err
		}
	}
	return Snapshot{}, false, nil
}

type sqliteBucket struct {
	storage *SQLiteStorage
	name    string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, req *http.Request) (Snapshot, bool, error) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		// only GET requests can ever be stored
		return Snapshot{}, false, nil
	}
	var bts []byte
	err = b.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE bucket = ? AND key = ?", b.name, key).Scan(&bts)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, err
	}
	snap, err := serializer.BytesToSnapshot(bts)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (b *sqliteBucket) Put(ctx context.Context, req *http.Request, snap Snapshot) error {
	return b.PutAll(ctx, []Record{{Request: req, Snapshot: snap}})
}

func (b *sqliteBucket) PutAll(ctx context.Context, records []Record) error {
	type row struct {
		key      string
		storedAt int64
		bytes    []byte
	}
	rows := make([]row, len(records))
	for i, rec := range records {
		key, err := cachekey.GetKey(rec.Request)
		if err != nil {
			return err
		}
		bts, err := serializer.SnapshotToBytes(rec.Snapshot)
		if err != nil {
			return err
		}
		rows[i] = row{key, rec.Snapshot.StoredAt.Unix(), bts}
	}

	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// writes through a handle of a deleted bucket are discarded
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", b.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return err
	}
	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(bucket, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			b.name, r.key, r.storedAt, r.bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBucket) Delete(ctx context.Context, req *http.Request) (bool, error) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		return false, nil
	}
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	result, err := b.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE bucket = ? AND key = ?", b.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]*http.Request, error) {
	rows, err := b.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE bucket = ? ORDER BY rowid", b.name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reqs := make([]*http.Request, 0, len(keys))
	for _, key := range keys {
		req, err := cachekey.GetRequestFromKey(key)
		if err != nil {
			return reqs, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
