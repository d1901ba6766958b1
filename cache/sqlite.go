package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var memoryDBCount atomic.Int64

// SQLiteStorage persists caches in an SQLite database,
// so they survive process restarts.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	compressor Compressor
}

// NewSQLiteStorage opens (creating if needed) the database in the given file.
// If the file name is empty, a new private in-memory db is opened.
// The compressor may be nil, in which case bytes are stored as they are.
func NewSQLiteStorage(filename string, compressor Compressor) (*SQLiteStorage, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:asset-cache-%d?mode=memory&cache=shared", memoryDBCount.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	// a single connection serializes access and keeps in-memory dbs alive
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_name TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache_name, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init %s: %w", filename, err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		compressor: compressor,
	}, nil
}

func (s *SQLiteStorage) Open(name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return &sqliteCache{s: s, name: name}, nil
}

func (s *SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE cache_name = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM caches ORDER BY id")
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

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	s    *SQLiteStorage
	name string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(key string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := c.s.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE cache_name = ? AND key = ?",
		c.name, key,
	).Scan(&storedAt, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if c.s.compressor != nil {
		if bytes, err = c.s.compressor.Expand(bytes); err != nil {
			return Entry{}, false, fmt.Errorf("expand %s: %w", key, err)
		}
	}
	return Entry{
		Key:      key,
		StoredAt: time.Unix(0, storedAt),
		Bytes:    bytes,
	}, true, nil
}

func (c *sqliteCache) Put(e Entry) error {
	return c.PutAll([]Entry{e})
}

func (c *sqliteCache) PutAll(es []Entry) error {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	tx, err := c.s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRow("SELECT 1 FROM caches WHERE name = ?", c.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCacheDeleted
	} else if err != nil {
		return err
	}
	for _, e := range es {
		bytes := e.Bytes
		if c.s.compressor != nil {
			bytes = c.s.compressor.Compress(bytes)
		}
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO entries (cache_name, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			c.name, e.Key, e.StoredAt.UnixNano(), bytes,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteCache) Delete(key string) (bool, error) {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	result, err := c.s.db.Exec("DELETE FROM entries WHERE cache_name = ? AND key = ?", c.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *sqliteCache) Keys() ([]string, error) {
	rows, err := c.s.db.Query("SELECT key FROM entries WHERE cache_name = ? ORDER BY key", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
