package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteStorage keeps buckets in an SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
// Every in-memory storage gets its own db.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("opening cache db %s: %w", filename, err)
	}
	// a single connection serializes writers and keeps shared in-memory dbs alive
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("initializing cache db: %w", err)
		}
	}
	return SQLiteStorage{db: db}, nil
}

func (s SQLiteStorage) Open(name string) (Bucket, error) {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", name, err)
	}
	return sqliteBucket{db: s.db, name: name}, nil
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	return bucketExists(s.db, name)
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY created_at, rowid")
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

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func bucketExists(q queryRower, name string) (bool, error) {
	var one int
	err := q.QueryRow("SELECT 1 FROM buckets WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

func (b sqliteBucket) Name() string {
	return b.name
}

func (b sqliteBucket) Match(key string) (Entry, bool, error) {
	e := Entry{Key: key}
	var storedAt int64
	err := b.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE bucket = ? AND key = ?",
		b.name, key,
	).Scan(&storedAt, &e.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.StoredAt = time.Unix(0, storedAt)
	return e, true, nil
}

func (b sqliteBucket) Keys() ([]string, error) {
	rows, err := b.db.Query("SELECT key FROM entries WHERE bucket = ? ORDER BY rowid", b.name)
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

func (b sqliteBucket) PutAll(entries []Entry) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	// rollback is a no-op after commit
	defer tx.Rollback()
	if ok, err := bucketExists(tx, b.name); err != nil {
		return err
	} else if !ok {
		return ErrBucketNotFound
	}
	for _, e := range entries {
		if e.Key == "" {
			return ErrEmptyKey
		}
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		_, err := tx.Exec(`INSERT INTO entries (bucket, key, stored_at, bytes) VALUES (?, ?, ?, ?)
			ON CONFLICT (bucket, key) DO UPDATE SET stored_at = excluded.stored_at, bytes = excluded.bytes`,
			b.name, e.Key, storedAt.UnixNano(), e.Bytes)
		if err != nil {
			return fmt.Errorf("writing %s to bucket %s: %w", e.Key, b.name, err)
		}
	}
	return tx.Commit()
}
