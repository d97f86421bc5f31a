package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS quarantined_changes (
	id INTEGER PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	failed_at INTEGER NOT NULL
);`

type sqliteStore struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLiteStore returns a Store backed by a sqlite database file. The
// AUTOINCREMENT primary key guarantees ids are never reused. Multiple
// processes may share the file; sqlite serializes their transactions.
func NewSQLiteStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &sqliteStore{path: path}, nil
}

func (s *sqliteStore) ensureDB() (*sql.DB, error) {
	s.initOnce.Do(func() {
		db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000")
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		s.db = db
	})
	return s.db, s.initErr
}

func (s *sqliteStore) Open() error {
	_, err := s.ensureDB()
	return err
}

func (s *sqliteStore) Append(change Change, body io.Reader) bool {
	change, err := materializeBody(change, body)
	if err != nil {
		return false
	}
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	headers, err := json.Marshal(change.Headers)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx,
		"INSERT INTO pending_changes (url, method, headers, body, timestamp, attempts, last_error) VALUES (?, ?, ?, ?, ?, 0, '')",
		change.URL, change.Method, string(headers), change.Body, change.Timestamp)
	return err == nil
}

func (s *sqliteStore) ListAll() []Change {
	db, err := s.ensureDB()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	rows, err := db.QueryContext(ctx,
		"SELECT id, url, method, headers, body, timestamp, attempts, last_error FROM pending_changes ORDER BY id")
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) []Change {
	changes := []Change{}
	for rows.Next() {
		var change Change
		var headers string
		if err := rows.Scan(&change.ID, &change.URL, &change.Method, &headers, &change.Body, &change.Timestamp, &change.Attempts, &change.LastError); err != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(headers), &change.Headers); err != nil {
			return nil
		}
		changes = append(changes, change)
	}
	if rows.Err() != nil {
		return nil
	}
	return changes
}

func (s *sqliteStore) RemoveByID(id int64) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, "DELETE FROM pending_changes WHERE id = ?", id)
	return err == nil
}

func (s *sqliteStore) HasAny() bool {
	return len(s.ListAll()) > 0
}

func (s *sqliteStore) MarkAttempt(id int64, lastError string) int {
	db, err := s.ensureDB()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	var attempts int
	err = db.QueryRowContext(ctx,
		"UPDATE pending_changes SET attempts = attempts + 1, last_error = ? WHERE id = ? RETURNING attempts",
		lastError, id).Scan(&attempts)
	if err != nil {
		return 0
	}
	return attempts
}

func (s *sqliteStore) Quarantine(id int64, lastError string) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO quarantined_changes (id, url, method, headers, body, timestamp, attempts, last_error, failed_at)
		 SELECT id, url, method, headers, body, timestamp, attempts, ?, ? FROM pending_changes WHERE id = ?`,
		lastError, time.Now().UnixMilli(), id)
	if err != nil {
		return false
	}
	moved, err := result.RowsAffected()
	if err != nil || moved == 0 {
		return false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_changes WHERE id = ?", id); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (s *sqliteStore) Quarantined() []Quarantined {
	db, err := s.ensureDB()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	rows, err := db.QueryContext(ctx,
		"SELECT id, url, method, headers, body, timestamp, attempts, last_error, failed_at FROM quarantined_changes ORDER BY failed_at, id")
	if err != nil {
		return nil
	}
	defer rows.Close()
	quarantined := []Quarantined{}
	for rows.Next() {
		var item Quarantined
		var headers string
		if err := rows.Scan(&item.Change.ID, &item.Change.URL, &item.Change.Method, &headers, &item.Change.Body,
			&item.Change.Timestamp, &item.Change.Attempts, &item.Change.LastError, &item.FailedAt); err != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(headers), &item.Change.Headers); err != nil {
			return nil
		}
		quarantined = append(quarantined, item)
	}
	if rows.Err() != nil {
		return nil
	}
	return quarantined
}

func (s *sqliteStore) AckQuarantined(id int64) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	result, err := db.ExecContext(ctx, "DELETE FROM quarantined_changes WHERE id = ?", id)
	if err != nil {
		return false
	}
	removed, err := result.RowsAffected()
	return err == nil && removed > 0
}

func (s *sqliteStore) RequeueQuarantined(id int64) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO pending_changes (url, method, headers, body, timestamp, attempts, last_error)
		 SELECT url, method, headers, body, timestamp, 0, '' FROM quarantined_changes WHERE id = ?`, id)
	if err != nil {
		return false
	}
	moved, err := result.RowsAffected()
	if err != nil || moved == 0 {
		return false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM quarantined_changes WHERE id = ?", id); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (s *sqliteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
