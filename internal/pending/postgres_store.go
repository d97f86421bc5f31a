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

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pending_changes (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS quarantined_changes (
	id BIGINT PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	attempts INT NOT NULL,
	last_error TEXT NOT NULL,
	failed_at BIGINT NOT NULL
);`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore returns a Store backed by Postgres. The connection is
// opened lazily on first use; the schema is created if absent. BIGSERIAL ids
// are never reused.
func NewPostgresStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *postgresStore) ensureDB() (*sql.DB, error) {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		s.db = db
	})
	return s.db, s.initErr
}

func (s *postgresStore) Open() error {
	_, err := s.ensureDB()
	return err
}

func (s *postgresStore) Append(change Change, body io.Reader) bool {
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
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx,
		"INSERT INTO pending_changes (url, method, headers, body, timestamp) VALUES ($1, $2, $3, $4, $5)",
		change.URL, change.Method, string(headers), change.Body, change.Timestamp)
	return err == nil
}

func (s *postgresStore) ListAll() []Change {
	db, err := s.ensureDB()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := db.QueryContext(ctx,
		"SELECT id, url, method, headers, body, timestamp, attempts, last_error FROM pending_changes ORDER BY id")
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanChanges(rows)
}

func (s *postgresStore) RemoveByID(id int64) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, "DELETE FROM pending_changes WHERE id = $1", id)
	return err == nil
}

func (s *postgresStore) HasAny() bool {
	return len(s.ListAll()) > 0
}

func (s *postgresStore) MarkAttempt(id int64, lastError string) int {
	db, err := s.ensureDB()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var attempts int
	err = db.QueryRowContext(ctx,
		"UPDATE pending_changes SET attempts = attempts + 1, last_error = $1 WHERE id = $2 RETURNING attempts",
		lastError, id).Scan(&attempts)
	if err != nil {
		return 0
	}
	return attempts
}

func (s *postgresStore) Quarantine(id int64, lastError string) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO quarantined_changes (id, url, method, headers, body, timestamp, attempts, last_error, failed_at)
		 SELECT id, url, method, headers, body, timestamp, attempts, $1, $2 FROM pending_changes WHERE id = $3`,
		lastError, time.Now().UnixMilli(), id)
	if err != nil {
		return false
	}
	moved, err := result.RowsAffected()
	if err != nil || moved == 0 {
		return false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_changes WHERE id = $1", id); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (s *postgresStore) Quarantined() []Quarantined {
	db, err := s.ensureDB()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
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

func (s *postgresStore) AckQuarantined(id int64) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	result, err := db.ExecContext(ctx, "DELETE FROM quarantined_changes WHERE id = $1", id)
	if err != nil {
		return false
	}
	removed, err := result.RowsAffected()
	return err == nil && removed > 0
}

func (s *postgresStore) RequeueQuarantined(id int64) bool {
	db, err := s.ensureDB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO pending_changes (url, method, headers, body, timestamp)
		 SELECT url, method, headers, body, timestamp FROM quarantined_changes WHERE id = $1`, id)
	if err != nil {
		return false
	}
	moved, err := result.RowsAffected()
	if err != nil || moved == 0 {
		return false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM quarantined_changes WHERE id = $1", id); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (s *postgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
