package pending

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a Store backend by DSN scheme. A bare path or a
// file:// DSN maps to the JSON file store, sqlite:// to sqlite, postgres://
// is passed through to lib/pq, memory:// is ephemeral. Externally registered
// schemes take precedence.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: pending store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported pending store scheme: %s", scheme)
	}
}

// FileStorePath reports the snapshot path for file-scheme DSNs, so callers
// can point a Watcher at it. False for every other backend.
func FileStorePath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", false
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "" && scheme != "file" {
		return "", false
	}
	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return "", false
	}
	return path, true
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	// A relative DSN like file://.syncrelay/pending.json parses its leading
	// segment as the URL authority; rejoin it so the path stays relative to
	// the working directory.
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
