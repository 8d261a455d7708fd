package collab

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStateBackendFromDSN maps a DSN onto a backend:
//
//	memory://                       in-process only
//	file:///var/lib/ideasync.json   JSON snapshot file (a bare path works too)
//	sqlite:///var/lib/ideasync.db   embedded SQLite database
//	postgres://user@host/db         PostgreSQL
//
// An empty DSN yields a nil backend, meaning nothing is persisted.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "mongodb":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		if extra := registeredStateSchemes(); len(extra) > 0 {
			return nil, fmt.Errorf("unsupported state backend scheme: %s (registered: %s)", scheme, strings.Join(extra, ", "))
		}
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// BackendProfile names the kind of backend a DSN selects, for health output.
func BackendProfile(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "none"
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return "file"
	}
	switch scheme := normalizeBackendScheme(parsed.Scheme); scheme {
	case "mem", "inmem":
		return "memory"
	case "postgresql":
		return "postgres"
	case "sqlite3":
		return "sqlite"
	default:
		return scheme
	}
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
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
