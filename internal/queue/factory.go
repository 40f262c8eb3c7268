package queue

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

// BuildStoreFromDSN opens the backend named by the DSN scheme. A DSN
// without a scheme is treated as a path to a JSON file store.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
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
	case "redis", "rediss", "mysql", "dynamodb", "indexeddb":
		return nil, fmt.Errorf("%w: queue store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue store scheme: %s", scheme)
	}
}

// ProfileDSN expands a storage profile into a store DSN. An empty profile
// returns an empty DSN so the caller can fall back to an explicit one.
func ProfileDSN(profile, dataDir, productionDSN string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".relaysync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case ProfileMemory, "inmemory":
		return "memory://", nil
	case ProfileDurableLocal, "local":
		return "sqlite://" + filepath.ToSlash(filepath.Join(dataDir, "queue.db")), nil
	case ProfileProduction, "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", fmt.Errorf("%w: production profile requires a postgres dsn", ErrInvalidInput)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("%w: unknown storage profile %q", ErrInvalidInput, profile)
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
	// sqlite://relative/queue.db parses "relative" as the host.
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
