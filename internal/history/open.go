package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Open builds the named backend. path is a directory for "file" and a database file (or a
// directory holding history.db) for "sqlite"; redisURL is only read for "redis".
func Open(ctx context.Context, kind, path, redisURL string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", BackendFile:
		return NewFileBackend(path)
	case BackendSQLite:
		dbPath := path
		if filepath.Ext(dbPath) == "" {
			dbPath = filepath.Join(dbPath, "history.db")
		}
		return NewSQLiteBackend(dbPath)
	case BackendRedis:
		if strings.TrimSpace(redisURL) == "" {
			return nil, fmt.Errorf("history: redis backend needs storage.redis_url")
		}
		return NewRedisBackend(ctx, redisURL)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("history: unknown storage backend %q", kind)
	}
}
