// Package settings persists user preferences such as visible column names
// and the selected FHIR server.
package settings

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Store is a string key/value preference store
type Store interface {
	// Get returns the stored value and whether the key exists
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// ServiceBaseURLKey stores the FHIR server last selected
const ServiceBaseURLKey = "serviceBaseUrl"

// Open selects a store implementation from the DSN scheme:
//
//	memory://                        in process
//	sqlite:///path/to/settings.db    sqlite file
//	postgres://user:pw@host/db       postgres
//	redis://host:6379/0              redis
func Open(ctx context.Context, dsn string, log zerolog.Logger) (Store, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("invalid settings DSN %q", dsn)
	}
	log = log.With().Str("component", "settings").Str("backend", scheme).Logger()

	switch scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLStore(ctx, "sqlite", rest, log)
	case "postgres", "postgresql":
		return OpenSQLStore(ctx, "postgres", dsn, log)
	case "redis", "rediss":
		return OpenRedisStore(ctx, dsn, log)
	default:
		return nil, fmt.Errorf("unsupported settings backend %q", scheme)
	}
}
