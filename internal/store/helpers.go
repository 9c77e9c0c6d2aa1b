package store

import (
	"log/slog"
	"strings"
)

// NewStore builds the store backend matching the configured DSN: PostgreSQL
// for postgres DSNs, SQLite for file paths, in-memory when no DSN is set.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("No database DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" so callers can
// pick a driver without separate configuration.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
