package store

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from databaseURL: empty is in-memory,
// postgres:// uses pgx and sqlite://path uses sqlite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	raw := strings.TrimSpace(databaseURL)
	switch {
	case raw == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return NewPostgresStore(ctx, raw)
	case strings.HasPrefix(raw, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(raw, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", raw)
	}
}
