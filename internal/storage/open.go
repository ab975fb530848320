package storage

import (
	"context"
	"fmt"
	"strings"

	"commsched/internal/event"
	logx "commsched/pkg/logx"
)

// Store is the persistence API behind the event store. The in-memory
// collection stays authoritative; this layer only survives restarts.
type Store interface {
	LoadAll(ctx context.Context) ([]event.Event, error)
	Upsert(ctx context.Context, ev event.Event) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open builds the store named by cfg.Driver, or (nil, nil) when
// persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
