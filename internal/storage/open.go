package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "padbridge/pkg/logx"
)

// ErrUnknownDriver is returned by Open for a driver name it does not know.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Store is the persistence API used by the monitor.
type Store interface {
	AppendSnapshot(ctx context.Context, s Snapshot) error
	// RecentSnapshots returns up to limit snapshots, newest first.
	RecentSnapshots(ctx context.Context, limit int) ([]Snapshot, error)
	AppendEvent(ctx context.Context, e TaskEvent) error
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open initializes the configured store. It returns (nil, nil) when the
// driver is empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	open, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	st, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage %s at %q: %w", driver, cfg.Path, err)
	}
	log.Debug("store opened", logx.String("path", cfg.Path), logx.Int("retention", cfg.retention()))
	return st, nil
}
