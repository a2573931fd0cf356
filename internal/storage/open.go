package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "slackpush/pkg/logx"
)

// Store is the persistence API used by the reporters, scheduler and CLI.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to limit records, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	// PruneDeliveries deletes records older than before and returns how many went.
	PruneDeliveries(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ReadRecent returns up to limit records, newest first, without owning the
// store. It works while a daemon holds the file log.
func ReadRecent(ctx context.Context, cfg Config, limit int) ([]DeliveryRecord, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, ErrDisabled
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage.path is required for file driver")
		}
		return readFileLog(ctx, cfg.Path, limit)
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.RecentDeliveries(ctx, limit)
}

// normalize fills the ID and timestamp of a record about to be stored.
func normalize(r DeliveryRecord) DeliveryRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r.At = r.At.UTC()
	return r
}
