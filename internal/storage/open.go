package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "mentionbot/pkg/logx"
)

// Store is the audit API used by the notifier, the router and housekeeping.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	AppendRequest(ctx context.Context, r RequestRecord) error
	// PruneBefore deletes records older than cutoff and returns how many.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = time.Now()
	}
}
