package storage

import (
	"context"
	"errors"
	"strings"

	logx "livecast/pkg/logx"
)

// Open initializes the configured store. An empty driver means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driverName(driver)))

	switch driver {
	case "", "file":
		st, err := NewFileStore(nil, cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		path := cfg.Path
		if strings.TrimSpace(path) == "" {
			path = "./data/livecast.db"
		}
		st, err := OpenSQLite(ctx, path, cfg.BusyTimeout, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "postgresql":
		st, err := OpenPostgres(ctx, cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := OpenRedis(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "file"
	}
	return d
}
