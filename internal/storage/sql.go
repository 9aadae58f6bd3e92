package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "livecast/pkg/logx"
)

const slotSchema = `CREATE TABLE IF NOT EXISTS schedule_slot (
	slot          INTEGER PRIMARY KEY,
	id            TEXT NOT NULL,
	target_moment TEXT NOT NULL,
	doc           TEXT NOT NULL,
	updated_at    TEXT NOT NULL
)`

// SQLStore keeps the slot as row slot=1 of schedule_slot.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	log    logx.Logger

	closed atomic.Bool
}

type slotRow struct {
	Slot         int    `db:"slot"`
	ID           string `db:"id"`
	TargetMoment string `db:"target_moment"`
	Doc          string `db:"doc"`
	UpdatedAt    string `db:"updated_at"`
}

// OpenSQLite opens (and creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, log logx.Logger) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	return newSQLStore(ctx, db, "sqlite", log)
}

// OpenPostgres connects to PostgreSQL using dsn.
func OpenPostgres(ctx context.Context, dsn string, log logx.Logger) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStore(ctx, db, "postgres", log)
}

func newSQLStore(ctx context.Context, db *sqlx.DB, driver string, log logx.Logger) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if _, err := db.ExecContext(ctx, slotSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schedule_slot: %w", err)
	}
	return &SQLStore{db: db, driver: driver, log: log}, nil
}

func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Save(ctx context.Context, r Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	row := slotRow{
		Slot:         1,
		ID:           r.ID,
		TargetMoment: r.TargetMoment.UTC().Format(time.RFC3339Nano),
		Doc:          string(b),
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO schedule_slot(slot, id, target_moment, doc, updated_at)
		 VALUES(:slot, :id, :target_moment, :doc, :updated_at)
		 ON CONFLICT(slot) DO UPDATE SET
		   id = excluded.id,
		   target_moment = excluded.target_moment,
		   doc = excluded.doc,
		   updated_at = excluded.updated_at`,
		row,
	)
	return err
}

func (s *SQLStore) Load(ctx context.Context) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	var row slotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT slot, id, target_moment, doc, updated_at FROM schedule_slot WHERE slot = ?`), 1)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return decodeRecord([]byte(row.Doc))
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM schedule_slot WHERE slot = ?`), 1)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
