// Package sqlitestore implements store.Store on database/sql with the
// go-sqlite3 driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/store"
)

type Config struct {
	Path string `yaml:"path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+"db.path", "busmap.db", "Path to the sqlite database file.")
}

const schema = `
CREATE TABLE IF NOT EXISTS api_call (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	url         TEXT NOT NULL,
	params      TEXT NOT NULL DEFAULT '{}',
	size        INTEGER,
	status      INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	source      TEXT NOT NULL DEFAULT 'Nextbus',
	time        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_call_time ON api_call(time);

CREATE TABLE IF NOT EXISTS region (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	title       TEXT NOT NULL UNIQUE,
	api_call_id INTEGER REFERENCES api_call(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS agency (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tag         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	short_title TEXT NOT NULL DEFAULT '',
	region_id   INTEGER NOT NULL REFERENCES region(id) ON DELETE CASCADE,
	api_call_id INTEGER REFERENCES api_call(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS route (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	agency_id      INTEGER NOT NULL REFERENCES agency(id) ON DELETE CASCADE,
	tag            TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	short_title    TEXT NOT NULL DEFAULT '',
	color          TEXT NOT NULL DEFAULT '',
	opposite_color TEXT NOT NULL DEFAULT '',
	lat_min        REAL NOT NULL DEFAULT 0,
	lat_max        REAL NOT NULL DEFAULT 0,
	lon_min        REAL NOT NULL DEFAULT 0,
	lon_max        REAL NOT NULL DEFAULT 0,
	api_call_id    INTEGER REFERENCES api_call(id) ON DELETE SET NULL,
	UNIQUE (tag, agency_id)
);

CREATE TABLE IF NOT EXISTS direction (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	route_id    INTEGER NOT NULL REFERENCES route(id) ON DELETE CASCADE,
	tag         TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	api_call_id INTEGER REFERENCES api_call(id) ON DELETE SET NULL,
	UNIQUE (tag, route_id)
);

CREATE TABLE IF NOT EXISTS stop (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	stop_id       INTEGER,
	title         TEXT NOT NULL,
	lat           REAL NOT NULL,
	lon           REAL NOT NULL,
	lat_lon_count INTEGER NOT NULL DEFAULT 1,
	api_call_id   INTEGER REFERENCES api_call(id) ON DELETE SET NULL,
	UNIQUE (title, lat, lon)
);
CREATE INDEX IF NOT EXISTS idx_stop_title ON stop(title);

CREATE TABLE IF NOT EXISTS route_stop (
	route_id INTEGER NOT NULL REFERENCES route(id) ON DELETE CASCADE,
	stop_id  INTEGER NOT NULL REFERENCES stop(id) ON DELETE CASCADE,
	stop_tag TEXT NOT NULL,
	PRIMARY KEY (route_id, stop_id)
);

CREATE TABLE IF NOT EXISTS prediction (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	route_id     INTEGER NOT NULL REFERENCES route(id) ON DELETE CASCADE,
	stop_id      INTEGER NOT NULL REFERENCES stop(id),
	direction_id INTEGER REFERENCES direction(id) ON DELETE CASCADE,
	vehicle      TEXT NOT NULL DEFAULT '',
	block        TEXT NOT NULL DEFAULT '',
	prediction   TIMESTAMP NOT NULL,
	created      TIMESTAMP NOT NULL,
	is_departure BOOLEAN NOT NULL DEFAULT 0,
	has_layover  BOOLEAN NOT NULL DEFAULT 0,
	api_call_id  INTEGER REFERENCES api_call(id) ON DELETE SET NULL
);
CREATE INDEX IF NOT EXISTS idx_prediction_created ON prediction(created);
CREATE INDEX IF NOT EXISTS idx_prediction_route ON prediction(route_id);

CREATE TABLE IF NOT EXISTS vehicle_location (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	vehicle      TEXT NOT NULL DEFAULT '',
	route_id     INTEGER NOT NULL REFERENCES route(id) ON DELETE CASCADE,
	direction_id INTEGER REFERENCES direction(id) ON DELETE CASCADE,
	lat          REAL NOT NULL,
	lon          REAL NOT NULL,
	time         TIMESTAMP NOT NULL,
	predictable  BOOLEAN NOT NULL DEFAULT 0,
	heading      INTEGER,
	speed        REAL NOT NULL DEFAULT 0,
	api_call_id  INTEGER REFERENCES api_call(id) ON DELETE SET NULL
);
CREATE INDEX IF NOT EXISTS idx_vehicle_location_time ON vehicle_location(time);
CREATE INDEX IF NOT EXISTS idx_vehicle_location_route_time ON vehicle_location(route_id, time);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New opens (creating if necessary) the database at cfg.Path.
func New(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", cfg.Path)
	return open(dsn)
}

// NewInMemory opens a fresh private in-memory database. Used by tests.
func NewInMemory() (*Store, error) {
	return open("file::memory:?_foreign_keys=on")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// sqlite writer contention. The ingest workload is not connection-bound.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock. Used by tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: dbtx, now: s.now}); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) InsertAPICall(ctx context.Context, c *model.APICall) error {
	return insertAPICall(ctx, s.db, s.now, c)
}

func (s *Store) InsertAPICalls(ctx context.Context, cs []*model.APICall) error {
	return s.WithTx(ctx, func(tx store.Tx) error {
		t := tx.(*sqlTx)
		for _, c := range cs {
			if err := insertAPICall(ctx, t.tx, t.now, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) BytesFetchedSince(ctx context.Context, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(COALESCE(size, 0)) FROM api_call WHERE time >= ?`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum api_call sizes: %w", err)
	}
	return total.Int64, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAPICall(ctx context.Context, db execer, now func() time.Time, c *model.APICall) error {
	params, err := json.Marshal(c.Params)
	if err != nil {
		return fmt.Errorf("failed to encode api_call params: %w", err)
	}
	if c.Time.IsZero() {
		c.Time = now()
	}
	if c.Source == "" {
		c.Source = model.SourceNextbus
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO api_call (url, params, size, status, error, source, time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.URL, string(params), c.Size, c.Status, nullString(c.Error), string(c.Source), c.Time)
	if err != nil {
		return fmt.Errorf("failed to insert api_call: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
