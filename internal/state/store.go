package state

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS glucose (
	id          TEXT PRIMARY KEY,
	date        INTEGER NOT NULL,
	sgv         INTEGER NOT NULL,
	direction   TEXT,
	type        TEXT,
	device      TEXT
);
CREATE INDEX IF NOT EXISTS idx_glucose_date ON glucose(date);

CREATE TABLE IF NOT EXISTS pump_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	amount      REAL,
	duration    INTEGER,
	rate        REAL,
	temp        TEXT
);
CREATE INDEX IF NOT EXISTS idx_pump_events_ts ON pump_events(timestamp);

CREATE TABLE IF NOT EXISTS carbs (
	id          TEXT PRIMARY KEY,
	created_at  INTEGER NOT NULL,
	carbs       REAL NOT NULL,
	fat         REAL NOT NULL DEFAULT 0,
	protein     REAL NOT NULL DEFAULT 0,
	entered_by  TEXT
);
CREATE INDEX IF NOT EXISTS idx_carbs_created ON carbs(created_at);

CREATE TABLE IF NOT EXISTS tdd (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   INTEGER NOT NULL,
	total       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tdd_ts ON tdd(timestamp);

CREATE TABLE IF NOT EXISTS target_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   INTEGER NOT NULL,
	target      REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS overrides (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	name        TEXT,
	enabled     INTEGER NOT NULL,
	date        INTEGER NOT NULL,
	duration    REAL NOT NULL DEFAULT 0,
	indefinite  INTEGER NOT NULL DEFAULT 0,
	percentage  REAL NOT NULL DEFAULT 100,
	target      REAL NOT NULL DEFAULT 0,
	adjust_isf  INTEGER NOT NULL DEFAULT 1,
	adjust_cr   INTEGER NOT NULL DEFAULT 1,
	smb_is_off  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS temp_targets (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	name          TEXT,
	enabled       INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	duration      REAL NOT NULL,
	target_top    REAL NOT NULL,
	target_bottom REAL NOT NULL,
	hbt           REAL NOT NULL DEFAULT 0,
	reason        TEXT
);

CREATE TABLE IF NOT EXISTS adjustment_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	name        TEXT,
	start_date  INTEGER NOT NULL,
	end_date    INTEGER NOT NULL,
	target      REAL NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS determinations (
	id                TEXT PRIMARY KEY,
	timestamp         INTEGER NOT NULL,
	reason            TEXT NOT NULL,
	rate              REAL,
	duration          INTEGER,
	units             REAL,
	iob               REAL,
	cob               REAL,
	sensitivity_ratio REAL,
	target_bg         REAL,
	threshold         REAL,
	tdd               REAL,
	raw_json          TEXT,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_determinations_ts ON determinations(timestamp);

CREATE TABLE IF NOT EXISTS forecasts (
	determination_id TEXT NOT NULL,
	kind             TEXT NOT NULL,
	values_json      TEXT NOT NULL,
	PRIMARY KEY (determination_id, kind),
	FOREIGN KEY (determination_id) REFERENCES determinations(id)
);

CREATE TABLE IF NOT EXISTS current_determination (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	determination_id TEXT NOT NULL,
	FOREIGN KEY (determination_id) REFERENCES determinations(id)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	operation   TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	result_id   TEXT,
	reason      TEXT,
	created_at  TEXT NOT NULL
);
`
// #endregion schema

// #region store-struct
// Store keeps loop history, adjustments and determinations in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations. The pragmas ride on
// the DSN so every pooled connection gets them, and write transactions take
// the write lock up front so concurrent writers queue on busy_timeout.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

const busyTimeoutMillis = 5000

func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "foreign_keys(1)")
	if dbPath != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region helpers
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// window renders the WHERE/ORDER/LIMIT tail for a Query over column col.
func window(col string, q Query) (string, []any) {
	var b strings.Builder
	args := []any{millis(q.Since)}
	fmt.Fprintf(&b, " WHERE %s >= ?", col)
	if !q.Until.IsZero() {
		fmt.Fprintf(&b, " AND %s <= ?", col)
		args = append(args, millis(q.Until))
	}
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s", col, order)
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
// #endregion helpers
