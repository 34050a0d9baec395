package history

import (
	"database/sql"
	"time"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/temoto/solarvalve/tele"
)

const schema = `
CREATE TABLE IF NOT EXISTS temperature (
	ts INTEGER NOT NULL PRIMARY KEY,
	solar REAL,
	tank REAL
);
CREATE TABLE IF NOT EXISTS faucet_event (
	ts INTEGER NOT NULL,
	closed INTEGER NOT NULL,
	UNIQUE (ts, closed)
);
CREATE INDEX IF NOT EXISTS faucet_event_ts ON faucet_event (ts);
`

const (
	sqlInsertReading = `INSERT OR IGNORE INTO temperature (ts, solar, tank) VALUES (?, ?, ?)`
	sqlInsertFaucet  = `INSERT OR IGNORE INTO faucet_event (ts, closed) VALUES (?, ?)`
	sqlPruneReading  = `DELETE FROM temperature WHERE ts <= ?`
	sqlPruneFaucet   = `DELETE FROM faucet_event WHERE ts <= ?`
	sqlQueryReading  = `SELECT ts, solar, tank FROM temperature WHERE ts > ? ORDER BY ts`
	sqlQueryFaucet   = `SELECT ts, closed FROM faucet_event WHERE ts > ? ORDER BY ts`
)

type Point struct {
	TS    int64    `json:"ts"`
	Solar *float64 `json:"s"`
	Tank  *float64 `json:"t"`
}

type FaucetEvent struct {
	TS     int64 `json:"ts"`
	Closed bool  `json:"c"`
}

type Data struct {
	Temperature []Point       `json:"temperature_data"`
	Faucet      []FaucetEvent `json:"faucet_events"`
}

// Window maps timeframe name to query window, unknown names get retention.
func Window(timeframe string, retention time.Duration) time.Duration {
	switch timeframe {
	case "minute":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	case "week":
		return 7 * 24 * time.Hour
	}
	return retention
}

// SQLStore is a history Sink with retention.
// Rows at or before now-retention are pruned on every insert.
type SQLStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

func OpenSQLStore(path string, retention time.Duration) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Annotate(err, "history sqlite open")
	}
	s := NewSQLStore(db, retention)
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "history sqlite migrate")
	}
	return s, nil
}

// NewSQLStore wraps existing db, schema must exist.
func NewSQLStore(db *sql.DB, retention time.Duration) *SQLStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SQLStore{db: db, retention: retention, now: time.Now}
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Name() string             { return "sqlite" }
func (s *SQLStore) Retention() time.Duration { return s.retention }
func (s *SQLStore) Close() error             { return s.db.Close() }

func (s *SQLStore) WriteReading(ts int64, r tele.Reading) error {
	if _, err := s.db.Exec(sqlInsertReading, ts, nullFloat(r.Solar), nullFloat(r.Tank)); err != nil {
		return errors.Annotatef(err, "history insert reading ts=%d", ts)
	}
	return s.prune(sqlPruneReading)
}

func (s *SQLStore) WriteFaucet(ts int64, closed bool) error {
	if _, err := s.db.Exec(sqlInsertFaucet, ts, closed); err != nil {
		return errors.Annotatef(err, "history insert faucet ts=%d", ts)
	}
	return s.prune(sqlPruneFaucet)
}

func (s *SQLStore) prune(query string) error {
	cutoff := s.now().Add(-s.retention).Unix()
	_, err := s.db.Exec(query, cutoff)
	return errors.Annotatef(err, "history prune cutoff=%d", cutoff)
}

// Query returns rows strictly newer than now-Window(timeframe).
// Slices are never nil so JSON has [] not null.
func (s *SQLStore) Query(timeframe string) (Data, error) {
	cutoff := s.now().Add(-Window(timeframe, s.retention)).Unix()
	data := Data{
		Temperature: []Point{},
		Faucet:      []FaucetEvent{},
	}

	rows, err := s.db.Query(sqlQueryReading, cutoff)
	if err != nil {
		return data, errors.Annotate(err, "history query temperature")
	}
	for rows.Next() {
		var p Point
		var solar, tank sql.NullFloat64
		if err = rows.Scan(&p.TS, &solar, &tank); err != nil {
			rows.Close()
			return data, errors.Annotate(err, "history scan temperature")
		}
		p.Solar, p.Tank = floatPtr(solar), floatPtr(tank)
		data.Temperature = append(data.Temperature, p)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return data, errors.Annotate(err, "history query temperature")
	}
	rows.Close()

	rows, err = s.db.Query(sqlQueryFaucet, cutoff)
	if err != nil {
		return data, errors.Annotate(err, "history query faucet")
	}
	defer rows.Close()
	for rows.Next() {
		var e FaucetEvent
		if err = rows.Scan(&e.TS, &e.Closed); err != nil {
			return data, errors.Annotate(err, "history scan faucet")
		}
		data.Faucet = append(data.Faucet, e)
	}
	return data, errors.Annotate(rows.Err(), "history query faucet")
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	x := n.Float64
	return &x
}
