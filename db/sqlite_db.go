// Package db persists DKG results and finished round outcomes in sqlite.
package db

import (
	"database/sql"
	"encoding/hex"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/eventbus"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/telemetry"
)

var ErrNotFound = errors.New("not found")

const createTables = `
CREATE TABLE IF NOT EXISTS dkg_results (
	id         INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	group_key  TEXT NOT NULL UNIQUE,
	threshold  INTEGER NOT NULL,
	result     BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS round_outcomes (
	round_id    TEXT NOT NULL PRIMARY KEY,
	kind        TEXT NOT NULL,
	state       TEXT NOT NULL,
	outcome     BLOB NOT NULL,
	finished_at INTEGER NOT NULL
);
`

// SqliteDB stores DKG results, so a restarted coordinator can keep signing under the same
// group key, and the outcome of every finished round.
type SqliteDB struct {
	path string
	db   *sql.DB
}

func NewSqliteDB(path string) (*SqliteDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	s := &SqliteDB{
		path: path,
		db:   db,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteDB) init() error {
	_, err := s.db.Exec(createTables)
	return errors.Wrap(err, "could not create tables")
}

func (s *SqliteDB) Close() error {
	return s.db.Close()
}

func (s *SqliteDB) exec(query string, args ...interface{}) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	if _, err := stmt.Exec(args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// StoreDkgResult saves result. Storing the same group key again replaces the older row.
func (s *SqliteDB) StoreDkgResult(result *frost.DkgResult) error {
	telemetry.IncrementCounter(common.TelemetryConstants.DB.StoreDkgResultCounter, common.TelemetryConstants.DB.Prefix)
	raw, err := bijson.Marshal(result)
	if err != nil {
		return err
	}
	err = s.exec(`INSERT INTO dkg_results(group_key, threshold, result, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(group_key) DO UPDATE SET threshold=excluded.threshold, result=excluded.result`,
		hex.EncodeToString(result.GroupKey), result.Threshold, raw, time.Now().UnixNano())
	return errors.Wrap(err, "could not store dkg result")
}

// RetrieveDkgResult returns the most recently stored result.
func (s *SqliteDB) RetrieveDkgResult() (*frost.DkgResult, error) {
	telemetry.IncrementCounter(common.TelemetryConstants.DB.RetrieveDkgResultCounter, common.TelemetryConstants.DB.Prefix)
	return s.scanDkgResult(s.db.QueryRow("SELECT result FROM dkg_results ORDER BY id DESC LIMIT 1;"))
}

func (s *SqliteDB) RetrieveDkgResultByGroupKey(groupKey []byte) (*frost.DkgResult, error) {
	telemetry.IncrementCounter(common.TelemetryConstants.DB.RetrieveDkgResultCounter, common.TelemetryConstants.DB.Prefix)
	return s.scanDkgResult(s.db.QueryRow("SELECT result FROM dkg_results WHERE group_key=$1;", hex.EncodeToString(groupKey)))
}

func (s *SqliteDB) scanDkgResult(row *sql.Row) (*frost.DkgResult, error) {
	var raw []byte
	switch err := row.Scan(&raw); err {
	case nil:
	case sql.ErrNoRows:
		return nil, ErrNotFound
	default:
		return nil, err
	}
	var result frost.DkgResult
	if err := bijson.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "corrupt dkg result")
	}
	return &result, nil
}

func (s *SqliteDB) StoreRoundOutcome(o *round.Outcome) error {
	telemetry.IncrementCounter(common.TelemetryConstants.DB.StoreRoundOutcomeCounter, common.TelemetryConstants.DB.Prefix)
	raw, err := bijson.Marshal(o)
	if err != nil {
		return err
	}
	err = s.exec(`INSERT OR REPLACE INTO round_outcomes(round_id, kind, state, outcome, finished_at) VALUES(?, ?, ?, ?, ?)`,
		o.RoundID, string(o.Kind), string(o.State), raw, o.FinishedAt.UnixNano())
	return errors.Wrapf(err, "could not store outcome of round %s", o.RoundID)
}

func (s *SqliteDB) RetrieveRoundOutcome(roundID string) (*round.Outcome, error) {
	row := s.db.QueryRow("SELECT outcome FROM round_outcomes WHERE round_id=$1;", roundID)
	var raw []byte
	switch err := row.Scan(&raw); err {
	case nil:
	case sql.ErrNoRows:
		return nil, ErrNotFound
	default:
		return nil, err
	}
	var o round.Outcome
	if err := bijson.Unmarshal(raw, &o); err != nil {
		return nil, errors.Wrap(err, "corrupt round outcome")
	}
	return &o, nil
}

// CountRoundOutcomes counts stored outcomes per state.
func (s *SqliteDB) CountRoundOutcomes() (map[round.State]int, error) {
	rows, err := s.db.Query("SELECT state, COUNT(*) FROM round_outcomes GROUP BY state;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[round.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[round.State(state)] = n
	}
	return counts, rows.Err()
}

// Record subscribes to finished rounds on bus and stores each outcome, plus the DKG result
// of every successful round. The returned function unsubscribes.
func (s *SqliteDB) Record(bus eventbus.Bus, topic string) func() {
	id := bus.SubscribeAsync(topic, func(data interface{}) {
		o, ok := data.(*round.Outcome)
		if !ok {
			logging.WithField("topic", topic).Error("unexpected event payload")
			return
		}
		if err := s.StoreRoundOutcome(o); err != nil {
			logging.WithError(err).WithField("round", o.RoundID).Error("could not archive round")
		}
		if o.Succeeded() && o.DkgResult != nil {
			if err := s.StoreDkgResult(o.DkgResult); err != nil {
				logging.WithError(err).WithField("round", o.RoundID).Error("could not store dkg result")
			}
		}
	}, true)
	return func() {
		_ = bus.Unsubscribe(topic, id)
	}
}
