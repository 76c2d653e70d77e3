// Package changelog persists the append-only ledger of committed mutations
// that is the unit of replication. Every node carries log entries for every
// origin it has heard from, so any node can re-serve entries it did not
// originate.
package changelog

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/utils/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_log (
	origin     TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	table_name TEXT    NOT NULL,
	op         INTEGER NOT NULL,
	row_key    INTEGER NOT NULL,
	payload    BLOB,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (origin, sequence)
);
`

// Store is the sqlite-backed change log. Append assigns sequence numbers for
// the local origin; entries relayed from other origins are recorded verbatim.
type Store struct {
	db     *sql.DB
	origin string
}

// NewStore opens the change log over the shared database handle and creates
// its table if missing.
func NewStore(db *sql.DB, origin string) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to initialize change_log table")
	}
	return &Store{db: db, origin: origin}, nil
}

// Origin returns the node ID this store assigns new sequences for.
func (s *Store) Origin() string {
	return s.origin
}

// Append assigns the next local sequence number and durably persists the
// entry before returning. A persistence failure aborts the append; nothing is
// considered committed unless the log write completed.
func (s *Store) Append(table string, op Operation, rowKey int64, payload []byte) (Entry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to begin append transaction")
	}
	e, err := s.AppendTx(tx, table, op, rowKey, payload)
	if err != nil {
		_ = tx.Rollback()
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, errors.Wrap(err, "failed to commit append transaction")
	}
	return e, nil
}

// AppendTx assigns the next local sequence and inserts the entry inside the
// caller's transaction. The commit-mutation path uses this so the table
// mutation and the log write succeed or fail as one unit.
func (s *Store) AppendTx(tx *sql.Tx, table string, op Operation, rowKey int64, payload []byte) (Entry, error) {
	var next uint64
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM change_log WHERE origin = ?`, s.origin,
	).Scan(&next)
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to compute next sequence")
	}

	e := Entry{
		Origin:    s.origin,
		Sequence:  next,
		Table:     table,
		Op:        op,
		RowKey:    rowKey,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := insertEntry(tx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// RecordTx stores a relayed entry inside the caller's transaction so this
// node can later serve it to other peers. Re-recording a known
// (origin, sequence) is a no-op.
func (s *Store) RecordTx(tx *sql.Tx, e Entry) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO change_log
			(origin, sequence, table_name, op, row_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Origin, e.Sequence, e.Table, e.Op, e.RowKey, e.Payload, e.Timestamp,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record entry %s/%d", e.Origin, e.Sequence)
	}
	return nil
}

func insertEntry(tx *sql.Tx, e Entry) error {
	_, err := tx.Exec(
		`INSERT INTO change_log
			(origin, sequence, table_name, op, row_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Origin, e.Sequence, e.Table, e.Op, e.RowKey, e.Payload, e.Timestamp,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append entry %s/%d", e.Origin, e.Sequence)
	}
	return nil
}

// Cursor iterates entries lazily in increasing sequence order. The caller
// must Close it; a broken cursor is restartable by calling EntriesSince again
// with the last sequence seen.
type Cursor struct {
	rows *sql.Rows
	cur  Entry
	err  error
}

// Next advances the cursor. It returns false when the cursor is exhausted or
// failed; check Err afterwards.
func (c *Cursor) Next() bool {
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	var e Entry
	var ts time.Time
	if err := c.rows.Scan(&e.Origin, &e.Sequence, &e.Table, &e.Op, &e.RowKey, &e.Payload, &ts); err != nil {
		c.err = errors.Wrap(err, "failed to scan change_log row")
		return false
	}
	e.Timestamp = ts.UTC()
	c.cur = e
	return true
}

// Entry returns the entry the cursor is positioned on.
func (c *Cursor) Entry() Entry {
	return c.cur
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) Close() error {
	return c.rows.Close()
}

// EntriesSince returns a cursor over the entries of one origin with sequence
// greater than after, in increasing sequence order.
func (s *Store) EntriesSince(ctx context.Context, origin string, after uint64) (*Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT origin, sequence, table_name, op, row_key, payload, created_at
		 FROM change_log
		 WHERE origin = ? AND sequence > ?
		 ORDER BY sequence`, origin, after)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query entries of origin %s after %d", origin, after)
	}
	return &Cursor{rows: rows}, nil
}

// HighestSequence returns the highest sequence the log holds for an origin,
// or zero if it holds none.
func (s *Store) HighestSequence(origin string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM change_log WHERE origin = ?`, origin,
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query highest sequence of origin %s", origin)
	}
	return seq, nil
}

// LowestSequence returns the lowest sequence retained for an origin, or zero
// if the log holds none. A pruned log starts above one; a peer requesting
// below that must be told to resync.
func (s *Store) LowestSequence(origin string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(
		`SELECT COALESCE(MIN(sequence), 0) FROM change_log WHERE origin = ?`, origin,
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query lowest sequence of origin %s", origin)
	}
	return seq, nil
}

// Watermarks returns the log high-water mark for every origin present in the
// log.
func (s *Store) Watermarks() (map[string]uint64, error) {
	rows, err := s.db.Query(`SELECT origin, MAX(sequence) FROM change_log GROUP BY origin`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query log watermarks")
	}
	defer rows.Close()

	marks := make(map[string]uint64)
	for rows.Next() {
		var origin string
		var seq uint64
		if err := rows.Scan(&origin, &seq); err != nil {
			return nil, errors.Wrap(err, "failed to scan watermark row")
		}
		marks[origin] = seq
	}
	return marks, rows.Err()
}

// PruneBefore removes entries of an origin below the given sequence. Pruning
// trades disk for resync ability: a peer that still needs the pruned range
// will be answered with a resync-required error.
func (s *Store) PruneBefore(origin string, seq uint64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM change_log WHERE origin = ? AND sequence < ?`, origin, seq)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prune log of origin %s below %d", origin, seq)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info("pruned %d change_log entries of origin %s below sequence %d", n, origin, seq)
	}
	return n, nil
}
