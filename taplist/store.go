// Package taplist owns the display database tables (beers, taps) and applies
// change-log entries to them idempotently. The applied watermark per origin
// and the table mutation are committed in a single transaction, so a crash
// can never leave one without the other.
package taplist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/utils"
	"github.com/kegdisplay/tapsync/utils/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS beers (
	idBeer          INTEGER PRIMARY KEY,
	Name            TEXT NOT NULL,
	ABV             REAL,
	IBU             REAL,
	Color           REAL,
	OriginalGravity REAL,
	FinalGravity    REAL,
	Description     TEXT,
	Brewed          TEXT,
	Kegged          TEXT,
	Tapped          TEXT,
	Notes           TEXT
);
CREATE TABLE IF NOT EXISTS taps (
	idTap  INTEGER PRIMARY KEY,
	idBeer INTEGER
);
CREATE TABLE IF NOT EXISTS sync_state (
	origin      TEXT PRIMARY KEY,
	applied_seq INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS row_versions (
	table_name TEXT    NOT NULL,
	row_key    INTEGER NOT NULL,
	origin     TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	PRIMARY KEY (table_name, row_key)
);
`

// ErrSequenceGap is returned when an entry arrives whose sequence is not the
// next one expected from its origin. The replication layer buffers and
// reorders entries so this is only seen when a session misbehaves.
var ErrSequenceGap = errors.New("sequence gap: entry is not the next expected for its origin")

// ErrUnknownTable is returned for entries that reference a table outside the
// replicated schema.
var ErrUnknownTable = errors.New("unknown table in change entry")

type tableSpec struct {
	key     string
	columns []string
}

var tables = map[string]tableSpec{
	"beers": {
		key: "idBeer",
		columns: []string{
			"idBeer", "Name", "ABV", "IBU", "Color", "OriginalGravity",
			"FinalGravity", "Description", "Brewed", "Kegged", "Tapped", "Notes",
		},
	},
	"taps": {
		key:     "idTap",
		columns: []string{"idTap", "idBeer"},
	},
}

// Store is the local database adapter. It exclusively owns the beers/taps
// tables plus the sync_state and row_versions bookkeeping tables.
type Store struct {
	db     *sql.DB
	log    *changelog.Store
	policy utils.ConflictPolicy

	mu        sync.RWMutex
	primaryID string
}

// NewStore initializes the adapter over the shared database handle, creating
// its tables if missing.
func NewStore(db *sql.DB, clog *changelog.Store, policy utils.ConflictPolicy) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to initialize taplist tables")
	}
	return &Store{db: db, log: clog, policy: policy}, nil
}

// SetPrimary records which node ID is the configured primary. The conflict
// policy needs it to rank origins; it is learned from handshakes and
// discovery announcements.
func (s *Store) SetPrimary(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primaryID != nodeID && nodeID != "" {
		log.Info("primary node is %s", nodeID)
	}
	s.primaryID = nodeID
}

// PrimaryID returns the currently known primary node ID, or empty.
func (s *Store) PrimaryID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primaryID
}

// Apply applies one replicated entry. It returns (false, nil) when the entry
// is already covered by the origin's watermark, and ErrSequenceGap when the
// entry is beyond the next expected sequence. Mutation, watermark advance,
// row-version bookkeeping and log recording happen in one transaction.
func (s *Store) Apply(ctx context.Context, e changelog.Entry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin apply transaction")
	}
	applied, err := s.applyTx(tx, e, true)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if !applied {
		_ = tx.Rollback()
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "failed to commit apply of %s/%d", e.Origin, e.Sequence)
	}
	return true, nil
}

// CommitTx applies a locally originated entry inside the caller's
// transaction. Local writes bypass the conflict policy: they are new intent
// of this node, not a replay of a divergent history.
func (s *Store) CommitTx(tx *sql.Tx, e changelog.Entry) error {
	applied, err := s.applyTx(tx, e, false)
	if err != nil {
		return err
	}
	if !applied {
		return errors.Errorf("local entry %s/%d below own watermark", e.Origin, e.Sequence)
	}
	return nil
}

func (s *Store) applyTx(tx *sql.Tx, e changelog.Entry, enforcePolicy bool) (bool, error) {
	spec, ok := tables[e.Table]
	if !ok {
		return false, errors.Wrapf(ErrUnknownTable, "table %q", e.Table)
	}

	var applied uint64
	err := tx.QueryRow(
		`SELECT COALESCE(applied_seq, 0) FROM sync_state WHERE origin = ?`, e.Origin,
	).Scan(&applied)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrapf(err, "failed to read watermark of origin %s", e.Origin)
	}

	if e.Sequence <= applied {
		// Already applied; idempotent no-op.
		return false, nil
	}
	if e.Sequence != applied+1 {
		return false, errors.Wrapf(ErrSequenceGap, "origin %s: got %d, expected %d",
			e.Origin, e.Sequence, applied+1)
	}

	suppress := false
	if enforcePolicy {
		var err error
		suppress, err = s.suppressedByPolicy(tx, e)
		if err != nil {
			return false, err
		}
	}

	if suppress {
		log.Info("conflict: suppressing %s on %s/%d from secondary origin %s (row owned by primary)",
			e.Op, e.Table, e.RowKey, e.Origin)
	} else {
		if err := execMutation(tx, spec, e); err != nil {
			return false, err
		}
		if err := recordRowVersion(tx, e); err != nil {
			return false, err
		}
	}

	// Record the entry so this node can relay it, then advance the watermark.
	// A suppressed entry still advances: it has been accounted for.
	if err := s.log.RecordTx(tx, e); err != nil {
		return false, err
	}
	_, err = tx.Exec(
		`INSERT INTO sync_state (origin, applied_seq) VALUES (?, ?)
		 ON CONFLICT(origin) DO UPDATE SET applied_seq = excluded.applied_seq`,
		e.Origin, e.Sequence)
	if err != nil {
		return false, errors.Wrapf(err, "failed to advance watermark of origin %s", e.Origin)
	}
	return true, nil
}

// suppressedByPolicy reports whether the conflict policy forbids this entry's
// mutation. Under primary-wins, a secondary-origin entry loses to a row last
// written by the primary.
func (s *Store) suppressedByPolicy(tx *sql.Tx, e changelog.Entry) (bool, error) {
	if s.policy != utils.PolicyPrimaryWins {
		return false, nil
	}
	primary := s.PrimaryID()
	if primary == "" || e.Origin == primary {
		return false, nil
	}

	var lastOrigin string
	err := tx.QueryRow(
		`SELECT origin FROM row_versions WHERE table_name = ? AND row_key = ?`,
		e.Table, e.RowKey,
	).Scan(&lastOrigin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read row version of %s/%d", e.Table, e.RowKey)
	}
	return lastOrigin == primary, nil
}

func execMutation(tx *sql.Tx, spec tableSpec, e changelog.Entry) error {
	switch e.Op {
	case changelog.OpInsert, changelog.OpUpdate:
		row, err := changelog.DecodeRow(e.Payload)
		if err != nil {
			return errors.Wrapf(err, "bad payload in entry %s/%d", e.Origin, e.Sequence)
		}
		row[spec.key] = e.RowKey

		args := make([]interface{}, 0, len(spec.columns))
		placeholders := make([]string, 0, len(spec.columns))
		for _, col := range spec.columns {
			args = append(args, row[col])
			placeholders = append(placeholders, "?")
		}
		stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			e.Table, strings.Join(spec.columns, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.Exec(stmt, args...); err != nil {
			return errors.Wrapf(err, "failed to upsert %s/%d", e.Table, e.RowKey)
		}
	case changelog.OpDelete:
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", e.Table, spec.key)
		if _, err := tx.Exec(stmt, e.RowKey); err != nil {
			return errors.Wrapf(err, "failed to delete %s/%d", e.Table, e.RowKey)
		}
	default:
		return errors.Errorf("unknown operation %d in entry %s/%d", e.Op, e.Origin, e.Sequence)
	}
	return nil
}

func recordRowVersion(tx *sql.Tx, e changelog.Entry) error {
	if e.Op == changelog.OpDelete {
		_, err := tx.Exec(
			`DELETE FROM row_versions WHERE table_name = ? AND row_key = ?`, e.Table, e.RowKey)
		return errors.Wrap(err, "failed to clear row version")
	}
	_, err := tx.Exec(
		`INSERT INTO row_versions (table_name, row_key, origin, sequence) VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_name, row_key) DO UPDATE
			SET origin = excluded.origin, sequence = excluded.sequence`,
		e.Table, e.RowKey, e.Origin, e.Sequence)
	return errors.Wrap(err, "failed to record row version")
}

// AppliedWatermarks returns the highest contiguous applied sequence per
// origin. This is the state advertised in discovery heartbeats and sync
// handshakes.
func (s *Store) AppliedWatermarks() (map[string]uint64, error) {
	rows, err := s.db.Query(`SELECT origin, applied_seq FROM sync_state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query applied watermarks")
	}
	defer rows.Close()

	marks := make(map[string]uint64)
	for rows.Next() {
		var origin string
		var seq uint64
		if err := rows.Scan(&origin, &seq); err != nil {
			return nil, errors.Wrap(err, "failed to scan sync_state row")
		}
		marks[origin] = seq
	}
	return marks, rows.Err()
}

// AppliedSequence returns the applied watermark for one origin.
func (s *Store) AppliedSequence(origin string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(
		`SELECT COALESCE(applied_seq, 0) FROM sync_state WHERE origin = ?`, origin,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read watermark of origin %s", origin)
	}
	return seq, nil
}

// NextBeerID allocates the next beer primary key inside the caller's
// transaction.
func (s *Store) NextBeerID(tx *sql.Tx) (int64, error) {
	var id int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(idBeer), 0) + 1 FROM beers`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "failed to allocate beer id")
	}
	return id, nil
}

// GetBeer fetches one beer by ID.
func (s *Store) GetBeer(ctx context.Context, id int64) (Beer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idBeer, Name, COALESCE(ABV, 0), COALESCE(IBU, 0), COALESCE(Color, 0),
			COALESCE(OriginalGravity, 0), COALESCE(FinalGravity, 0),
			COALESCE(Description, ''), COALESCE(Brewed, ''), COALESCE(Kegged, ''),
			COALESCE(Tapped, ''), COALESCE(Notes, '')
		 FROM beers WHERE idBeer = ?`, id)
	var b Beer
	err := row.Scan(&b.ID, &b.Name, &b.ABV, &b.IBU, &b.Color, &b.OriginalGravity,
		&b.FinalGravity, &b.Description, &b.Brewed, &b.Kegged, &b.Tapped, &b.Notes)
	if err != nil {
		return Beer{}, errors.Wrapf(err, "failed to get beer %d", id)
	}
	return b, nil
}

// AllBeers returns every beer ordered by ID. This is the committed-state read
// path for display renderers; change-log internals are never exposed here.
func (s *Store) AllBeers(ctx context.Context) ([]Beer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idBeer, Name, COALESCE(ABV, 0), COALESCE(IBU, 0), COALESCE(Color, 0),
			COALESCE(OriginalGravity, 0), COALESCE(FinalGravity, 0),
			COALESCE(Description, ''), COALESCE(Brewed, ''), COALESCE(Kegged, ''),
			COALESCE(Tapped, ''), COALESCE(Notes, '')
		 FROM beers ORDER BY idBeer`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query beers")
	}
	defer rows.Close()

	var out []Beer
	for rows.Next() {
		var b Beer
		err := rows.Scan(&b.ID, &b.Name, &b.ABV, &b.IBU, &b.Color, &b.OriginalGravity,
			&b.FinalGravity, &b.Description, &b.Brewed, &b.Kegged, &b.Tapped, &b.Notes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan beer row")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AllTaps returns every tap ordered by tap number.
func (s *Store) AllTaps(ctx context.Context) ([]Tap, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idTap, COALESCE(idBeer, 0) FROM taps ORDER BY idTap`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query taps")
	}
	defer rows.Close()

	var out []Tap
	for rows.Next() {
		var t Tap
		if err := rows.Scan(&t.ID, &t.BeerID); err != nil {
			return nil, errors.Wrap(err, "failed to scan tap row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
