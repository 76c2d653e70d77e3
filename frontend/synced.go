// Package frontend is the programmatic surface external collaborators use:
// the admin write path commits mutations here, and display renderers read
// committed state here. Every write goes through the change log before it is
// visible anywhere.
package frontend

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/taplist"
	"github.com/kegdisplay/tapsync/utils/log"
)

// CommitListener is notified after a local mutation has durably committed.
// The discovery announcer, the sync coordinator and the websocket update
// feed subscribe here.
type CommitListener func(e changelog.Entry)

// SyncedDB is the commit-mutation entry point. A write is: domain mutation,
// change-log append, watermark advance and row-version bookkeeping in one
// transaction; only then do listeners hear about it. A log persistence
// failure aborts the whole write.
type SyncedDB struct {
	db        *sql.DB
	clog      *changelog.Store
	store     *taplist.Store
	listeners []CommitListener
}

func NewSyncedDB(db *sql.DB, clog *changelog.Store, store *taplist.Store) *SyncedDB {
	return &SyncedDB{db: db, clog: clog, store: store}
}

// OnCommit registers a listener. Not safe to call after writes begin.
func (s *SyncedDB) OnCommit(l CommitListener) {
	s.listeners = append(s.listeners, l)
}

func (s *SyncedDB) notify(e changelog.Entry) {
	for _, l := range s.listeners {
		l(e)
	}
}

func (s *SyncedDB) commit(ctx context.Context, build func(tx *sql.Tx) (changelog.Entry, error)) (changelog.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return changelog.Entry{}, errors.Wrap(err, "failed to begin commit transaction")
	}
	e, err := build(tx)
	if err != nil {
		_ = tx.Rollback()
		return changelog.Entry{}, err
	}
	if err := s.store.CommitTx(tx, e); err != nil {
		_ = tx.Rollback()
		return changelog.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return changelog.Entry{}, errors.Wrap(err, "failed to commit mutation")
	}
	log.Debug("committed %s on %s/%d as %s/%d", e.Op, e.Table, e.RowKey, e.Origin, e.Sequence)
	s.notify(e)
	return e, nil
}

// AddBeer inserts a beer, allocating its ID when zero, and returns the ID.
func (s *SyncedDB) AddBeer(ctx context.Context, b taplist.Beer) (int64, error) {
	var id int64
	_, err := s.commit(ctx, func(tx *sql.Tx) (changelog.Entry, error) {
		if b.ID == 0 {
			var err error
			if b.ID, err = s.store.NextBeerID(tx); err != nil {
				return changelog.Entry{}, err
			}
		}
		id = b.ID
		payload, err := changelog.EncodeRow(b.RowMap())
		if err != nil {
			return changelog.Entry{}, err
		}
		return s.clog.AppendTx(tx, "beers", changelog.OpInsert, b.ID, payload)
	})
	return id, err
}

// UpdateBeer overwrites an existing beer row.
func (s *SyncedDB) UpdateBeer(ctx context.Context, b taplist.Beer) error {
	if b.ID == 0 {
		return errors.New("beer id required for update")
	}
	_, err := s.commit(ctx, func(tx *sql.Tx) (changelog.Entry, error) {
		payload, err := changelog.EncodeRow(b.RowMap())
		if err != nil {
			return changelog.Entry{}, err
		}
		return s.clog.AppendTx(tx, "beers", changelog.OpUpdate, b.ID, payload)
	})
	return err
}

// DeleteBeer removes a beer row.
func (s *SyncedDB) DeleteBeer(ctx context.Context, id int64) error {
	_, err := s.commit(ctx, func(tx *sql.Tx) (changelog.Entry, error) {
		return s.clog.AppendTx(tx, "beers", changelog.OpDelete, id, nil)
	})
	return err
}

// SetTap connects a beer to a tap number, creating the tap row if needed.
func (s *SyncedDB) SetTap(ctx context.Context, tapID, beerID int64) error {
	t := taplist.Tap{ID: tapID, BeerID: beerID}
	_, err := s.commit(ctx, func(tx *sql.Tx) (changelog.Entry, error) {
		payload, err := changelog.EncodeRow(t.RowMap())
		if err != nil {
			return changelog.Entry{}, err
		}
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM taps WHERE idTap = ?`, tapID).Scan(&exists); err != nil {
			return changelog.Entry{}, errors.Wrap(err, "failed to check tap existence")
		}
		op := changelog.OpInsert
		if exists > 0 {
			op = changelog.OpUpdate
		}
		return s.clog.AppendTx(tx, "taps", op, tapID, payload)
	})
	return err
}

// DeleteTap removes a tap row entirely.
func (s *SyncedDB) DeleteTap(ctx context.Context, tapID int64) error {
	_, err := s.commit(ctx, func(tx *sql.Tx) (changelog.Entry, error) {
		return s.clog.AppendTx(tx, "taps", changelog.OpDelete, tapID, nil)
	})
	return err
}

// GetBeer reads one committed beer row.
func (s *SyncedDB) GetBeer(ctx context.Context, id int64) (taplist.Beer, error) {
	return s.store.GetBeer(ctx, id)
}

// AllBeers reads the committed beers table.
func (s *SyncedDB) AllBeers(ctx context.Context) ([]taplist.Beer, error) {
	return s.store.AllBeers(ctx)
}

// AllTaps reads the committed taps table.
func (s *SyncedDB) AllTaps(ctx context.Context) ([]taplist.Tap, error) {
	return s.store.AllTaps(ctx)
}
