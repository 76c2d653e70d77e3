package frontend_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/frontend"
	"github.com/kegdisplay/tapsync/taplist"
	"github.com/kegdisplay/tapsync/utils"
)

func newSyncedDB(t *testing.T) (*frontend.SyncedDB, *taplist.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clog, err := changelog.NewStore(db, "node-a")
	require.NoError(t, err)
	store, err := taplist.NewStore(db, clog, utils.PolicyPrimaryWins)
	require.NoError(t, err)
	return frontend.NewSyncedDB(db, clog, store), store
}

func TestAddBeer_AllocatesIDAndLogs(t *testing.T) {
	t.Parallel()
	// --- given ---
	sdb, store := newSyncedDB(t)
	var committed []changelog.Entry
	sdb.OnCommit(func(e changelog.Entry) { committed = append(committed, e) })
	ctx := context.Background()

	// --- when ---
	id, err := sdb.AddBeer(ctx, taplist.Beer{Name: "Helles", ABV: 4.9})
	require.NoError(t, err)

	// --- then ---
	assert.Equal(t, int64(1), id)
	b, err := sdb.GetBeer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Helles", b.Name)

	// The commit advanced the own-origin watermark and notified listeners.
	seq, err := store.AppliedSequence("node-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	require.Len(t, committed, 1)
	assert.Equal(t, "node-a", committed[0].Origin)
	assert.Equal(t, changelog.OpInsert, committed[0].Op)
	assert.Equal(t, id, committed[0].RowKey)
}

func TestAddBeer_KeepsExplicitID(t *testing.T) {
	t.Parallel()
	sdb, _ := newSyncedDB(t)
	ctx := context.Background()

	id, err := sdb.AddBeer(ctx, taplist.Beer{ID: 42, Name: "Imported"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	// The allocator continues past the explicit ID.
	next, err := sdb.AddBeer(ctx, taplist.Beer{Name: "Fresh"})
	require.NoError(t, err)
	assert.Equal(t, int64(43), next)
}

func TestUpdateBeer(t *testing.T) {
	t.Parallel()
	// --- given ---
	sdb, _ := newSyncedDB(t)
	ctx := context.Background()
	id, err := sdb.AddBeer(ctx, taplist.Beer{Name: "Helles"})
	require.NoError(t, err)

	// --- when ---
	err = sdb.UpdateBeer(ctx, taplist.Beer{ID: id, Name: "Helles Export", ABV: 5.4})
	require.NoError(t, err)

	// --- then ---
	b, err := sdb.GetBeer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Helles Export", b.Name)
	assert.InDelta(t, 5.4, b.ABV, 1e-9)
}

func TestUpdateBeer_RequiresID(t *testing.T) {
	t.Parallel()
	sdb, _ := newSyncedDB(t)
	err := sdb.UpdateBeer(context.Background(), taplist.Beer{Name: "Nameless"})
	require.Error(t, err)
}

func TestDeleteBeer(t *testing.T) {
	t.Parallel()
	// --- given ---
	sdb, store := newSyncedDB(t)
	ctx := context.Background()
	id, err := sdb.AddBeer(ctx, taplist.Beer{Name: "Helles"})
	require.NoError(t, err)

	// --- when ---
	require.NoError(t, sdb.DeleteBeer(ctx, id))

	// --- then ---
	beers, err := sdb.AllBeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, beers)
	seq, err := store.AppliedSequence("node-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestSetTap_InsertThenUpdate(t *testing.T) {
	t.Parallel()
	// --- given ---
	sdb, _ := newSyncedDB(t)
	var ops []changelog.Operation
	sdb.OnCommit(func(e changelog.Entry) { ops = append(ops, e.Op) })
	ctx := context.Background()
	id, err := sdb.AddBeer(ctx, taplist.Beer{Name: "Helles"})
	require.NoError(t, err)

	// --- when ---
	// First assignment creates the tap row, the second overwrites it.
	require.NoError(t, sdb.SetTap(ctx, 1, id))
	require.NoError(t, sdb.SetTap(ctx, 1, 0))

	// --- then ---
	taps, err := sdb.AllTaps(ctx)
	require.NoError(t, err)
	require.Len(t, taps, 1)
	assert.Zero(t, taps[0].BeerID)
	assert.Equal(t, []changelog.Operation{
		changelog.OpInsert, changelog.OpInsert, changelog.OpUpdate,
	}, ops)
}

func TestDeleteTap(t *testing.T) {
	t.Parallel()
	sdb, _ := newSyncedDB(t)
	ctx := context.Background()
	require.NoError(t, sdb.SetTap(ctx, 1, 0))
	require.NoError(t, sdb.DeleteTap(ctx, 1))

	taps, err := sdb.AllTaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, taps)
}

func TestCommit_SequencesAreContiguous(t *testing.T) {
	t.Parallel()
	// --- given ---
	sdb, _ := newSyncedDB(t)
	var seqs []uint64
	sdb.OnCommit(func(e changelog.Entry) { seqs = append(seqs, e.Sequence) })
	ctx := context.Background()

	// --- when ---
	id, err := sdb.AddBeer(ctx, taplist.Beer{Name: "Helles"})
	require.NoError(t, err)
	require.NoError(t, sdb.SetTap(ctx, 1, id))
	require.NoError(t, sdb.DeleteBeer(ctx, id))

	// --- then ---
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
