package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sale.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestSale(t *testing.T, s *Store) string {
	t.Helper()
	id := uuid.NewString()
	assert.NoError(t, s.CreateSale(context.Background(), Sale{
		ID:        id,
		Config:    []byte("sale_id: " + id),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
	return id
}

func TestOpen_Pragmas(t *testing.T) {
	s := openTestStore(t)

	check.NoError(t, s.verifyPragma("journal_mode", "wal"))
	check.NoError(t, s.verifyPragma("synchronous", "1"))
	check.NoError(t, s.verifyPragma("foreign_keys", "1"))
	check.NoError(t, s.verifyPragma("busy_timeout", "5000"))

	version, err := s.schemaVersion()
	assert.NoError(t, err)
	check.Equal(t, currentSchemaVersion, version)
	check.NoError(t, s.Ping(context.Background()))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sale.db")
	s, err := Open(path)
	assert.NoError(t, err)
	id := createTestSale(t, s)
	assert.NoError(t, s.Close())

	reopened, err := Open(path)
	assert.NoError(t, err)
	defer reopened.Close()

	sale, ok, err := reopened.GetSale(context.Background(), id)
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, id, sale.ID)
}

func TestCreateSale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := createTestSale(t, s)

	// registering twice keeps the first config
	assert.NoError(t, s.CreateSale(ctx, Sale{ID: id, Config: []byte("other"), CreatedAt: time.Now()}))
	sale, ok, err := s.GetSale(ctx, id)
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, "sale_id: "+id, string(sale.Config))
	check.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), sale.CreatedAt)

	_, ok, err = s.GetSale(ctx, uuid.NewString())
	assert.NoError(t, err)
	check.False(t, ok)

	check.Error(t, s.CreateSale(ctx, Sale{ID: "not-a-uuid"}))
}

func TestCommit_JournalAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := createTestSale(t, s)
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	seq, err := s.LastSeq(ctx, id)
	assert.NoError(t, err)
	check.Equal(t, int64(0), seq)

	assert.NoError(t, s.Commit(ctx, Entry{
		SaleID: id, Seq: 1, Op: "submit_bid",
		Request: `{"bidder":"alice"}`, Result: `{"bid_id":1}`, At: at,
	}, &Snapshot{SaleID: id, Seq: 1, Auction: []byte{0xa1}, Ledger: []byte{0xa2}, CreatedAt: at}))

	assert.NoError(t, s.Commit(ctx, Entry{
		SaleID: id, Seq: 2, Op: "withdraw_bid",
		Request: `{"bid_id":9}`, Result: `{}`, ErrorCode: "BID_NOT_FOUND", At: at.Add(time.Minute),
	}, nil))

	seq, err = s.LastSeq(ctx, id)
	assert.NoError(t, err)
	check.Equal(t, int64(2), seq)

	entries, err := s.Journal(ctx, id, 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(entries))
	check.Equal(t, "submit_bid", entries[0].Op)
	check.NotEqual(t, "", entries[0].ID)
	check.Equal(t, at, entries[0].At)
	check.Equal(t, "BID_NOT_FOUND", entries[1].ErrorCode)

	tail, err := s.Journal(ctx, id, 1)
	assert.NoError(t, err)
	check.Equal(t, 1, len(tail))

	snap, ok, err := s.LatestSnapshot(ctx, id)
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, int64(1), snap.Seq)
	check.Equal(t, []byte{0xa1}, snap.Auction)
	check.Equal(t, []byte{0xa2}, snap.Ledger)
}

func TestCommit_Rollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := createTestSale(t, s)
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	assert.NoError(t, s.Commit(ctx, Entry{SaleID: id, Seq: 1, Op: "finalize", Request: "{}", Result: "{}", At: at},
		&Snapshot{SaleID: id, Seq: 1, Auction: []byte{1}, Ledger: []byte{1}, CreatedAt: at}))

	// sequence numbers are unique per sale; the failed commit leaves no snapshot behind
	err := s.Commit(ctx, Entry{SaleID: id, Seq: 1, Op: "finalize", Request: "{}", Result: "{}", At: at},
		&Snapshot{SaleID: id, Seq: 1, Auction: []byte{2}, Ledger: []byte{2}, CreatedAt: at})
	check.Error(t, err)

	entries, err := s.Journal(ctx, id, 0)
	assert.NoError(t, err)
	check.Equal(t, 1, len(entries))
	snap, _, err := s.LatestSnapshot(ctx, id)
	assert.NoError(t, err)
	check.Equal(t, []byte{1}, snap.Auction)

	// mismatched snapshot is rejected before touching the database
	check.Error(t, s.Commit(ctx, Entry{SaleID: id, Seq: 3}, &Snapshot{SaleID: id, Seq: 4}))

	// unknown sale violates the foreign key
	check.Error(t, s.Commit(ctx, Entry{SaleID: uuid.NewString(), Seq: 1, Op: "x", At: at}, nil))
}

func TestLatestSnapshot_None(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LatestSnapshot(context.Background(), uuid.NewString())
	assert.NoError(t, err)
	check.False(t, ok)

	entries, err := s.Journal(context.Background(), uuid.NewString(), 0)
	assert.NoError(t, err)
	check.NotNil(t, entries)
	check.Equal(t, 0, len(entries))
}

func TestPruneSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := createTestSale(t, s)
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	for seq := int64(1); seq <= 5; seq++ {
		assert.NoError(t, s.Commit(ctx, Entry{SaleID: id, Seq: seq, Op: "submit_bid", Request: "{}", Result: "{}", At: at},
			&Snapshot{SaleID: id, Seq: seq, Auction: []byte{byte(seq)}, Ledger: []byte{0}, CreatedAt: at}))
	}

	removed, err := s.PruneSnapshots(ctx, id, 2)
	assert.NoError(t, err)
	check.Equal(t, int64(3), removed)

	snap, ok, err := s.LatestSnapshot(ctx, id)
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, int64(5), snap.Seq)

	_, err = s.PruneSnapshots(ctx, id, 0)
	check.Error(t, err)
}
