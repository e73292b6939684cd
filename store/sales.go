package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sale is a registered sale and the configuration it was created with.
type Sale struct {
	ID        string
	Config    []byte
	CreatedAt time.Time
}

// Snapshot is the encoded state of a sale after the journal entry with the same Seq.
type Snapshot struct {
	SaleID    string
	Seq       int64
	Auction   []byte
	Ledger    []byte
	CreatedAt time.Time
}

// Entry is one journaled operation. Request and Result are JSON; ErrorCode is empty when
// the operation succeeded.
type Entry struct {
	ID        string
	SaleID    string
	Seq       int64
	Op        string
	Request   string
	Result    string
	ErrorCode string
	At        time.Time
}

// CreateSale registers a sale. Registering the same ID again is a no-op.
func (s *Store) CreateSale(ctx context.Context, sale Sale) error {
	if _, err := uuid.Parse(sale.ID); err != nil {
		return fmt.Errorf("create sale: invalid sale ID %q: %w", sale.ID, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, config, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sale.ID, sale.Config, sale.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create sale: %w", err)
	}
	return nil
}

// GetSale returns a registered sale.
func (s *Store) GetSale(ctx context.Context, id string) (Sale, bool, error) {
	var (
		sale      Sale
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, config, created_at FROM sales WHERE id = ?
	`, id).Scan(&sale.ID, &sale.Config, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Sale{}, false, nil
	}
	if err != nil {
		return Sale{}, false, fmt.Errorf("get sale: %w", err)
	}
	sale.CreatedAt = time.Unix(0, createdAt).UTC()
	return sale, true, nil
}

// Commit appends entry to the journal and, if snap is non-nil, stores the snapshot in
// the same transaction. The entry gets a fresh UUID when its ID is empty.
func (s *Store) Commit(ctx context.Context, entry Entry, snap *Snapshot) (err error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if snap != nil && (snap.SaleID != entry.SaleID || snap.Seq != entry.Seq) {
		return fmt.Errorf("commit: snapshot %s/%d does not match entry %s/%d", snap.SaleID, snap.Seq, entry.SaleID, entry.Seq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal (id, sale_id, seq, op, request, result, error_code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SaleID, entry.Seq, entry.Op, entry.Request, entry.Result, entry.ErrorCode, entry.At.UnixNano())
	if err != nil {
		return fmt.Errorf("commit: write journal: %w", err)
	}

	if snap != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (sale_id, seq, auction, ledger, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, snap.SaleID, snap.Seq, snap.Auction, snap.Ledger, snap.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("commit: write snapshot: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestSnapshot returns the snapshot with the highest sequence number.
func (s *Store) LatestSnapshot(ctx context.Context, saleID string) (Snapshot, bool, error) {
	var (
		snap      Snapshot
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sale_id, seq, auction, ledger, created_at
		FROM snapshots
		WHERE sale_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, saleID).Scan(&snap.SaleID, &snap.Seq, &snap.Auction, &snap.Ledger, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return snap, true, nil
}

// LastSeq returns the highest journal sequence number of a sale, 0 if none.
func (s *Store) LastSeq(ctx context.Context, saleID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM journal WHERE sale_id = ?
	`, saleID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// Journal returns the entries of a sale with seq > afterSeq, in sequence order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) Journal(ctx context.Context, saleID string, afterSeq int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, seq, op, request, result, error_code, at
		FROM journal
		WHERE sale_id = ? AND seq > ?
		ORDER BY seq ASC
	`, saleID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.SaleID, &e.Seq, &e.Op, &e.Request, &e.Result, &e.ErrorCode, &at); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// PruneSnapshots keeps only the newest keep snapshots of a sale.
func (s *Store) PruneSnapshots(ctx context.Context, saleID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune snapshots: keep must be at least 1, got %d", keep)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE sale_id = ? AND seq NOT IN (
			SELECT seq FROM snapshots WHERE sale_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, saleID, saleID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
