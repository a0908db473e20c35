package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"graphlog/cas"
	"graphlog/pack"
	"graphlog/revlog"
)

// RevisionStore is the durable revlog.Backend. Operation lists are stored
// as zstd packs next to the BLAKE3 digest of their uncompressed form.
type RevisionStore struct {
	db *DB
}

var _ revlog.Backend = (*RevisionStore)(nil)

func (db *DB) Revisions() *RevisionStore {
	return &RevisionStore{db: db}
}

func (s *RevisionStore) Append(ctx context.Context, c *revlog.Container) (string, error) {
	blob, sum, err := pack.EncodeSum(c.Operations)
	if err != nil {
		return "", fmt.Errorf("packing operations: %w", err)
	}
	if c.ID == "" {
		c.ID = revlog.NewContainerID()
	}
	if c.Timestamp == 0 {
		c.Timestamp = cas.NowMs()
	}

	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO revisions (id, graph_id, txn_id, patch_idx, ts, op_count, checksum, ops)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.GraphID, c.PatchUID, c.PatchIdx, c.Timestamp, len(c.Operations), sum, blob)
	if err != nil {
		return "", fmt.Errorf("inserting revision: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("revision seq: %w", err)
	}
	c.Seq = seq
	return c.ID, nil
}

type revisionRow struct {
	container *revlog.Container
	checksum  []byte
	blob      []byte
	// lead is the value of the leading sort column, kept as the page cursor.
	lead any
}

const revisionColumns = `r.seq, r.id, r.graph_id, r.txn_id, r.patch_idx, r.ts, r.checksum, r.ops`

// scan runs one page query and reads every row before returning.
func (s *RevisionStore) scan(ctx context.Context, query string, args ...any) ([]revisionRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying revisions: %w", err)
	}
	defer rows.Close()

	var out []revisionRow
	for rows.Next() {
		c := &revlog.Container{}
		var r revisionRow
		if err := rows.Scan(&r.lead, &c.Seq, &c.ID, &c.GraphID, &c.PatchUID, &c.PatchIdx, &c.Timestamp, &r.checksum, &r.blob); err != nil {
			return nil, fmt.Errorf("scanning revision: %w", err)
		}
		r.container = c
		out = append(out, r)
	}
	return out, rows.Err()
}

func (r revisionRow) decode() (*revlog.Container, error) {
	if err := pack.Check(r.blob, r.checksum); err != nil {
		return nil, fmt.Errorf("revision %s: %w", r.container.ID, err)
	}
	ops, err := pack.Decode(r.blob)
	if err != nil {
		return nil, fmt.Errorf("revision %s: %w", r.container.ID, err)
	}
	r.container.Operations = ops
	return r.container, nil
}

// Leading sort columns. Containers are ordered by the lead, then
// patch_idx, then seq.
const (
	byTxn    = `r.txn_id`
	byCommit = `t.commit_seq`
)

// iterate pages through a (lead, patch_idx, seq) ordered query. where must
// leave room for the cursor condition appended after it.
func (s *RevisionStore) iterate(ctx context.Context, lead, from, where string, args ...any) iter.Seq2[*revlog.Container, error] {
	return func(yield func(*revlog.Container, error) bool) {
		var cursor any
		var idx, seq int64
		first := true
		for {
			query := `SELECT ` + lead + `, ` + revisionColumns + ` FROM ` + from + ` WHERE ` + where
			pageArgs := append([]any{}, args...)
			if !first {
				query += ` AND (` + lead + `, r.patch_idx, r.seq) > (?, ?, ?)`
				pageArgs = append(pageArgs, cursor, idx, seq)
			}
			query += ` ORDER BY ` + lead + `, r.patch_idx, r.seq LIMIT ?`
			pageArgs = append(pageArgs, pageSize)

			page, err := s.scan(ctx, query, pageArgs...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, row := range page {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				c, err := row.decode()
				if !yield(c, err) || err != nil {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor, idx, seq, first = last.lead, last.container.PatchIdx, last.container.Seq, false
		}
	}
}

// ByGraph orders committed containers by commit sequence, the order in
// which they were materialized. Otherwise the order is by transaction id.
func (s *RevisionStore) ByGraph(ctx context.Context, graphID string, committedOnly bool) iter.Seq2[*revlog.Container, error] {
	if committedOnly {
		return s.iterate(ctx, byCommit, `revisions r JOIN transactions t ON t.id = r.txn_id`,
			`r.graph_id = ? AND t.state = ?`, graphID, string(revlog.TxnCommitted))
	}
	return s.iterate(ctx, byTxn, `revisions r`, `r.graph_id = ?`, graphID)
}

func (s *RevisionStore) ByTransaction(ctx context.Context, txnID string) iter.Seq2[*revlog.Container, error] {
	return s.iterate(ctx, byTxn, `revisions r`, `r.txn_id = ?`, txnID)
}

func (s *RevisionStore) Uncommitted(ctx context.Context) iter.Seq2[*revlog.Container, error] {
	return s.iterate(ctx, byTxn, `revisions r LEFT JOIN transactions t ON t.id = r.txn_id`,
		`COALESCE(t.state, ?) = ?`, string(revlog.TxnOpen), string(revlog.TxnOpen))
}

func (s *RevisionStore) CreateTransaction(ctx context.Context, info revlog.TransactionInfo) error {
	if info.State == "" {
		info.State = revlog.TxnOpen
	}
	if info.CreatedAt == 0 {
		info.CreatedAt = cas.NowMs()
	}
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions (id, graph_id, state, commit_seq, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, info.ID, info.GraphID, string(info.State), info.CommitSeq, info.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", revlog.ErrTransactionExists, info.ID)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTransaction(ctx context.Context, q queryer, txnID string) (*revlog.TransactionInfo, error) {
	var info revlog.TransactionInfo
	var state string
	err := q.QueryRowContext(ctx,
		`SELECT id, graph_id, state, commit_seq, created_at FROM transactions WHERE id = ?`, txnID,
	).Scan(&info.ID, &info.GraphID, &state, &info.CommitSeq, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", revlog.ErrTransactionNotFound, txnID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying transaction: %w", err)
	}
	info.State = revlog.TxnState(state)
	return &info, nil
}

func (s *RevisionStore) Transaction(ctx context.Context, txnID string) (*revlog.TransactionInfo, error) {
	return loadTransaction(ctx, s.db.conn, txnID)
}

func (s *RevisionStore) Transactions(ctx context.Context, graphID string) ([]*revlog.TransactionInfo, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, graph_id, state, commit_seq, created_at FROM transactions
		WHERE graph_id = ? ORDER BY created_at, id
	`, graphID)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var out []*revlog.TransactionInfo
	for rows.Next() {
		var info revlog.TransactionInfo
		var state string
		if err := rows.Scan(&info.ID, &info.GraphID, &state, &info.CommitSeq, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		info.State = revlog.TxnState(state)
		out = append(out, &info)
	}
	return out, rows.Err()
}

func (s *RevisionStore) MarkCommitted(ctx context.Context, txnID string) (int64, error) {
	var seq int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		info, err := loadTransaction(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if info.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", revlog.ErrTransactionClosed, txnID, info.State)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO commit_counters (graph_id, last_seq) VALUES (?, 1)
			ON CONFLICT(graph_id) DO UPDATE SET last_seq = last_seq + 1
			RETURNING last_seq
		`, info.GraphID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("advancing commit counter: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET state = ?, commit_seq = ? WHERE id = ?`,
			string(revlog.TxnCommitted), seq, txnID)
		if err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *RevisionStore) RemoveTransaction(ctx context.Context, txnID string) (int, error) {
	var removed int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		info, err := loadTransaction(ctx, tx, txnID)
		if err != nil {
			return err
		}
		switch info.State {
		case revlog.TxnCommitted:
			return fmt.Errorf("%w: %s", revlog.ErrTransactionCommitted, txnID)
		case revlog.TxnRolledBack:
			return fmt.Errorf("%w: %s is %s", revlog.ErrTransactionClosed, txnID, info.State)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE txn_id = ?`, txnID)
		if err != nil {
			return fmt.Errorf("deleting revisions: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("deleting revisions: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE transactions SET state = ? WHERE id = ?`,
			string(revlog.TxnRolledBack), txnID)
		if err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *RevisionStore) LastCommitSeq(ctx context.Context, graphID string) (int64, error) {
	var seq int64
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT last_seq FROM commit_counters WHERE graph_id = ?`, graphID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying commit counter: %w", err)
	}
	return seq, nil
}

func (s *RevisionStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting revisions: %w", err)
	}
	return n, nil
}
