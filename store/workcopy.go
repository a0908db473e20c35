package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"graphlog/graph"
	"graphlog/workcopy"
)

const (
	tokenNode = "node"
	tokenEdge = "edge"
	tokenFrom = "from"
	tokenTo   = "to"
)

// WorkingCopy is a graph-scoped workcopy.WorkingCopy over the shared DB.
// Identity tokens live in entity_tokens; lookups pick the matching entity
// with the lowest insertion order.
type WorkingCopy struct {
	db      *DB
	graphID string
}

var _ workcopy.WorkingCopy = (*WorkingCopy)(nil)

func (db *DB) WorkingCopy(graphID string) *WorkingCopy {
	return &WorkingCopy{db: db, graphID: graphID}
}

func (w *WorkingCopy) GraphID() string { return w.graphID }

func tokenArgs(graphID, kind string, tokens []string) []any {
	args := make([]any, 0, len(tokens)+2)
	args = append(args, graphID, kind)
	for _, t := range tokens {
		args = append(args, t)
	}
	return args
}

// tokenFilter matches entity ids carrying any of tokens under kind.
func tokenFilter(n int) string {
	return `SELECT entity_id FROM entity_tokens WHERE graph_id = ? AND kind = ? AND token IN (` + placeholders(n) + `)`
}

func marshalKeys(k graph.EntityKeys) (string, error) {
	b, err := json.Marshal(k.Normalize())
	return string(b), err
}

func marshalContent(c graph.Content) (string, error) {
	if c == nil {
		c = graph.Content{}
	}
	b, err := json.Marshal(c)
	return string(b), err
}

// ----- Nodes -----

const nodeColumns = `ord, id, keys, content`

func scanNode(sc interface{ Scan(...any) error }) (int64, *graph.Node, error) {
	var ord int64
	var keys, content string
	n := &graph.Node{}
	if err := sc.Scan(&ord, &n.ID, &keys, &content); err != nil {
		return 0, nil, err
	}
	if err := json.Unmarshal([]byte(keys), &n.Keys); err != nil {
		return 0, nil, fmt.Errorf("decoding node keys: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &n.Content); err != nil {
		return 0, nil, fmt.Errorf("decoding node content: %w", err)
	}
	return ord, n, nil
}

func (w *WorkingCopy) FindNode(ctx context.Context, keys graph.EntityKeys) (*graph.Node, error) {
	tokens := workcopy.Tokens(keys)
	if len(tokens) == 0 {
		return nil, nil
	}
	args := append([]any{w.graphID}, tokenArgs(w.graphID, tokenNode, tokens)...)
	row := w.db.conn.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE graph_id = ? AND id IN (`+tokenFilter(len(tokens))+`)
		ORDER BY ord LIMIT 1
	`, args...)
	_, n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding node: %w", err)
	}
	return n, nil
}

func (w *WorkingCopy) UpsertNode(ctx context.Context, n *graph.Node) (*graph.Node, error) {
	stored := n.Clone()
	stored.Keys = stored.Keys.Normalize()
	if stored.ID == "" {
		stored.ID = workcopy.NewID()
	}
	keys, err := marshalKeys(stored.Keys)
	if err != nil {
		return nil, fmt.Errorf("encoding node keys: %w", err)
	}
	content, err := marshalContent(stored.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding node content: %w", err)
	}

	err = w.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (graph_id, id, type, keys, content) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET type = excluded.type, keys = excluded.keys, content = excluded.content
		`, w.graphID, stored.ID, stored.Keys.Type, keys, content)
		if err != nil {
			return fmt.Errorf("upserting node: %w", err)
		}
		return w.reindex(ctx, tx, stored.ID, map[string][]string{tokenNode: workcopy.Tokens(stored.Keys)})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// reindex replaces the tokens of entity id.
func (w *WorkingCopy) reindex(ctx context.Context, tx *sql.Tx, id string, byKind map[string][]string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_tokens WHERE graph_id = ? AND entity_id = ?`, w.graphID, id); err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}
	for kind, tokens := range byKind {
		for _, t := range tokens {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO entity_tokens (graph_id, kind, token, entity_id) VALUES (?, ?, ?, ?)
			`, w.graphID, kind, t, id); err != nil {
				return fmt.Errorf("indexing token: %w", err)
			}
		}
	}
	return nil
}

func (w *WorkingCopy) DeleteNode(ctx context.Context, keys graph.EntityKeys) (bool, error) {
	return w.deleteEntity(ctx, "nodes", tokenNode, keys)
}

func (w *WorkingCopy) deleteEntity(ctx context.Context, table, kind string, keys graph.EntityKeys) (bool, error) {
	tokens := workcopy.Tokens(keys)
	if len(tokens) == 0 {
		return false, nil
	}
	deleted := false
	err := w.db.withTx(ctx, func(tx *sql.Tx) error {
		args := append([]any{w.graphID}, tokenArgs(w.graphID, kind, tokens)...)
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+table+`
			WHERE graph_id = ? AND id IN (`+tokenFilter(len(tokens))+`)
			ORDER BY ord LIMIT 1
		`, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("finding %s: %w", kind, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting %s: %w", kind, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_tokens WHERE graph_id = ? AND entity_id = ?`, w.graphID, id); err != nil {
			return fmt.Errorf("clearing tokens: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// pageNodes yields nodes matching where, ordered by insertion.
func (w *WorkingCopy) pageNodes(ctx context.Context, where string, args ...any) iter.Seq2[*graph.Node, error] {
	return func(yield func(*graph.Node, error) bool) {
		var after int64
		for {
			pageArgs := append(append([]any{}, args...), after, pageSize)
			page, last, err := w.scanNodes(ctx, `
				SELECT `+nodeColumns+` FROM nodes
				WHERE `+where+` AND ord > ? ORDER BY ord LIMIT ?
			`, pageArgs...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, n := range page {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(n, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = last
		}
	}
}

func (w *WorkingCopy) scanNodes(ctx context.Context, query string, args ...any) ([]*graph.Node, int64, error) {
	rows, err := w.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var out []*graph.Node
	var last int64
	for rows.Next() {
		ord, n, err := scanNode(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning node: %w", err)
		}
		out = append(out, n)
		last = ord
	}
	return out, last, rows.Err()
}

func (w *WorkingCopy) NodesByType(ctx context.Context, typ string) iter.Seq2[*graph.Node, error] {
	if typ == "" {
		return w.pageNodes(ctx, `graph_id = ?`, w.graphID)
	}
	return w.pageNodes(ctx, `graph_id = ? AND type = ?`, w.graphID, typ)
}

// ----- Edges -----

const edgeColumns = `ord, id, keys, from_keys, to_keys, content, hanging`

func scanEdge(sc interface{ Scan(...any) error }) (int64, *graph.Edge, error) {
	var ord int64
	var keys, from, to, content string
	var hanging int
	e := &graph.Edge{}
	if err := sc.Scan(&ord, &e.ID, &keys, &from, &to, &content, &hanging); err != nil {
		return 0, nil, err
	}
	for _, f := range []struct {
		raw string
		dst any
	}{{keys, &e.Keys}, {from, &e.From}, {to, &e.To}, {content, &e.Content}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return 0, nil, fmt.Errorf("decoding edge: %w", err)
		}
	}
	e.Hanging = hanging != 0
	return ord, e, nil
}

func (w *WorkingCopy) FindEdge(ctx context.Context, keys graph.EntityKeys) (*graph.Edge, error) {
	tokens := workcopy.Tokens(keys)
	if len(tokens) == 0 {
		return nil, nil
	}
	args := append([]any{w.graphID}, tokenArgs(w.graphID, tokenEdge, tokens)...)
	row := w.db.conn.QueryRowContext(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE graph_id = ? AND id IN (`+tokenFilter(len(tokens))+`)
		ORDER BY ord LIMIT 1
	`, args...)
	_, e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding edge: %w", err)
	}
	return e, nil
}

func (w *WorkingCopy) UpsertEdge(ctx context.Context, e *graph.Edge) (*graph.Edge, error) {
	stored := e.Clone()
	stored.Keys = stored.Keys.Normalize()
	stored.From = stored.From.Normalize()
	stored.To = stored.To.Normalize()
	if stored.ID == "" {
		stored.ID = workcopy.NewID()
	}

	var encoded [4]string
	for i, k := range []graph.EntityKeys{stored.Keys, stored.From, stored.To} {
		s, err := marshalKeys(k)
		if err != nil {
			return nil, fmt.Errorf("encoding edge keys: %w", err)
		}
		encoded[i] = s
	}
	content, err := marshalContent(stored.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding edge content: %w", err)
	}
	encoded[3] = content
	hanging := 0
	if stored.Hanging {
		hanging = 1
	}

	err = w.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (graph_id, id, type, keys, from_keys, to_keys, content, hanging)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type, keys = excluded.keys, from_keys = excluded.from_keys,
				to_keys = excluded.to_keys, content = excluded.content, hanging = excluded.hanging
		`, w.graphID, stored.ID, stored.Keys.Type, encoded[0], encoded[1], encoded[2], encoded[3], hanging)
		if err != nil {
			return fmt.Errorf("upserting edge: %w", err)
		}
		return w.reindex(ctx, tx, stored.ID, map[string][]string{
			tokenEdge: workcopy.Tokens(stored.Keys),
			tokenFrom: workcopy.Tokens(stored.From),
			tokenTo:   workcopy.Tokens(stored.To),
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (w *WorkingCopy) DeleteEdge(ctx context.Context, keys graph.EntityKeys) (bool, error) {
	return w.deleteEntity(ctx, "edges", tokenEdge, keys)
}

func (w *WorkingCopy) pageEdges(ctx context.Context, where string, args ...any) iter.Seq2[*graph.Edge, error] {
	return func(yield func(*graph.Edge, error) bool) {
		var after int64
		for {
			pageArgs := append(append([]any{}, args...), after, pageSize)
			page, last, err := w.scanEdges(ctx, `
				SELECT `+edgeColumns+` FROM edges
				WHERE `+where+` AND ord > ? ORDER BY ord LIMIT ?
			`, pageArgs...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = last
		}
	}
}

func (w *WorkingCopy) scanEdges(ctx context.Context, query string, args ...any) ([]*graph.Edge, int64, error) {
	rows, err := w.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var out []*graph.Edge
	var last int64
	for rows.Next() {
		ord, e, err := scanEdge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning edge: %w", err)
		}
		out = append(out, e)
		last = ord
	}
	return out, last, rows.Err()
}

func (w *WorkingCopy) EdgesByType(ctx context.Context, typ string) iter.Seq2[*graph.Edge, error] {
	if typ == "" {
		return w.pageEdges(ctx, `graph_id = ?`, w.graphID)
	}
	return w.pageEdges(ctx, `graph_id = ? AND type = ?`, w.graphID, typ)
}

func (w *WorkingCopy) edgesByEndpoint(ctx context.Context, kind string, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error] {
	tokens := workcopy.Tokens(keys)
	if len(tokens) == 0 {
		return func(func(*graph.Edge, error) bool) {}
	}
	args := append([]any{w.graphID}, tokenArgs(w.graphID, kind, tokens)...)
	return w.pageEdges(ctx, `graph_id = ? AND id IN (`+tokenFilter(len(tokens))+`)`, args...)
}

func (w *WorkingCopy) EdgesFromNode(ctx context.Context, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error] {
	return w.edgesByEndpoint(ctx, tokenFrom, keys)
}

func (w *WorkingCopy) EdgesToNode(ctx context.Context, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error] {
	return w.edgesByEndpoint(ctx, tokenTo, keys)
}

func (w *WorkingCopy) HangingEdges(ctx context.Context) iter.Seq2[*graph.Edge, error] {
	return w.pageEdges(ctx, `graph_id = ? AND hanging = 1`, w.graphID)
}

// ----- Maintenance -----

func (w *WorkingCopy) Clear(ctx context.Context) error {
	return w.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"nodes", "edges", "entity_tokens", "wc_meta"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE graph_id = ?`, w.graphID); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		return nil
	})
}

func (w *WorkingCopy) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := w.db.conn.QueryRowContext(ctx,
		`SELECT value FROM wc_meta WHERE graph_id = ? AND name = ?`, w.graphID, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying meta: %w", err)
	}
	return v, true, nil
}

func (w *WorkingCopy) SetMeta(ctx context.Context, key, value string) error {
	_, err := w.db.conn.ExecContext(ctx, `
		INSERT INTO wc_meta (graph_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT(graph_id, name) DO UPDATE SET value = excluded.value
	`, w.graphID, key, value)
	if err != nil {
		return fmt.Errorf("setting meta: %w", err)
	}
	return nil
}

// Graphs lists the graph ids that have materialized entities.
func (db *DB) Graphs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT graph_id FROM nodes UNION SELECT graph_id FROM edges ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("querying graphs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scanning graph: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
