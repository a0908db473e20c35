// Package player materializes the committed revision log of a graph into a
// working copy.
package player

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"graphlog/graph"
	"graphlog/keylock"
	"graphlog/logging"
	"graphlog/merge"
	"graphlog/metrics"
	"graphlog/revlog"
	"graphlog/workcopy"
)

// WatermarkKey is the working copy metadata entry holding the highest
// contiguous commit sequence applied.
const WatermarkKey = "watermark"

// Player replays the committed revisions of one graph into one working copy.
// All writes go through per-identity critical sections, so a Player may be
// used from many goroutines.
type Player struct {
	source  *revlog.Log
	dest    workcopy.WorkingCopy
	graphID string
	locks   *keylock.Locks
	logger  logging.Logger

	mu        sync.Mutex
	loaded    bool
	watermark int64
	pending   map[int64]struct{}
	failed    map[string]error
}

type Option func(*Player)

func WithLogger(l logging.Logger) Option {
	return func(p *Player) { p.logger = l }
}

// WithLocks shares a lock table between players writing the same working copy.
func WithLocks(l *keylock.Locks) Option {
	return func(p *Player) { p.locks = l }
}

// New creates a Player for graphID.
func New(source *revlog.Log, dest workcopy.WorkingCopy, graphID string, opts ...Option) *Player {
	p := &Player{
		source:  source,
		dest:    dest,
		graphID: graphID,
		logger:  logging.Nop(),
		pending: make(map[int64]struct{}),
		failed:  make(map[string]error),
	}
	for _, o := range opts {
		o(p)
	}
	if p.locks == nil {
		p.locks = keylock.New(keylock.DefaultStripes)
	}
	return p
}

func (p *Player) GraphID() string { return p.graphID }

func (p *Player) WorkingCopy() workcopy.WorkingCopy { return p.dest }

// DeleteWorkingCopy drops everything materialized for the graph, watermark
// included.
func (p *Player) DeleteWorkingCopy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dest.Clear(ctx); err != nil {
		return graph.WrapStore("clear working copy", err)
	}
	p.loaded, p.watermark = true, 0
	clear(p.pending)
	p.logger.InfoCtx(ctx, "working copy deleted", "graph", p.graphID)
	return nil
}

// ReplayAllRevisions applies every committed container of the graph in
// commit order, the order live materialization used. On success the watermark covers every commit that existed when
// the replay started.
func (p *Player) ReplayAllRevisions(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ReplayDuration.WithLabelValues(p.graphID, "all").Observe(time.Since(start).Seconds())
	}()

	last, err := p.source.LastCommitSeq(ctx, p.graphID)
	if err != nil {
		return err
	}
	p.logger.InfoCtx(ctx, "replay started", "graph", p.graphID, "commits", last)

	containers, ops := 0, 0
	for c, err := range p.source.CommittedRevisions(ctx, p.graphID) {
		if err != nil {
			return fmt.Errorf("replay %s: %w", p.graphID, err)
		}
		if err := p.applyContainer(ctx, c, nil); err != nil {
			metrics.ReplayErrors.WithLabelValues(p.graphID).Inc()
			return err
		}
		containers++
		ops += len(c.Operations)
	}

	if err := p.advanceTo(ctx, last); err != nil {
		return err
	}
	p.mu.Lock()
	clear(p.failed)
	p.mu.Unlock()

	p.logger.InfoCtx(ctx, "replay finished", "graph", p.graphID,
		"containers", containers, "ops", ops, "duration", time.Since(start))
	return nil
}

// PlayRevisionsForTransaction applies the containers of one committed
// transaction.
func (p *Player) PlayRevisionsForTransaction(ctx context.Context, txnID string) error {
	start := time.Now()
	defer func() {
		metrics.ReplayDuration.WithLabelValues(p.graphID, "txn").Observe(time.Since(start).Seconds())
	}()

	info, err := p.source.Transaction(ctx, txnID)
	if err != nil {
		return err
	}
	if info.GraphID != p.graphID {
		return fmt.Errorf("%w: %s belongs to %s", revlog.ErrGraphMismatch, txnID, info.GraphID)
	}
	if info.State != revlog.TxnCommitted {
		return fmt.Errorf("%w: %s is %s", ErrNotCommitted, txnID, info.State)
	}

	for c, err := range p.source.TransactionRevisions(ctx, txnID) {
		if err != nil {
			return fmt.Errorf("replay %s: %w", p.graphID, err)
		}
		if err := p.applyContainer(ctx, c, nil); err != nil {
			metrics.ReplayErrors.WithLabelValues(p.graphID).Inc()
			return err
		}
	}

	if err := p.markApplied(ctx, info.CommitSeq); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.failed, txnID)
	p.mu.Unlock()
	return nil
}

// applyContainer applies the operations of c in order. imports lists the
// graphs currently being imported, outermost first.
func (p *Player) applyContainer(ctx context.Context, c *revlog.Container, imports []string) error {
	for i, op := range c.Operations {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay %s: %w", p.graphID, err)
		}
		if err := p.apply(ctx, op, imports); err != nil {
			var kind graph.OpKind
			if op != nil {
				kind = op.Kind()
			}
			return &ReplayError{
				GraphID:     p.graphID,
				TxnID:       c.PatchUID,
				ContainerID: c.ID,
				PatchIdx:    c.PatchIdx,
				OpIndex:     i,
				Kind:        kind,
				Err:         err,
			}
		}
		if op != nil {
			metrics.OperationsApplied.WithLabelValues(p.graphID, string(op.Kind())).Inc()
		}
	}
	return nil
}

func (p *Player) apply(ctx context.Context, op graph.Operation, imports []string) error {
	switch o := op.(type) {
	case graph.NodeUpdate:
		return p.applyNode(ctx, o)
	case graph.EdgeUpdate:
		return p.applyEdge(ctx, o)
	case graph.DeleteNode:
		return p.deleteNode(ctx, o.Keys)
	case graph.DeleteEdge:
		return p.deleteEdge(ctx, o.Keys)
	case graph.TransactionBegin, graph.TransactionCommit, graph.TransactionRollback:
		return nil
	case graph.BranchImport:
		return p.importGraph(ctx, o.FromGraph, imports)
	case nil:
		return fmt.Errorf("%w: nil operation", graph.ErrInvalidOperation)
	default:
		return &graph.UnsupportedOperationError{Kind: op.Kind()}
	}
}

// lockIdentity holds the tokens of keys and of whatever entity find returns
// for them. The lock set widens until it covers the found entity too.
func lockIdentity[T any](ctx context.Context, locks *keylock.Locks, keys graph.EntityKeys,
	find func(context.Context, graph.EntityKeys) (*T, error), identity func(*T) graph.EntityKeys,
) (*keylock.Held, *T, error) {
	tokens := workcopy.Tokens(keys)
	held := locks.Lock(tokens...)
	for {
		existing, err := find(ctx, keys)
		if err != nil {
			held.Unlock()
			return nil, nil, graph.WrapStore("find", err)
		}
		if existing == nil {
			return held, nil, nil
		}
		extra := workcopy.Tokens(identity(existing))
		if held.Covers(extra...) {
			return held, existing, nil
		}
		held.Unlock()
		tokens = append(tokens, extra...)
		held = locks.Lock(tokens...)
	}
}

func nodeKeys(n *graph.Node) graph.EntityKeys { return n.Keys }
func edgeKeys(e *graph.Edge) graph.EntityKeys { return e.Keys }

func (p *Player) applyNode(ctx context.Context, op graph.NodeUpdate) error {
	held, existing, err := lockIdentity(ctx, p.locks, op.Node.Keys, p.dest.FindNode, nodeKeys)
	if err != nil {
		return err
	}
	defer held.Unlock()

	merged, write, err := merge.Node(op.Policy, existing, &op.Node)
	if err != nil || !write {
		return err
	}
	if _, err := p.dest.UpsertNode(ctx, merged); err != nil {
		return graph.WrapStore("upsert node", err)
	}
	return nil
}

func (p *Player) applyEdge(ctx context.Context, op graph.EdgeUpdate) error {
	held, existing, err := lockIdentity(ctx, p.locks, op.Edge.Keys, p.dest.FindEdge, edgeKeys)
	if err != nil {
		return err
	}
	defer held.Unlock()

	merged, write, err := merge.Edge(op.Policy, existing, &op.Edge)
	if err != nil || !write {
		return err
	}
	hanging, err := p.hanging(ctx, merged)
	if err != nil {
		return err
	}
	merged.Hanging = hanging
	if _, err := p.dest.UpsertEdge(ctx, merged); err != nil {
		return graph.WrapStore("upsert edge", err)
	}
	if hanging {
		metrics.HangingEdges.WithLabelValues(p.graphID).Inc()
		p.logger.DebugCtx(ctx, "hanging edge", "graph", p.graphID, "edge", merged.Keys.String())
	}
	return nil
}

// hanging reports whether either endpoint of e fails to resolve to a node.
func (p *Player) hanging(ctx context.Context, e *graph.Edge) (bool, error) {
	for _, end := range []graph.EntityKeys{e.From, e.To} {
		ok, err := p.resolves(ctx, end)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *Player) resolves(ctx context.Context, keys graph.EntityKeys) (bool, error) {
	n, err := p.dest.FindNode(ctx, keys)
	if err != nil {
		return false, graph.WrapStore("find endpoint", err)
	}
	return n != nil && (keys.Type == "" || n.Keys.Type == keys.Type), nil
}

func (p *Player) deleteNode(ctx context.Context, keys graph.EntityKeys) error {
	held, existing, err := lockIdentity(ctx, p.locks, keys, p.dest.FindNode, nodeKeys)
	if err != nil {
		return err
	}
	defer held.Unlock()
	if existing == nil {
		return nil
	}
	if _, err := p.dest.DeleteNode(ctx, keys); err != nil {
		return graph.WrapStore("delete node", err)
	}
	return nil
}

func (p *Player) deleteEdge(ctx context.Context, keys graph.EntityKeys) error {
	held, existing, err := lockIdentity(ctx, p.locks, keys, p.dest.FindEdge, edgeKeys)
	if err != nil {
		return err
	}
	defer held.Unlock()
	if existing == nil {
		return nil
	}
	if _, err := p.dest.DeleteEdge(ctx, keys); err != nil {
		return graph.WrapStore("delete edge", err)
	}
	return nil
}

// importGraph replays the committed log of another graph into this
// player's working copy.
func (p *Player) importGraph(ctx context.Context, from string, imports []string) error {
	if from == p.graphID || slices.Contains(imports, from) {
		return fmt.Errorf("%w: %s via %v", ErrImportCycle, from, imports)
	}
	imports = append(slices.Clone(imports), from)

	for c, err := range p.source.CommittedRevisions(ctx, from) {
		if err != nil {
			return fmt.Errorf("import %s: %w", from, err)
		}
		if err := p.applyContainer(ctx, c, imports); err != nil {
			return fmt.Errorf("import %s: %w", from, err)
		}
	}
	p.logger.InfoCtx(ctx, "branch imported", "graph", p.graphID, "from", from)
	return nil
}

// RepairHangingEdges clears the hanging flag of every edge whose endpoints
// now resolve, and returns how many edges it repaired. It is never run
// implicitly by replay.
func (p *Player) RepairHangingEdges(ctx context.Context) (int, error) {
	candidates, err := workcopy.Collect(p.dest.HangingEdges(ctx))
	if err != nil {
		return 0, graph.WrapStore("hanging edges", err)
	}

	repaired := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		ok, err := p.repairEdge(ctx, c.Keys)
		if err != nil {
			return repaired, err
		}
		if ok {
			repaired++
		}
	}

	if repaired > 0 {
		metrics.EdgesRepaired.WithLabelValues(p.graphID).Add(float64(repaired))
	}
	p.logger.InfoCtx(ctx, "hanging edges repaired", "graph", p.graphID,
		"candidates", len(candidates), "repaired", repaired)
	return repaired, nil
}

func (p *Player) repairEdge(ctx context.Context, keys graph.EntityKeys) (bool, error) {
	held, e, err := lockIdentity(ctx, p.locks, keys, p.dest.FindEdge, edgeKeys)
	if err != nil {
		return false, err
	}
	defer held.Unlock()
	if e == nil || !e.Hanging {
		return false, nil
	}

	hanging, err := p.hanging(ctx, e)
	if err != nil || hanging {
		return false, err
	}
	e.Hanging = false
	if _, err := p.dest.UpsertEdge(ctx, e); err != nil {
		return false, graph.WrapStore("upsert edge", err)
	}
	return true, nil
}

// Status describes how far the working copy lags the log.
type Status struct {
	GraphID       string   `json:"graph"`
	Watermark     int64    `json:"watermark"`
	LastCommitted int64    `json:"lastCommitted"`
	Behind        bool     `json:"behind"`
	Failed        []string `json:"failed,omitempty"`
}

func (p *Player) Status(ctx context.Context) (Status, error) {
	last, err := p.source.LastCommitSeq(ctx, p.graphID)
	if err != nil {
		return Status{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(ctx); err != nil {
		return Status{}, err
	}
	failed := make([]string, 0, len(p.failed))
	for id := range p.failed {
		failed = append(failed, id)
	}
	slices.Sort(failed)

	return Status{
		GraphID:       p.graphID,
		Watermark:     p.watermark,
		LastCommitted: last,
		Behind:        p.watermark < last || len(failed) > 0,
		Failed:        failed,
	}, nil
}

// Watermark returns the highest contiguous commit sequence applied.
func (p *Player) Watermark(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(ctx); err != nil {
		return 0, err
	}
	return p.watermark, nil
}

func (p *Player) recordFailure(txnID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[txnID] = err
}

// load reads the persisted watermark once. Callers hold p.mu.
func (p *Player) load(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	v, ok, err := p.dest.Meta(ctx, WatermarkKey)
	if err != nil {
		return graph.WrapStore("load watermark", err)
	}
	if ok {
		wm, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse watermark %q: %w", v, err)
		}
		p.watermark = wm
	}
	p.loaded = true
	return nil
}

func (p *Player) markApplied(ctx context.Context, seq int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(ctx); err != nil {
		return err
	}
	if seq <= p.watermark {
		return nil
	}
	p.pending[seq] = struct{}{}
	return p.absorb(ctx, p.watermark)
}

func (p *Player) advanceTo(ctx context.Context, seq int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(ctx); err != nil {
		return err
	}
	before := p.watermark
	p.watermark = max(p.watermark, seq)
	for s := range p.pending {
		if s <= p.watermark {
			delete(p.pending, s)
		}
	}
	return p.absorb(ctx, before)
}

// absorb advances the watermark over contiguous pending sequences and
// persists it if it moved past before. Callers hold p.mu.
func (p *Player) absorb(ctx context.Context, before int64) error {
	for {
		if _, ok := p.pending[p.watermark+1]; !ok {
			break
		}
		delete(p.pending, p.watermark+1)
		p.watermark++
	}
	if p.watermark == before {
		return nil
	}
	if err := p.dest.SetMeta(ctx, WatermarkKey, strconv.FormatInt(p.watermark, 10)); err != nil {
		return graph.WrapStore("store watermark", err)
	}
	return nil
}

// IsReplayError reports whether err stopped a replay at a specific operation.
func IsReplayError(err error) bool {
	var re *ReplayError
	return errors.As(err, &re)
}
