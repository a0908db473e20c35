// Package engine wires one shared revision log to per-graph players and
// working copies, and routes commit notifications to the graphs selected
// for materialization.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/puzpuzpuz/xsync/v3"

	"graphlog/config"
	"graphlog/graph"
	"graphlog/keylock"
	"graphlog/logging"
	"graphlog/player"
	"graphlog/revlog"
	"graphlog/store"
	"graphlog/workcopy"
)

var (
	ErrInvalidGraph   = errors.New("invalid graph id")
	ErrInvalidPattern = errors.New("invalid materialize pattern")
)

// Handle is the open state of one graph.
type Handle struct {
	GraphID  string
	Player   *player.Player
	listener *player.Listener
}

// WorkingCopyFunc returns the working copy that materializes graphID.
type WorkingCopyFunc func(graphID string) workcopy.WorkingCopy

// Options configures an Engine.
type Options struct {
	// Materialize selects, by glob, the graphs replayed on every commit.
	// Nil means every graph.
	Materialize []string
	LockStripes int
	Logger      logging.Logger
}

// Engine owns the log and every open graph handle.
type Engine struct {
	log         *revlog.Log
	working     WorkingCopyFunc
	db          *store.DB
	handles     *xsync.MapOf[string, *Handle]
	materialize []string
	stripes     int
	logger      logging.Logger
}

// New creates an Engine over backend. Commits of graphs matching
// opts.Materialize are replayed synchronously into working copies made by
// working.
func New(backend revlog.Backend, working WorkingCopyFunc, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Materialize == nil {
		opts.Materialize = []string{"*"}
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = keylock.DefaultStripes
	}
	for _, pattern := range opts.Materialize {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}

	e := &Engine{
		log:         revlog.New(backend, revlog.WithLogger(opts.Logger), revlog.WithTxnStripes(opts.LockStripes)),
		working:     working,
		handles:     xsync.NewMapOf[string, *Handle](),
		materialize: opts.Materialize,
		stripes:     opts.LockStripes,
		logger:      opts.Logger,
	}
	e.log.AddListener(&dispatcher{engine: e})
	return e, nil
}

// NewMemory creates an Engine that keeps everything in process memory.
func NewMemory(opts Options) (*Engine, error) {
	return New(revlog.NewMemory(), func(string) workcopy.WorkingCopy {
		return workcopy.NewMemory()
	}, opts)
}

// Open creates an Engine from cfg: in memory when cfg.Memory is set,
// otherwise over the sqlite database in cfg.DataDir.
func Open(cfg *config.Config, logger logging.Logger) (*Engine, error) {
	opts := Options{
		Materialize: cfg.Materialize,
		LockStripes: cfg.LockStripes,
		Logger:      logger,
	}
	if cfg.Memory {
		return NewMemory(opts)
	}

	db, err := store.OpenDir(cfg.DataDir, cfg.DBFile)
	if err != nil {
		return nil, err
	}
	e, err := New(db.Revisions(), func(graphID string) workcopy.WorkingCopy {
		return db.WorkingCopy(graphID)
	}, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.db = db
	return e, nil
}

// Close releases the database, if any.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Log returns the shared revision log.
func (e *Engine) Log() *revlog.Log { return e.log }

// Materialized reports whether commits of graphID are replayed as they
// happen.
func (e *Engine) Materialized(graphID string) bool {
	for _, pattern := range e.materialize {
		if ok, _ := doublestar.Match(pattern, graphID); ok {
			return true
		}
	}
	return false
}

func checkGraphID(graphID string) error {
	if strings.TrimSpace(graphID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidGraph)
	}
	return nil
}

// Graph returns the handle of graphID, opening it on first use.
func (e *Engine) Graph(graphID string) (*Handle, error) {
	if err := checkGraphID(graphID); err != nil {
		return nil, err
	}
	h, _ := e.handles.LoadOrCompute(graphID, func() *Handle {
		p := player.New(e.log, e.working(graphID), graphID,
			player.WithLogger(e.logger),
			player.WithLocks(keylock.New(e.stripes)))
		e.logger.Debug("graph opened", "graph", graphID)
		return &Handle{GraphID: graphID, Player: p, listener: player.NewListener(p)}
	})
	return h, nil
}

// lookup returns the handle of graphID, opening one only for a graph that
// has commits or a stored working copy. The handle is nil otherwise.
func (e *Engine) lookup(ctx context.Context, graphID string) (*Handle, error) {
	if err := checkGraphID(graphID); err != nil {
		return nil, err
	}
	if h, ok := e.handles.Load(graphID); ok {
		return h, nil
	}
	last, err := e.log.LastCommitSeq(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		stored, err := e.stored(ctx, graphID)
		if err != nil || !stored {
			return nil, err
		}
	}
	return e.Graph(graphID)
}

func (e *Engine) stored(ctx context.Context, graphID string) (bool, error) {
	if e.db == nil {
		return false, nil
	}
	ids, err := e.db.Graphs(ctx)
	if err != nil {
		return false, graph.WrapStore("list graphs", err)
	}
	return slices.Contains(ids, graphID), nil
}

// Graphs returns the ids of every open or materialized graph, sorted.
func (e *Engine) Graphs(ctx context.Context) ([]string, error) {
	var ids []string
	e.handles.Range(func(id string, _ *Handle) bool {
		ids = append(ids, id)
		return true
	})
	if e.db != nil {
		stored, err := e.db.Graphs(ctx)
		if err != nil {
			return nil, graph.WrapStore("list graphs", err)
		}
		ids = append(ids, stored...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Begin opens a transaction on graphID.
func (e *Engine) Begin(ctx context.Context, graphID string) (string, error) {
	if err := checkGraphID(graphID); err != nil {
		return "", err
	}
	return e.log.Begin(ctx, graphID)
}

// Submit appends ops to txnID as one container ordered by seq.
func (e *Engine) Submit(ctx context.Context, graphID, txnID string, seq int64, ops []graph.Operation) error {
	if err := checkGraphID(graphID); err != nil {
		return err
	}
	return e.log.SubmitRevisions(ctx, graphID, txnID, seq, ops)
}

// Commit commits txnID. A *revlog.ListenerError means the commit stands but
// materialization failed.
func (e *Engine) Commit(ctx context.Context, graphID, txnID string, seq int64) error {
	if err := checkGraphID(graphID); err != nil {
		return err
	}
	return e.log.Commit(ctx, graphID, txnID, seq)
}

func (e *Engine) Rollback(ctx context.Context, graphID, txnID string) error {
	if err := checkGraphID(graphID); err != nil {
		return err
	}
	return e.log.Rollback(ctx, graphID, txnID)
}

// Nodes returns the materialized nodes of graphID of type typ, or all
// nodes when typ is empty.
func (e *Engine) Nodes(ctx context.Context, graphID, typ string) ([]*graph.Node, error) {
	h, err := e.lookup(ctx, graphID)
	if err != nil || h == nil {
		return nil, err
	}
	return workcopy.Collect(h.Player.WorkingCopy().NodesByType(ctx, typ))
}

func (e *Engine) Edges(ctx context.Context, graphID, typ string) ([]*graph.Edge, error) {
	h, err := e.lookup(ctx, graphID)
	if err != nil || h == nil {
		return nil, err
	}
	return workcopy.Collect(h.Player.WorkingCopy().EdgesByType(ctx, typ))
}

// Revisions returns the containers of graphID in log order.
func (e *Engine) Revisions(ctx context.Context, graphID string, committedOnly bool) ([]*revlog.Container, error) {
	if err := checkGraphID(graphID); err != nil {
		return nil, err
	}
	seq := e.log.CommittedRevisions(ctx, graphID)
	if !committedOnly {
		seq = e.log.Backend().ByGraph(ctx, graphID, false)
	}
	return workcopy.Collect(seq)
}

func (e *Engine) Transactions(ctx context.Context, graphID string) ([]*revlog.TransactionInfo, error) {
	if err := checkGraphID(graphID); err != nil {
		return nil, err
	}
	return e.log.Transactions(ctx, graphID)
}

// Replay applies every committed revision of graphID to its working copy.
// With rebuild set the working copy is deleted first.
func (e *Engine) Replay(ctx context.Context, graphID string, rebuild bool) error {
	h, err := e.lookup(ctx, graphID)
	if err != nil || h == nil {
		return err
	}
	if rebuild {
		if err := h.Player.DeleteWorkingCopy(ctx); err != nil {
			return err
		}
	}
	return h.Player.ReplayAllRevisions(ctx)
}

// Repair runs the hanging edge reconciliation pass over graphID.
func (e *Engine) Repair(ctx context.Context, graphID string) (int, error) {
	h, err := e.lookup(ctx, graphID)
	if err != nil || h == nil {
		return 0, err
	}
	return h.Player.RepairHangingEdges(ctx)
}

// Status reports how far graphID's working copy lags the log. A graph
// that was never written reports a zero status.
func (e *Engine) Status(ctx context.Context, graphID string) (player.Status, error) {
	h, err := e.lookup(ctx, graphID)
	if err != nil {
		return player.Status{}, err
	}
	if h == nil {
		return player.Status{GraphID: graphID}, nil
	}
	return h.Player.Status(ctx)
}

// dispatcher routes commit notifications to the listener of the committed
// graph.
type dispatcher struct {
	engine *Engine
}

var _ revlog.Listener = (*dispatcher)(nil)

func (d *dispatcher) NotifyPostCommit(ctx context.Context, graphID, txnID string) error {
	if !d.engine.Materialized(graphID) {
		return nil
	}
	h, err := d.engine.Graph(graphID)
	if err != nil {
		return err
	}
	return h.listener.NotifyPostCommit(ctx, graphID, txnID)
}

func (d *dispatcher) NotifyPostRollback(ctx context.Context, graphID, txnID string) error {
	return nil
}
