package revlog

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"graphlog/cas"
	"graphlog/graph"
	"graphlog/keylock"
	"graphlog/logging"
	"graphlog/metrics"
)

// Log is the transaction-grouped revision log of any number of graphs.
type Log struct {
	backend   Backend
	listeners Registry
	txnLocks  *keylock.Locks
	logger    logging.Logger
}

type Option func(*Log)

func WithLogger(l logging.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// WithTxnStripes sizes the lock table that serializes work on one
// transaction. n <= 0 keeps keylock.DefaultStripes.
func WithTxnStripes(n int) Option {
	return func(lg *Log) { lg.txnLocks = keylock.New(n) }
}

// New creates a Log over backend.
func New(backend Backend, opts ...Option) *Log {
	l := &Log{
		backend:  backend,
		txnLocks: keylock.New(keylock.DefaultStripes),
		logger:   logging.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Backend returns the backing store.
func (l *Log) Backend() Backend {
	return l.backend
}

func (l *Log) AddListener(li Listener) {
	l.listeners.Add(li)
}

func (l *Log) RemoveListener(li Listener) bool {
	return l.listeners.Remove(li)
}

// Listeners returns a snapshot of the registered listeners.
func (l *Log) Listeners() []Listener {
	return l.listeners.Snapshot()
}

// SubmitRevision appends a single operation of any kind, transaction
// markers included. A commit or rollback marker notifies listeners once the
// state change is stored; listener failures come back as *ListenerError.
func (l *Log) SubmitRevision(ctx context.Context, graphID, txnID string, seq int64, op graph.Operation) error {
	if err := graph.Validate(op); err != nil {
		return err
	}
	if marker, ok := graph.MarkerTxn(op); ok && marker != txnID {
		return fmt.Errorf("%w: %s carries txn %s, submitted under %s", graph.ErrInvalidOperation, op.Kind(), marker, txnID)
	}
	if err := checkImport(graphID, op); err != nil {
		return err
	}

	switch op.(type) {
	case graph.TransactionBegin:
		return l.begin(ctx, graphID, txnID, seq, op)
	case graph.TransactionCommit:
		return l.commit(ctx, graphID, txnID, seq, op)
	case graph.TransactionRollback:
		return l.rollback(ctx, graphID, txnID)
	}
	return l.appendOps(ctx, graphID, txnID, seq, []graph.Operation{op})
}

// SubmitRevisions appends a batch as one container. Batches must not carry
// transaction markers; such a batch is rejected before anything is stored.
func (l *Log) SubmitRevisions(ctx context.Context, graphID, txnID string, seq int64, ops []graph.Operation) error {
	for i, op := range ops {
		if op != nil && graph.IsMarker(op) {
			metrics.BatchesRejected.WithLabelValues(graphID).Inc()
			return fmt.Errorf("%w: operation %d is %s", ErrInvalidBatch, i, op.Kind())
		}
		err := graph.Validate(op)
		if err == nil {
			err = checkImport(graphID, op)
		}
		if err != nil {
			metrics.BatchesRejected.WithLabelValues(graphID).Inc()
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return l.appendOps(ctx, graphID, txnID, seq, ops)
}

// Begin opens a new transaction on graphID and returns its id.
func (l *Log) Begin(ctx context.Context, graphID string) (string, error) {
	txnID := NewTxnID()
	if err := l.SubmitRevision(ctx, graphID, txnID, 0, graph.TransactionBegin{TxnID: txnID}); err != nil {
		return "", err
	}
	return txnID, nil
}

// Commit submits a commit marker for txnID.
func (l *Log) Commit(ctx context.Context, graphID, txnID string, seq int64) error {
	return l.SubmitRevision(ctx, graphID, txnID, seq, graph.TransactionCommit{TxnID: txnID})
}

// Rollback submits a rollback marker for txnID.
func (l *Log) Rollback(ctx context.Context, graphID, txnID string) error {
	return l.SubmitRevision(ctx, graphID, txnID, 0, graph.TransactionRollback{TxnID: txnID})
}

func (l *Log) begin(ctx context.Context, graphID, txnID string, seq int64, op graph.Operation) error {
	held := l.txnLocks.Lock(txnID)
	defer held.Unlock()

	err := l.backend.CreateTransaction(ctx, TransactionInfo{
		ID:        txnID,
		GraphID:   graphID,
		State:     TxnOpen,
		CreatedAt: cas.NowMs(),
	})
	if err != nil {
		return wrapBackend("create transaction", err)
	}
	return l.store(ctx, graphID, txnID, seq, []graph.Operation{op})
}

func (l *Log) commit(ctx context.Context, graphID, txnID string, seq int64, op graph.Operation) error {
	held := l.txnLocks.Lock(txnID)
	info, err := l.openTxn(ctx, graphID, txnID, false)
	if err != nil {
		held.Unlock()
		return err
	}
	if err := l.store(ctx, graphID, txnID, seq, []graph.Operation{op}); err != nil {
		held.Unlock()
		return err
	}
	commitSeq, err := l.backend.MarkCommitted(ctx, info.ID)
	held.Unlock()
	if err != nil {
		return wrapBackend("mark committed", err)
	}

	metrics.Transactions.WithLabelValues(graphID, string(TxnCommitted)).Inc()
	l.logger.InfoCtx(ctx, "transaction committed", "graph", graphID, "txn", txnID, "commit_seq", commitSeq)

	return l.notify(ctx, graphID, txnID, func(li Listener) error {
		return li.NotifyPostCommit(ctx, graphID, txnID)
	})
}

func (l *Log) rollback(ctx context.Context, graphID, txnID string) error {
	held := l.txnLocks.Lock(txnID)
	info, err := l.backend.Transaction(ctx, txnID)
	if err != nil {
		held.Unlock()
		return wrapBackend("load transaction", err)
	}
	if info.GraphID != graphID {
		held.Unlock()
		return fmt.Errorf("%w: %s belongs to %s", ErrGraphMismatch, txnID, info.GraphID)
	}
	removed, err := l.backend.RemoveTransaction(ctx, txnID)
	held.Unlock()
	if err != nil {
		return wrapBackend("remove transaction", err)
	}

	metrics.Transactions.WithLabelValues(graphID, string(TxnRolledBack)).Inc()
	l.logger.InfoCtx(ctx, "transaction rolled back", "graph", graphID, "txn", txnID, "removed", removed)

	return l.notify(ctx, graphID, txnID, func(li Listener) error {
		return li.NotifyPostRollback(ctx, graphID, txnID)
	})
}

func (l *Log) appendOps(ctx context.Context, graphID, txnID string, seq int64, ops []graph.Operation) error {
	held := l.txnLocks.Lock(txnID)
	defer held.Unlock()

	if _, err := l.openTxn(ctx, graphID, txnID, true); err != nil {
		return err
	}
	return l.store(ctx, graphID, txnID, seq, ops)
}

// openTxn loads txnID and checks that it is open on graphID. With create
// set, an unknown transaction is opened implicitly. Callers hold the txn lock.
func (l *Log) openTxn(ctx context.Context, graphID, txnID string, create bool) (*TransactionInfo, error) {
	info, err := l.backend.Transaction(ctx, txnID)
	if errors.Is(err, ErrTransactionNotFound) && create {
		info = &TransactionInfo{ID: txnID, GraphID: graphID, State: TxnOpen, CreatedAt: cas.NowMs()}
		if err := l.backend.CreateTransaction(ctx, *info); err != nil {
			return nil, wrapBackend("create transaction", err)
		}
		return info, nil
	}
	if err != nil {
		return nil, wrapBackend("load transaction", err)
	}
	if info.GraphID != graphID {
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrGraphMismatch, txnID, info.GraphID)
	}
	if info.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransactionClosed, txnID, info.State)
	}
	return info, nil
}

func (l *Log) store(ctx context.Context, graphID, txnID string, seq int64, ops []graph.Operation) error {
	c := &Container{
		ID:         NewContainerID(),
		GraphID:    graphID,
		PatchUID:   txnID,
		PatchIdx:   seq,
		Timestamp:  cas.NowMs(),
		Operations: ops,
	}
	if _, err := l.backend.Append(ctx, c); err != nil {
		return wrapBackend("append", err)
	}
	metrics.RevisionsAppended.WithLabelValues(graphID).Inc()
	l.logger.DebugCtx(ctx, "revision appended", "graph", graphID, "txn", txnID, "idx", seq, "ops", len(ops))
	return nil
}

// notify calls fn for every registered listener, in registration order.
func (l *Log) notify(ctx context.Context, graphID, txnID string, fn func(Listener) error) error {
	var errs []error
	for _, li := range l.listeners.Snapshot() {
		if err := fn(li); err != nil {
			metrics.ListenerFailures.WithLabelValues(graphID).Inc()
			l.logger.ErrorCtx(ctx, "listener failed", "graph", graphID, "txn", txnID, "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &ListenerError{TxnID: txnID, GraphID: graphID, Errs: errs}
	}
	return nil
}

// CommittedRevisions yields every committed container of graphID in commit
// order, then patch index, then append sequence.
func (l *Log) CommittedRevisions(ctx context.Context, graphID string) iter.Seq2[*Container, error] {
	return l.backend.ByGraph(ctx, graphID, true)
}

// TransactionRevisions yields the containers of one transaction.
func (l *Log) TransactionRevisions(ctx context.Context, txnID string) iter.Seq2[*Container, error] {
	return l.backend.ByTransaction(ctx, txnID)
}

// UncommittedRevisions yields containers whose transaction is still open.
func (l *Log) UncommittedRevisions(ctx context.Context) iter.Seq2[*Container, error] {
	return l.backend.Uncommitted(ctx)
}

func (l *Log) Transaction(ctx context.Context, txnID string) (*TransactionInfo, error) {
	return l.backend.Transaction(ctx, txnID)
}

func (l *Log) Transactions(ctx context.Context, graphID string) ([]*TransactionInfo, error) {
	return l.backend.Transactions(ctx, graphID)
}

func (l *Log) LastCommitSeq(ctx context.Context, graphID string) (int64, error) {
	return l.backend.LastCommitSeq(ctx, graphID)
}

// Len returns the number of stored containers.
func (l *Log) Len(ctx context.Context) (int, error) {
	return l.backend.Len(ctx)
}

func checkImport(graphID string, op graph.Operation) error {
	if bi, ok := op.(graph.BranchImport); ok && bi.FromGraph == graphID {
		return fmt.Errorf("%w: graph %s imports itself", graph.ErrInvalidOperation, graphID)
	}
	return nil
}

// wrapBackend marks plain backend failures as store errors and passes the
// log's own sentinel errors through untouched.
func wrapBackend(op string, err error) error {
	for _, sentinel := range []error{
		ErrTransactionNotFound, ErrTransactionExists, ErrTransactionClosed,
		ErrTransactionCommitted, ErrGraphMismatch, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return graph.WrapStore(op, err)
}
