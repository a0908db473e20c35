package player

import (
	"context"

	"graphlog/logging"
	"graphlog/revlog"
)

// Listener materializes a graph synchronously whenever one of its
// transactions commits. A failed replay is returned to the log, which
// reports it to the committer as a *revlog.ListenerError; the transaction
// stays committed and the player records it as failed until a later replay
// succeeds.
type Listener struct {
	player *Player
	logger logging.Logger
}

var _ revlog.Listener = (*Listener)(nil)

func NewListener(p *Player) *Listener {
	return &Listener{player: p, logger: p.logger}
}

func (l *Listener) Player() *Player { return l.player }

func (l *Listener) NotifyPostCommit(ctx context.Context, graphID, txnID string) error {
	if graphID != l.player.graphID {
		return nil
	}
	if err := l.player.PlayRevisionsForTransaction(ctx, txnID); err != nil {
		l.player.recordFailure(txnID, err)
		l.logger.WarnCtx(ctx, "materialization failed", "graph", graphID, "txn", txnID, "err", err)
		return err
	}
	return nil
}

// NotifyPostRollback is a no-op: only committed transactions are ever
// materialized.
func (l *Listener) NotifyPostRollback(ctx context.Context, graphID, txnID string) error {
	return nil
}
