// Package api provides the HTTP API for graphlog.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"graphlog/config"
	"graphlog/engine"
	"graphlog/graph"
	"graphlog/logging"
	"graphlog/pack"
	"graphlog/player"
	"graphlog/proto"
	"graphlog/revlog"
)

// Handler wraps the engine and config for HTTP handlers.
type Handler struct {
	eng    *engine.Engine
	cfg    *config.Config
	logger logging.Logger
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, cfg *config.Config, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{eng: eng, cfg: cfg, logger: logger}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(eng *engine.Engine, cfg *config.Config, logger logging.Logger) http.Handler {
	h := NewHandler(eng, cfg, logger)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Transactions
	mux.HandleFunc("POST /v1/graphs/{graph}/transactions", h.Begin)
	mux.HandleFunc("GET /v1/graphs/{graph}/transactions", h.ListTransactions)
	mux.HandleFunc("POST /v1/graphs/{graph}/transactions/{txn}/revisions", h.Submit)
	mux.HandleFunc("POST /v1/graphs/{graph}/transactions/{txn}/commit", h.Commit)
	mux.HandleFunc("POST /v1/graphs/{graph}/transactions/{txn}/rollback", h.Rollback)

	// Working copy
	mux.HandleFunc("GET /v1/graphs/{graph}/nodes", h.Nodes)
	mux.HandleFunc("GET /v1/graphs/{graph}/edges", h.Edges)
	mux.HandleFunc("POST /v1/graphs/{graph}/replay", h.Replay)
	mux.HandleFunc("POST /v1/graphs/{graph}/repair", h.Repair)
	mux.HandleFunc("GET /v1/graphs/{graph}/status", h.Status)

	// Log
	mux.HandleFunc("GET /v1/graphs/{graph}/revisions", h.Revisions)

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

// ----- Transactions -----

func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	g := r.PathValue("graph")
	txn, err := h.eng.Begin(r.Context(), g)
	if err != nil {
		h.fail(w, r, "failed to begin transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.BeginResponse{Graph: g, TxnID: txn})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.eng.Transactions(r.Context(), r.PathValue("graph"))
	if err != nil {
		h.fail(w, r, "failed to list transactions", err)
		return
	}
	resp := proto.TransactionsResponse{Transactions: make([]proto.Transaction, 0, len(txns))}
	for _, t := range txns {
		resp.Transactions = append(resp.Transactions, proto.FromTransaction(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req proto.SubmitRequest
	if err := h.decode(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	ops, err := proto.ToOperations(req.Operations)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation", err)
		return
	}

	g, txn := r.PathValue("graph"), r.PathValue("txn")
	if err := h.eng.Submit(r.Context(), g, txn, req.Seq, ops); err != nil {
		h.fail(w, r, "failed to submit revisions", err)
		return
	}
	writeJSON(w, http.StatusAccepted, proto.SubmitResponse{Accepted: len(ops)})
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var req proto.CommitRequest
	if err := h.decode(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	g, txn := r.PathValue("graph"), r.PathValue("txn")
	err := h.eng.Commit(r.Context(), g, txn, req.Seq)
	var le *revlog.ListenerError
	if err != nil && !errors.As(err, &le) {
		h.fail(w, r, "failed to commit", err)
		return
	}

	resp := proto.CommitResponse{TxnID: txn, State: string(revlog.TxnCommitted)}
	if info, ierr := h.eng.Log().Transaction(r.Context(), txn); ierr == nil {
		resp.CommitSeq = info.CommitSeq
	}
	if le != nil {
		h.logger.WarnCtx(r.Context(), "commit stored, materialization failed", "graph", g, "txn", txn, "err", le)
		for _, e := range le.Errs {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	g, txn := r.PathValue("graph"), r.PathValue("txn")
	err := h.eng.Rollback(r.Context(), g, txn)
	var le *revlog.ListenerError
	if err != nil && !errors.As(err, &le) {
		h.fail(w, r, "failed to roll back", err)
		return
	}
	resp := proto.CommitResponse{TxnID: txn, State: string(revlog.TxnRolledBack)}
	if le != nil {
		for _, e := range le.Errs {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Working copy -----

func (h *Handler) Nodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.eng.Nodes(r.Context(), r.PathValue("graph"), r.URL.Query().Get("type"))
	if err != nil {
		h.fail(w, r, "failed to list nodes", err)
		return
	}
	if nodes == nil {
		nodes = []*graph.Node{}
	}
	writeJSON(w, http.StatusOK, proto.NodesResponse{Nodes: nodes})
}

func (h *Handler) Edges(w http.ResponseWriter, r *http.Request) {
	edges, err := h.eng.Edges(r.Context(), r.PathValue("graph"), r.URL.Query().Get("type"))
	if err != nil {
		h.fail(w, r, "failed to list edges", err)
		return
	}
	if edges == nil {
		edges = []*graph.Edge{}
	}
	writeJSON(w, http.StatusOK, proto.EdgesResponse{Edges: edges})
}

func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	var req proto.ReplayRequest
	if err := h.decode(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	g := r.PathValue("graph")
	if err := h.eng.Replay(r.Context(), g, req.Rebuild); err != nil {
		h.fail(w, r, "replay failed", err)
		return
	}
	h.writeStatus(w, r, g)
}

func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.Repair(r.Context(), r.PathValue("graph"))
	if err != nil {
		h.fail(w, r, "repair failed", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.RepairResponse{Repaired: n})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r, r.PathValue("graph"))
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, g string) {
	st, err := h.eng.Status(r.Context(), g)
	if err != nil {
		h.fail(w, r, "failed to read status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ----- Log -----

func (h *Handler) Revisions(w http.ResponseWriter, r *http.Request) {
	committedOnly := r.URL.Query().Get("all") != "true"
	list, err := h.eng.Revisions(r.Context(), r.PathValue("graph"), committedOnly)
	if err != nil {
		h.fail(w, r, "failed to read revisions", err)
		return
	}
	resp := proto.RevisionsResponse{Revisions: make([]proto.Revision, 0, len(list))}
	for _, c := range list {
		rev, err := proto.FromContainer(c)
		if err != nil {
			h.fail(w, r, "failed to encode revision", err)
			return
		}
		resp.Revisions = append(resp.Revisions, rev)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Helpers -----

// decode reads a JSON body bounded by the configured size. With optional
// set an empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	body := r.Body
	if h.cfg.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	}
	err := json.NewDecoder(body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorCtx(r.Context(), msg, "path", r.URL.Path, "err", err)
	}
	writeCodedError(w, status, code, msg, err)
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case player.IsReplayError(err):
		return http.StatusUnprocessableEntity, "replay_failed"
	case errors.Is(err, revlog.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, revlog.ErrInvalidBatch):
		return http.StatusBadRequest, "invalid_batch"
	case errors.Is(err, engine.ErrInvalidGraph),
		errors.Is(err, graph.ErrInvalidOperation),
		errors.Is(err, graph.ErrUnresolvableKeys),
		errors.Is(err, graph.ErrInvalidPolicy),
		errors.Is(err, graph.ErrUnsupportedOperation):
		return http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, revlog.ErrTransactionClosed),
		errors.Is(err, revlog.ErrTransactionCommitted),
		errors.Is(err, revlog.ErrTransactionExists),
		errors.Is(err, revlog.ErrGraphMismatch),
		errors.Is(err, player.ErrNotCommitted):
		return http.StatusConflict, "transaction_state"
	case errors.Is(err, player.ErrImportCycle):
		return http.StatusConflict, "import_cycle"
	case errors.Is(err, graph.ErrTypeConflict), errors.Is(err, graph.ErrAlreadyExists):
		return http.StatusConflict, "merge_conflict"
	case errors.Is(err, pack.ErrChecksumMismatch), errors.Is(err, pack.ErrMalformed):
		return http.StatusInternalServerError, "corrupt_revision"
	}
	return http.StatusInternalServerError, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	writeCodedError(w, status, "", msg, err)
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
