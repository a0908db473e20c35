// Command graphlog serves and inspects transaction-grouped revision logs of
// property graphs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"graphlog/api"
	"graphlog/background"
	"graphlog/config"
	"graphlog/engine"
	"graphlog/logging"
	"graphlog/metrics"
	"graphlog/proto"
	"graphlog/revlog"
)

var rootCmd = &cobra.Command{
	Use:           "graphlog",
	Short:         "Transaction-grouped revision log for property graphs",
	Long:          `graphlog stores graph operations in an append-only log grouped by transaction and materializes committed transactions into per-graph working copies.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var submitCmd = &cobra.Command{
	Use:   "submit <graph> <ops.json>",
	Short: "Submit a JSON list of operations as one committed transaction",
	Long:  `Reads a JSON array of operations from the file (or stdin when the file is "-"), opens a transaction, submits the operations as one batch and commits it.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSubmit,
}

var replayCmd = &cobra.Command{
	Use:   "replay <graph>",
	Short: "Replay every committed revision into the working copy",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

var repairCmd = &cobra.Command{
	Use:   "repair <graph>",
	Short: "Clear the hanging flag of edges whose endpoints now resolve",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepair,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes <graph>",
	Short: "List materialized nodes",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodes,
}

var edgesCmd = &cobra.Command{
	Use:   "edges <graph>",
	Short: "List materialized edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdges,
}

var logCmd = &cobra.Command{
	Use:   "log <graph>",
	Short: "Print the revision log of a graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var statusCmd = &cobra.Command{
	Use:   "status <graph>",
	Short: "Show how far the working copy lags the log",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var (
	configPath string
	dataDir    string
	listenAddr string
	logLevel   string
	memoryFlag bool
	typeFilter string
	rebuild    bool
	allFlag    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory (default: ./data)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (default: :7480)")
	serveCmd.Flags().BoolVar(&memoryFlag, "memory", false, "Keep everything in memory")
	nodesCmd.Flags().StringVar(&typeFilter, "type", "", "Only list nodes of this type")
	edgesCmd.Flags().StringVar(&typeFilter, "type", "", "Only list edges of this type")
	replayCmd.Flags().BoolVar(&rebuild, "rebuild", false, "Delete the working copy before replaying")
	logCmd.Flags().BoolVar(&allFlag, "all", false, "Include revisions of open transactions")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(edgesCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers flags over the config file over the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if memoryFlag {
		cfg.Memory = true
	}
	return cfg, nil
}

func openEngine() (*engine.Engine, *config.Config, logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	eng, err := engine.Open(cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening engine: %w", err)
	}
	return eng, cfg, logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, cfg, logger, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	logger.Info("graphlog starting",
		"listen", cfg.Listen, "data", cfg.DataDir, "memory", cfg.Memory,
		"materialize", cfg.Materialize, "repair_interval", cfg.RepairInterval, "version", cfg.Version)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RepairInterval > 0 {
		rec := background.NewReconciler(eng, cfg.RepairInterval, logger)
		rec.Start(ctx)
		defer rec.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      api.WithDefaults(api.NewRouter(eng, cfg, logger), logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down")

		// Give connections 30s to finish
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
		close(done)
	}()

	logger.Info("graphlog listening", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("graphlog stopped")
	return nil
}

// readOperations decodes a JSON array of wire operations from path, or
// from stdin when path is "-".
func readOperations(path string, stdin io.Reader) ([]proto.Operation, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening operations: %w", err)
		}
		defer f.Close()
		r = f
	}
	var ops []proto.Operation
	if err := json.NewDecoder(r).Decode(&ops); err != nil {
		return nil, fmt.Errorf("decoding operations: %w", err)
	}
	return ops, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	wire, err := readOperations(args[1], cmd.InOrStdin())
	if err != nil {
		return err
	}
	ops, err := proto.ToOperations(wire)
	if err != nil {
		return err
	}

	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	graphID := args[0]
	txn, err := eng.Begin(ctx, graphID)
	if err != nil {
		return err
	}
	if err := eng.Submit(ctx, graphID, txn, 1, ops); err != nil {
		if rbErr := eng.Rollback(ctx, graphID, txn); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	commitErr := eng.Commit(ctx, graphID, txn, 2)
	var le *revlog.ListenerError
	if commitErr != nil && !errors.As(commitErr, &le) {
		return commitErr
	}

	resp := proto.CommitResponse{TxnID: txn, State: string(revlog.TxnCommitted)}
	if info, err := eng.Log().Transaction(ctx, txn); err == nil {
		resp.CommitSeq = info.CommitSeq
	}
	if le != nil {
		for _, e := range le.Errs {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if le != nil {
		return fmt.Errorf("transaction %s committed but not materialized", txn)
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Replay(cmd.Context(), args[0], rebuild); err != nil {
		return err
	}
	st, err := eng.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runRepair(cmd *cobra.Command, args []string) error {
	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), proto.RepairResponse{Repaired: n})
}

func runNodes(cmd *cobra.Command, args []string) error {
	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	nodes, err := eng.Nodes(cmd.Context(), args[0], typeFilter)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), proto.NodesResponse{Nodes: nodes})
}

func runEdges(cmd *cobra.Command, args []string) error {
	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	edges, err := eng.Edges(cmd.Context(), args[0], typeFilter)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), proto.EdgesResponse{Edges: edges})
}

func runLog(cmd *cobra.Command, args []string) error {
	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	list, err := eng.Revisions(cmd.Context(), args[0], !allFlag)
	if err != nil {
		return err
	}
	resp := proto.RevisionsResponse{Revisions: make([]proto.Revision, 0, len(list))}
	for _, c := range list {
		rev, err := proto.FromContainer(c)
		if err != nil {
			return err
		}
		resp.Revisions = append(resp.Revisions, rev)
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, _, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := eng.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}
