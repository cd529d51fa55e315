package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	nickel "github.com/giacomocariello/nickel/core"
)

var (
	sockPath  string
	queryPath string
	whnf      bool
	traceN    int
	archived  bool
	verbose   bool

	rootCmd = &cobra.Command{
		Use:           "ncl-cli",
		Short:         "Client for the ncl core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	evalCmd = &cobra.Command{
		Use:   "eval [expr]",
		Short: "Fully evaluate an expression in the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "eval", "expr": args[0]})
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [expr]",
		Short: "Evaluate an expression and select a field path, showing its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "query", "expr": args[0], "path": queryPath, "whnf": whnf})
		},
	}
	defineCmd = &cobra.Command{
		Use:   "define [name] [expr]",
		Short: "Define a named top-level term",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "define", "name": args[0], "expr": args[1]})
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "delete", "name": args[0]})
		},
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "list"})
		},
	}
	tracesCmd = &cobra.Command{
		Use:   "traces",
		Short: "Show recent eval and query traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := map[string]any{"op": "traces", "archived": archived}
			if traceN > 0 {
				msg["n"] = traceN
			}
			return send(msg)
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove all definitions and traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "clear"})
		},
	}
	compactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the definition log keeping only live definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"op": "compact"})
		},
	}
	rawCmd = &cobra.Command{
		Use:   "raw",
		Short: "Send a JSON request read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("parse JSON: %w", err)
			}
			return send(msg)
		},
	}
	runCmd = &cobra.Command{
		Use:   "run [file]",
		Short: "Evaluate a file locally, without the core",
		Args:  cobra.ExactArgs(1),
		RunE:  runFile,
	}
)

func init() {
	defaultSock := os.Getenv("NCL_SOCK")
	if defaultSock == "" {
		defaultSock = "/tmp/ncl.sock"
	}
	rootCmd.PersistentFlags().StringVar(&sockPath, "sock", defaultSock, "core socket path")

	queryCmd.Flags().StringVarP(&queryPath, "path", "p", "", "dotted field path, e.g. a.b")
	queryCmd.Flags().BoolVar(&whnf, "whnf", false, "print the selected value without evaluating its fields")
	tracesCmd.Flags().IntVarP(&traceN, "n", "n", 0, "number of traces (default all)")
	tracesCmd.Flags().BoolVar(&archived, "archived", false, "read from the trace archive")
	runCmd.Flags().StringVarP(&queryPath, "path", "p", "", "dotted field path to select")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log evaluator activity")

	rootCmd.AddCommand(evalCmd, queryCmd, defineCmd, deleteCmd, listCmd, tracesCmd, clearCmd, compactCmd, rawCmd, runCmd)
}

func send(msg map[string]any) error {
	// Add id if missing
	if _, ok := msg["id"]; !ok {
		msg["id"] = nickel.NextID()
	}

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := nickel.WriteMsg(conn, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	resp, err := nickel.ReadMsg(conn)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if err := printJSON(resp); err != nil {
		return err
	}
	if ok, _ := resp["ok"].(bool); !ok {
		return fmt.Errorf("request failed")
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runFile(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	prog, err := nickel.NewProgramFromSource(args[0], string(src), logger)
	if err != nil {
		return err
	}
	path, err := nickel.ParsePath(queryPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	val, err := prog.Query(ctx, path)
	if err != nil {
		return fmt.Errorf("%s: %w", nickel.ErrorKind(err), err)
	}
	if err := prog.Evaluator().DeepForce(val); err != nil {
		return fmt.Errorf("%s: %w", nickel.ErrorKind(err), err)
	}

	out := map[string]any{}
	if u := val.Unwrap(); u.Kind == nickel.ValFun || u.Kind == nickel.ValBuiltin {
		out["value"] = u.String()
	} else if out["value"], err = nickel.ValueToGo(val); err != nil {
		return err
	}
	if meta := nickel.MetaToGo(val); meta != nil {
		out["meta"] = meta
	}
	if verbose {
		st := prog.Evaluator().Stats
		logger.Debug("stats", "thunk_evals", st.ThunkEvals, "memo_hits", st.MemoHits, "contract_checks", st.ContractChecks)
	}
	if len(path) > 0 {
		out["path"] = strings.Join(path, ".")
	}
	return printJSON(out)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
