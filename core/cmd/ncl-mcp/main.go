package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	nickel "github.com/giacomocariello/nickel/core"
)

// client holds the single core connection shared by all tool calls.
type client struct {
	mu     sync.Mutex
	conn   net.Conn
	logger *slog.Logger
}

func (c *client) send(req map[string]any) (map[string]any, error) {
	req["id"] = nickel.NextID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := nickel.WriteMsg(c.conn, req); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	resp, err := nickel.ReadMsg(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	c.logger.Debug("core response", "id", req["id"], "op", req["op"], "ok", resp["ok"])
	return resp, nil
}

// formatResult turns a core response into an MCP tool result. Failed
// evaluations carry their error kind so callers can tell a contract
// violation from a parse error.
func formatResult(resp map[string]any) (*mcp.CallToolResult, error) {
	if ok, _ := resp["ok"].(bool); !ok {
		errMsg, _ := resp["error"].(string)
		if errMsg == "" {
			errMsg = "unknown error"
		}
		if kind, _ := resp["kind"].(string); kind != "" {
			errMsg = kind + ": " + errMsg
		}
		return mcp.NewToolResultError(errMsg), nil
	}
	out, err := json.MarshalIndent(resp["value"], "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

// forward builds a handler that sends op with the request built by args.
func (c *client) forward(op string, args func(mcp.CallToolRequest) (map[string]any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := map[string]any{}
		if args != nil {
			var err error
			if req, err = args(request); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
		req["op"] = op
		resp, err := c.send(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return formatResult(resp)
	}
}

func exprArgs(request mcp.CallToolRequest) (map[string]any, error) {
	expr, err := request.RequireString("expr")
	if err != nil {
		return nil, err
	}
	return map[string]any{"expr": expr}, nil
}

func queryArgs(request mcp.CallToolRequest) (map[string]any, error) {
	req, err := exprArgs(request)
	if err != nil {
		return nil, err
	}
	req["path"] = request.GetString("path", "")
	if request.GetBool("whnf", false) {
		req["whnf"] = true
	}
	return req, nil
}

func defineArgs(request mcp.CallToolRequest) (map[string]any, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return nil, err
	}
	req, err := exprArgs(request)
	if err != nil {
		return nil, err
	}
	req["name"] = name
	return req, nil
}

func nameArgs(request mcp.CallToolRequest) (map[string]any, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name}, nil
}

func traceArgs(request mcp.CallToolRequest) (map[string]any, error) {
	req := map[string]any{}
	if n := request.GetFloat("n", 0); n > 0 {
		req["n"] = n
	}
	if request.GetBool("archived", false) {
		req["archived"] = true
	}
	return req, nil
}

func main() {
	cfg, err := nickel.LoadConfig(os.Getenv("NCL_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// stdout carries the MCP stream.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conn, err := net.Dial("unix", cfg.Sock)
	if err != nil {
		logger.Error("connect to core", "sock", cfg.Sock, "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected to ncl core", "sock", cfg.Sock)
	c := &client{conn: conn, logger: logger}

	s := server.NewMCPServer(
		"ncl",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(
		mcp.NewTool("ncl_eval",
			mcp.WithDescription("Fully evaluate a configuration expression in the workspace. Returns the result as JSON."),
			mcp.WithString("expr",
				mcp.Required(),
				mcp.Description("Expression to evaluate, e.g. {port | Num = 8080}.port"),
			),
		),
		c.forward("eval", exprArgs),
	)

	s.AddTool(
		mcp.NewTool("ncl_query",
			mcp.WithDescription("Evaluate an expression, select a field path and return the value with its documentation, type and contracts."),
			mcp.WithString("expr",
				mcp.Required(),
				mcp.Description("Expression to evaluate"),
			),
			mcp.WithString("path",
				mcp.Description("Dotted field path, e.g. server.port. Empty selects the whole value"),
			),
			mcp.WithBoolean("whnf",
				mcp.Description("If true, do not evaluate the fields of the selected value"),
			),
		),
		c.forward("query", queryArgs),
	)

	s.AddTool(
		mcp.NewTool("ncl_define",
			mcp.WithDescription("Define a named top-level term. It may refer to itself and to existing definitions."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Identifier to define"),
			),
			mcp.WithString("expr",
				mcp.Required(),
				mcp.Description("Expression for the definition"),
			),
		),
		c.forward("define", defineArgs),
	)

	s.AddTool(
		mcp.NewTool("ncl_delete",
			mcp.WithDescription("Delete a definition. Fails while other definitions still refer to it."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Definition to delete"),
			),
		),
		c.forward("delete", nameArgs),
	)

	s.AddTool(
		mcp.NewTool("ncl_list",
			mcp.WithDescription("List definitions with their source and the names they reference."),
		),
		c.forward("list", nil),
	)

	s.AddTool(
		mcp.NewTool("ncl_traces",
			mcp.WithDescription("Recent eval and query traces with evaluation statistics."),
			mcp.WithNumber("n",
				mcp.Description("Number of traces to return, newest last. Default all"),
			),
			mcp.WithBoolean("archived",
				mcp.Description("If true, read from the persistent trace archive"),
			),
		),
		c.forward("traces", traceArgs),
	)

	s.AddTool(
		mcp.NewTool("ncl_clear",
			mcp.WithDescription("Clear the session: truncate the definition log and drop all traces."),
		),
		c.forward("clear", nil),
	)

	s.AddTool(
		mcp.NewTool("ncl_compact",
			mcp.WithDescription("Rewrite the definition log keeping only live definitions."),
		),
		c.forward("compact", nil),
	)

	if err := server.ServeStdio(s); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
