package nickel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

// TraceSink archives traces beyond the in-memory window.
type TraceSink interface {
	Save(ctx context.Context, t *Trace) error
	Recent(ctx context.Context, n int) ([]*Trace, error)
	Purge(ctx context.Context) error
}

// Core is the central actor that owns the workspace and handles requests.
type Core struct {
	ws        *Workspace
	requests  chan coreRequest
	listener  net.Listener
	traces    []Trace
	maxTraces int
	sink      TraceSink
	logger    *slog.Logger

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
}

type coreRequest struct {
	msg      map[string]any
	response chan map[string]any
}

// NewCore opens the workspace in cfg.Dir and listens on cfg.Sock. sink may
// be nil.
func NewCore(cfg Config, sink TraceSink, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := newCore(cfg, sink, logger)
	if err != nil {
		return nil, err
	}

	// Clean up a stale socket
	os.Remove(cfg.Sock)
	listener, err := net.Listen("unix", cfg.Sock)
	if err != nil {
		c.ws.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	c.listener = listener
	return c, nil
}

// newCore builds a core and starts its actor, without a listener.
func newCore(cfg Config, sink TraceSink, logger *slog.Logger) (*Core, error) {
	ev := NewEvaluator(nil, logger.With("component", "eval"))
	ws, err := NewWorkspace(cfg.Dir, ev, logger)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}
	c := &Core{
		ws:        ws,
		requests:  make(chan coreRequest, 64),
		maxTraces: cfg.MaxTraces,
		sink:      sink,
		logger:    logger.With("component", "core"),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		conns:     map[net.Conn]struct{}{},
	}
	go c.actorLoop()
	return c, nil
}

// Run accepts connections. Blocks until Shutdown.
func (c *Core) Run() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.handleClientConnection(conn)
	}
}

// Shutdown cleanly stops the core. Open client connections are closed and
// requests arriving afterwards get an error response. Safe to call twice.
func (c *Core) Shutdown() {
	c.stopOnce.Do(func() {
		if c.listener != nil {
			c.listener.Close()
		}
		close(c.quit)
		<-c.done

		c.connMu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.connMu.Unlock()

		if err := c.ws.Close(); err != nil {
			c.logger.Warn("close workspace", "err", err)
		}
	})
}

// actorLoop is the single goroutine that owns workspace state.
func (c *Core) actorLoop() {
	defer close(c.done)
	for {
		select {
		case req := <-c.requests:
			req.response <- c.handleRequest(context.Background(), req.msg)
		case <-c.quit:
			return
		}
	}
}

// Do sends a request to the actor and waits for the response.
func (c *Core) Do(msg map[string]any) map[string]any {
	id, _ := msg["id"].(string)
	resp := make(chan map[string]any, 1)
	select {
	case c.requests <- coreRequest{msg: msg, response: resp}:
	case <-c.quit:
		return errorResponse(id, "core is shutting down")
	}
	select {
	case r := <-resp:
		return r
	case <-c.done:
		// The actor stopped before picking the request up.
		return errorResponse(id, "core is shutting down")
	}
}

func (c *Core) handleRequest(ctx context.Context, msg map[string]any) map[string]any {
	id, _ := msg["id"].(string)
	op, _ := msg["op"].(string)
	if op == "" {
		return c.coreManual(id)
	}

	start := time.Now()
	var resp map[string]any
	switch op {
	case "eval":
		resp = c.handleEval(ctx, id, msg)
	case "query":
		resp = c.handleQuery(ctx, id, msg)
	case "define":
		resp = c.handleDefine(id, msg)
	case "delete":
		resp = c.handleDelete(id, msg)
	case "list":
		resp = c.handleList(id)
	case "traces":
		resp = c.handleTraces(ctx, id, msg)
	case "clear":
		resp = c.handleClear(ctx, id)
	case "compact":
		resp = c.handleCompact(id)
	default:
		return errorResponse(id, fmt.Sprintf("unknown op: %s", op))
	}

	result := "ok"
	if ok, _ := resp["ok"].(bool); !ok {
		result = "error"
	}
	requestDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	return resp
}

func (c *Core) coreManual(id string) map[string]any {
	builtins := PrimitiveNames()
	sort.Strings(builtins)
	return map[string]any{
		"id": id,
		"ok": true,
		"value": map[string]any{
			"name":    "ncl-core",
			"version": "1.0.0",
			"ops": map[string]any{
				"eval":    "Fully evaluate an expression. Params: expr (string)",
				"query":   "Evaluate an expression and select a field path, keeping metadata. Params: expr (string), path (string, dotted), whnf (bool, optional)",
				"define":  "Define a named top-level term. Params: name (string), expr (string)",
				"delete":  "Delete a definition. Params: name (string)",
				"list":    "List definitions with the names they reference.",
				"traces":  "Recent eval/query traces. Params: n (number, optional), archived (bool, optional)",
				"clear":   "Remove all definitions and traces.",
				"compact": "Rewrite the definition log keeping only live definitions.",
			},
			"builtins": builtins,
		},
	}
}

func (c *Core) newTrace(op, entry string, path []string) *Trace {
	return &Trace{
		ID:        NextID(),
		Op:        op,
		Entry:     entry,
		Path:      path,
		Timestamp: time.Now().UTC(),
	}
}

func (c *Core) finishTrace(ctx context.Context, tr *Trace, before Stats, err error) {
	tr.Duration = time.Since(tr.Timestamp)
	tr.Stats = c.ws.Evaluator().Stats.Sub(before)
	if err != nil {
		tr.Error = err.Error()
		tr.ErrorKind = ErrorKind(err)
	}
	c.appendTrace(ctx, tr)
}

func (c *Core) handleEval(ctx context.Context, id string, msg map[string]any) map[string]any {
	expr, ok := msg["expr"].(string)
	if !ok {
		return errorResponse(id, "eval: missing 'expr' string")
	}

	tr := c.newTrace("eval", expr, nil)
	before := c.ws.Evaluator().Stats
	val, err := c.ws.Eval(ctx, expr)
	if err != nil {
		c.finishTrace(ctx, tr, before, err)
		return evalErrorResponse(id, err)
	}
	goVal, err := renderValue(val)
	if err != nil {
		c.finishTrace(ctx, tr, before, err)
		return errorResponse(id, fmt.Sprintf("serialize result: %s", err))
	}
	tr.Result = goVal
	c.finishTrace(ctx, tr, before, nil)
	return map[string]any{"id": id, "ok": true, "value": goVal}
}

func (c *Core) handleQuery(ctx context.Context, id string, msg map[string]any) map[string]any {
	expr, ok := msg["expr"].(string)
	if !ok {
		return errorResponse(id, "query: missing 'expr' string")
	}
	pathStr, _ := msg["path"].(string)
	path, err := ParsePath(pathStr)
	if err != nil {
		return errorResponse(id, "query: "+err.Error())
	}
	whnf, _ := msg["whnf"].(bool)

	tr := c.newTrace("query", expr, path)
	before := c.ws.Evaluator().Stats
	val, err := c.ws.Query(ctx, expr, path)
	if err != nil {
		c.finishTrace(ctx, tr, before, err)
		return evalErrorResponse(id, err)
	}

	out := map[string]any{"kind": val.KindName()}
	if meta := MetaToGo(val); meta != nil {
		out["meta"] = meta
		tr.Meta = meta
	}
	if whnf {
		out["value"] = val.Unwrap().String()
	} else {
		if err := c.ws.Evaluator().DeepForce(val); err != nil {
			c.finishTrace(ctx, tr, before, err)
			return evalErrorResponse(id, err)
		}
		goVal, err := renderValue(val)
		if err != nil {
			c.finishTrace(ctx, tr, before, err)
			return errorResponse(id, fmt.Sprintf("serialize result: %s", err))
		}
		out["value"] = goVal
	}
	tr.Result = out["value"]
	c.finishTrace(ctx, tr, before, nil)
	return map[string]any{"id": id, "ok": true, "value": out}
}

func (c *Core) handleDefine(id string, msg map[string]any) map[string]any {
	name, ok := msg["name"].(string)
	if !ok {
		return errorResponse(id, "define: missing 'name' string")
	}
	expr, ok := msg["expr"].(string)
	if !ok {
		return errorResponse(id, "define: missing 'expr' string")
	}
	d, err := c.ws.Define(name, expr)
	if err != nil {
		return evalErrorResponse(id, err)
	}
	return map[string]any{
		"id":    id,
		"ok":    true,
		"value": map[string]any{"name": d.Name, "refs": stringsToAny(d.Refs)},
	}
}

func (c *Core) handleDelete(id string, msg map[string]any) map[string]any {
	name, ok := msg["name"].(string)
	if !ok {
		return errorResponse(id, "delete: missing 'name' string")
	}
	if err := c.ws.Delete(name); err != nil {
		return errorResponse(id, err.Error())
	}
	return map[string]any{"id": id, "ok": true, "value": name}
}

func (c *Core) handleList(id string) map[string]any {
	defs := c.ws.List()
	out := make([]any, len(defs))
	for i, d := range defs {
		out[i] = map[string]any{
			"name":   d.Name,
			"source": d.Source,
			"refs":   stringsToAny(d.Refs),
		}
	}
	return map[string]any{"id": id, "ok": true, "value": out}
}

func (c *Core) handleTraces(ctx context.Context, id string, msg map[string]any) map[string]any {
	archived, _ := msg["archived"].(bool)
	// By default: everything in memory, or as many archived traces as
	// memory would hold.
	n := len(c.traces)
	if archived {
		n = c.maxTraces
	}
	if raw, ok := msg["n"]; ok {
		f, ok := raw.(float64)
		if !ok || f < 0 {
			return errorResponse(id, "traces: 'n' must be a non-negative number")
		}
		n = int(f)
	}

	if archived {
		if c.sink == nil {
			return errorResponse(id, "traces: no trace archive configured")
		}
		ts, err := c.sink.Recent(ctx, n)
		if err != nil {
			return errorResponse(id, err.Error())
		}
		out := make([]any, len(ts))
		for i, t := range ts {
			out[i] = t.ToGo()
		}
		return map[string]any{"id": id, "ok": true, "value": out}
	}

	n = min(n, len(c.traces))
	start := len(c.traces) - n
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = c.traces[start+i].ToGo()
	}
	return map[string]any{"id": id, "ok": true, "value": out}
}

func (c *Core) handleClear(ctx context.Context, id string) map[string]any {
	if err := c.ws.Clear(); err != nil {
		return errorResponse(id, err.Error())
	}
	c.traces = nil
	if c.sink != nil {
		if err := c.sink.Purge(ctx); err != nil {
			return errorResponse(id, err.Error())
		}
	}
	c.logger.Info("workspace cleared")
	return map[string]any{"id": id, "ok": true, "value": "cleared"}
}

func (c *Core) handleCompact(id string) map[string]any {
	n, err := c.ws.Compact()
	if err != nil {
		return errorResponse(id, err.Error())
	}
	return map[string]any{"id": id, "ok": true, "value": map[string]any{"definitions": n}}
}

// renderValue is ValueToGo, except that a function result is shown as its
// printed form.
func renderValue(v Value) (any, error) {
	if u := v.Unwrap(); u.Kind == ValFun || u.Kind == ValBuiltin {
		return u.String(), nil
	}
	return ValueToGo(v)
}

func errorResponse(id, errMsg string) map[string]any {
	return map[string]any{"id": id, "ok": false, "error": errMsg}
}

// evalErrorResponse adds the error kind so clients can tell blame, cycles
// and type errors apart.
func evalErrorResponse(id string, err error) map[string]any {
	resp := errorResponse(id, err.Error())
	resp["kind"] = ErrorKind(err)
	return resp
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// appendTrace adds a trace, enforces the maxTraces cap and archives it.
func (c *Core) appendTrace(ctx context.Context, t *Trace) {
	c.traces = append(c.traces, *t)
	if len(c.traces) > c.maxTraces {
		// Drop oldest traces
		excess := len(c.traces) - c.maxTraces
		c.traces = c.traces[excess:]
	}
	if c.sink != nil {
		if err := c.sink.Save(ctx, t); err != nil {
			c.logger.Warn("archive trace", "id", t.ID, "err", err)
		}
	}
}

// --- Connection handling ---

func (c *Core) handleClientConnection(conn net.Conn) {
	c.connMu.Lock()
	select {
	case <-c.quit:
		c.connMu.Unlock()
		conn.Close()
		return
	default:
	}
	c.conns[conn] = struct{}{}
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		delete(c.conns, conn)
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		msg, err := ReadMsg(conn)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("read client message", "err", err)
			}
			return
		}

		resp := c.Do(msg)
		if err := WriteMsg(conn, resp); err != nil {
			c.logger.Warn("write client response", "err", err)
			return
		}
	}
}
