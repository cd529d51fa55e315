package nickel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSink is an in-memory TraceSink.
type memSink struct {
	saved  []*Trace
	failOn string
}

func (s *memSink) Save(_ context.Context, t *Trace) error {
	if s.failOn != "" && t.Entry == s.failOn {
		return errors.New("sink unavailable")
	}
	s.saved = append(s.saved, t)
	return nil
}

func (s *memSink) Recent(_ context.Context, n int) ([]*Trace, error) {
	if n > len(s.saved) {
		n = len(s.saved)
	}
	return s.saved[len(s.saved)-n:], nil
}

func (s *memSink) Purge(context.Context) error {
	s.saved = nil
	return nil
}

func testCore(t *testing.T, maxTraces int, sink TraceSink) *Core {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.MaxTraces = maxTraces
	c, err := newCore(cfg, sink, discardLogger())
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func requireOK(t *testing.T, resp map[string]any) any {
	t.Helper()
	require.Equal(t, true, resp["ok"], "response: %v", resp)
	return resp["value"]
}

func TestCoreManual(t *testing.T) {
	c := testCore(t, 10, nil)
	v := requireOK(t, c.Do(map[string]any{"id": "1"})).(map[string]any)
	assert.Equal(t, "ncl-core", v["name"])
	ops := v["ops"].(map[string]any)
	for _, op := range []string{"eval", "query", "define", "delete", "list", "traces", "clear", "compact"} {
		assert.Contains(t, ops, op)
	}
	assert.Contains(t, v["builtins"], "seq")
}

func TestCoreEval(t *testing.T) {
	c := testCore(t, 10, nil)

	resp := c.Do(map[string]any{"id": "a", "op": "eval", "expr": "{a = 1, b = {c = \"x\"}}"})
	assert.Equal(t, "a", resp["id"])
	assert.Equal(t, map[string]any{"a": 1.0, "b": map[string]any{"c": "x"}}, requireOK(t, resp))

	resp = c.Do(map[string]any{"op": "eval", "expr": "fun x => x"})
	assert.Equal(t, "<fun x>", requireOK(t, resp))
}

func TestCoreEvalErrors(t *testing.T) {
	c := testCore(t, 10, nil)

	for expr, kind := range map[string]string{
		"{x = x}.x":                     "infinite_recursion",
		`"a" | Num`:                     "contract_violation",
		"nope":                          "unbound_identifier",
		`1 + "a"`:                       "type_mismatch",
		"(1":                            "parse_error",
		`builtin.assert false "broken"`: "assert_failed",
		"{a = 1}.b":                     "field_missing",
	} {
		resp := c.Do(map[string]any{"op": "eval", "expr": expr})
		assert.Equal(t, false, resp["ok"], expr)
		assert.Equal(t, kind, resp["kind"], expr)
		assert.NotEmpty(t, resp["error"], expr)
	}

	resp := c.Do(map[string]any{"op": "eval"})
	assert.Equal(t, false, resp["ok"])
	resp = c.Do(map[string]any{"op": "bogus"})
	assert.Equal(t, "unknown op: bogus", resp["error"])
}

func TestCoreQuery(t *testing.T) {
	c := testCore(t, 10, nil)
	expr := `{server = {port | doc "Listening port" | Num = 8080}, f = fun x => x}`

	v := requireOK(t, c.Do(map[string]any{"op": "query", "expr": expr, "path": "server.port"})).(map[string]any)
	assert.Equal(t, "Num", v["kind"])
	assert.Equal(t, 8080.0, v["value"])
	assert.Equal(t, map[string]any{"doc": "Listening port", "contracts": []any{"Num"}}, v["meta"])

	v = requireOK(t, c.Do(map[string]any{"op": "query", "expr": expr, "path": "server", "whnf": true})).(map[string]any)
	assert.Equal(t, "Record", v["kind"])
	assert.Equal(t, "{port = <thunk>}", v["value"])
	assert.NotContains(t, v, "meta")

	v = requireOK(t, c.Do(map[string]any{"op": "query", "expr": expr, "path": "f"})).(map[string]any)
	assert.Equal(t, "Fun", v["kind"])

	resp := c.Do(map[string]any{"op": "query", "expr": expr, "path": "server..port"})
	assert.Equal(t, false, resp["ok"])
	resp = c.Do(map[string]any{"op": "query", "expr": expr, "path": "server.host"})
	assert.Equal(t, "field_missing", resp["kind"])
}

func TestCoreDefineListDelete(t *testing.T) {
	c := testCore(t, 10, nil)

	v := requireOK(t, c.Do(map[string]any{"op": "define", "name": "base", "expr": "10"})).(map[string]any)
	assert.Equal(t, "base", v["name"])
	v = requireOK(t, c.Do(map[string]any{"op": "define", "name": "twice", "expr": "base * 2"})).(map[string]any)
	assert.Equal(t, []any{"base"}, v["refs"])

	assert.Equal(t, 20.0, requireOK(t, c.Do(map[string]any{"op": "eval", "expr": "twice"})))

	list := requireOK(t, c.Do(map[string]any{"op": "list"})).([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "base", list[0].(map[string]any)["name"])
	assert.Equal(t, "base * 2", list[1].(map[string]any)["source"])

	resp := c.Do(map[string]any{"op": "define", "name": "bad", "expr": "missing + 1"})
	assert.Equal(t, "unbound_identifier", resp["kind"])

	resp = c.Do(map[string]any{"op": "delete", "name": "base"})
	assert.Equal(t, false, resp["ok"])
	requireOK(t, c.Do(map[string]any{"op": "delete", "name": "twice"}))
	requireOK(t, c.Do(map[string]any{"op": "delete", "name": "base"}))
	assert.Empty(t, requireOK(t, c.Do(map[string]any{"op": "list"})))
}

func TestCoreTraces(t *testing.T) {
	sink := &memSink{}
	c := testCore(t, 2, sink)

	c.Do(map[string]any{"op": "eval", "expr": "1"})
	c.Do(map[string]any{"op": "eval", "expr": "let x = 1 + 1 in x + x"})
	c.Do(map[string]any{"op": "query", "expr": "{a = 1 | doc \"one\"}", "path": "a"})
	c.Do(map[string]any{"op": "eval", "expr": "{x = x}.x"})

	traces := requireOK(t, c.Do(map[string]any{"op": "traces"})).([]any)
	require.Len(t, traces, 2, "in-memory traces are capped")
	q := traces[0].(map[string]any)
	assert.Equal(t, "query", q["op"])
	assert.Equal(t, []any{"a"}, q["path"])
	assert.Equal(t, map[string]any{"doc": "one"}, q["meta"])
	assert.Nil(t, q["error"])
	failed := traces[1].(map[string]any)
	assert.Equal(t, "infinite_recursion", failed["error_kind"])
	assert.Equal(t, 1, failed["stats"].(map[string]any)["black_holes"])

	traces = requireOK(t, c.Do(map[string]any{"op": "traces", "n": 1.0})).([]any)
	require.Len(t, traces, 1)
	assert.Equal(t, "eval", traces[0].(map[string]any)["op"])

	archived := requireOK(t, c.Do(map[string]any{"op": "traces", "archived": true, "n": 10.0})).([]any)
	assert.Len(t, archived, 4)
	memo := archived[1].(map[string]any)["stats"].(map[string]any)
	assert.Equal(t, 2, memo["thunk_evals"])
	assert.Equal(t, 1, memo["memo_hits"])

	resp := c.Do(map[string]any{"op": "traces", "n": -1.0})
	assert.Equal(t, false, resp["ok"])
}

func TestCoreTracesWithoutArchive(t *testing.T) {
	c := testCore(t, 10, nil)
	resp := c.Do(map[string]any{"op": "traces", "archived": true})
	assert.Equal(t, false, resp["ok"])
}

func TestCoreSinkFailureDoesNotFailRequest(t *testing.T) {
	sink := &memSink{failOn: "2"}
	c := testCore(t, 10, sink)
	assert.Equal(t, 2.0, requireOK(t, c.Do(map[string]any{"op": "eval", "expr": "2"})))
	assert.Empty(t, sink.saved)
}

func TestCoreClear(t *testing.T) {
	sink := &memSink{}
	c := testCore(t, 10, sink)

	c.Do(map[string]any{"op": "define", "name": "x", "expr": "1"})
	c.Do(map[string]any{"op": "eval", "expr": "x"})
	requireOK(t, c.Do(map[string]any{"op": "clear"}))

	assert.Empty(t, requireOK(t, c.Do(map[string]any{"op": "list"})))
	assert.Empty(t, requireOK(t, c.Do(map[string]any{"op": "traces"})))
	assert.Empty(t, sink.saved)
}

func TestCoreSocket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Sock = filepath.Join(t.TempDir(), "ncl.sock")
	c, err := NewCore(cfg, nil, discardLogger())
	require.NoError(t, err)
	go c.Run()
	t.Cleanup(c.Shutdown)

	conn, err := net.DialTimeout("unix", cfg.Sock, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	for i, expr := range []string{"1 + 1", "{a = true}"} {
		require.NoError(t, WriteMsg(conn, map[string]any{"id": NextID(), "op": "eval", "expr": expr}))
		resp, err := ReadMsg(conn)
		require.NoError(t, err)
		require.Equal(t, true, resp["ok"], "request %d: %v", i, resp)
	}
}

func TestCoreCompact(t *testing.T) {
	c := testCore(t, 10, nil)

	c.Do(map[string]any{"op": "define", "name": "x", "expr": "1"})
	c.Do(map[string]any{"op": "define", "name": "x", "expr": "2"})
	v := requireOK(t, c.Do(map[string]any{"op": "compact"})).(map[string]any)
	assert.Equal(t, 1, v["definitions"])
	assert.Equal(t, 2.0, requireOK(t, c.Do(map[string]any{"op": "eval", "expr": "x"})))
}

func TestCoreArchivedTracesSurviveRestart(t *testing.T) {
	sink := &memSink{}
	for i := 1; i <= 3; i++ {
		sink.saved = append(sink.saved, &Trace{ID: fmt.Sprintf("t-%d", i), Op: "eval", Entry: "1"})
	}
	c := testCore(t, 10, sink)

	assert.Empty(t, requireOK(t, c.Do(map[string]any{"op": "traces"})))
	archived := requireOK(t, c.Do(map[string]any{"op": "traces", "archived": true})).([]any)
	require.Len(t, archived, 3)
	assert.Equal(t, "t-1", archived[0].(map[string]any)["id"])

	small := testCore(t, 2, sink)
	archived = requireOK(t, small.Do(map[string]any{"op": "traces", "archived": true})).([]any)
	require.Len(t, archived, 2, "archived reads default to the in-memory cap")
	assert.Equal(t, "t-3", archived[1].(map[string]any)["id"])
}

func TestCoreShutdownWithOpenConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Sock = filepath.Join(t.TempDir(), "ncl.sock")
	c, err := NewCore(cfg, nil, discardLogger())
	require.NoError(t, err)
	go c.Run()

	conn, err := net.DialTimeout("unix", cfg.Sock, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, WriteMsg(conn, map[string]any{"id": "1", "op": "eval", "expr": "1"}))
	_, err = ReadMsg(conn)
	require.NoError(t, err)

	c.Shutdown()
	c.Shutdown()

	resp := c.Do(map[string]any{"id": "late", "op": "eval", "expr": "1"})
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "late", resp["id"])

	// The server side of the connection is closed.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = ReadMsg(conn)
	assert.Error(t, err)
}
