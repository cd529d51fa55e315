package nickel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testWorkspace(t *testing.T, dir string) *Workspace {
	t.Helper()
	w, err := NewWorkspace(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func wsEval(t *testing.T, w *Workspace, src string) Value {
	t.Helper()
	v, err := w.Eval(context.Background(), src)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	return v
}

func TestWorkspaceDefineAndEval(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	d, err := w.Define("x", "42")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "x" || len(d.Refs) != 0 {
		t.Fatalf("unexpected definition %+v", d)
	}
	if v := wsEval(t, w, "x + 1"); v.Num != 43 {
		t.Fatalf("expected 43, got %s", v)
	}
}

func TestWorkspaceDefineFunction(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	if _, err := w.Define("double", `fun s => s ++ s`); err != nil {
		t.Fatal(err)
	}
	if v := wsEval(t, w, `double "ha"`); v.Str != "haha" {
		t.Fatalf("expected haha, got %s", v)
	}
}

func TestWorkspaceRecursiveDefinition(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	if _, err := w.Define("fact", "fun n => if n <= 1 then 1 else n * fact (n - 1)"); err != nil {
		t.Fatal(err)
	}
	if v := wsEval(t, w, "fact 5"); v.Num != 120 {
		t.Fatalf("expected 120, got %s", v)
	}
}

func TestWorkspaceRefs(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("base", "10")
	w.Define("scale", "fun n => n * base")
	d, err := w.Define("config", "{port = scale 8, name = \"svc\"}")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Refs) != 1 || d.Refs[0] != "scale" {
		t.Fatalf("expected refs [scale], got %v", d.Refs)
	}
	if deps := w.Dependents("base"); len(deps) != 1 || deps[0] != "scale" {
		t.Fatalf("expected base used by scale, got %v", deps)
	}
	if v := wsEval(t, w, "config.port"); v.Num != 80 {
		t.Fatalf("expected 80, got %s", v)
	}
}

func TestWorkspaceRejectsUnknownNames(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	_, err := w.Define("y", "x + 1")
	var ui *UnboundIdentifierError
	if !errors.As(err, &ui) || ui.Name != "x" {
		t.Fatalf("expected unbound x, got %v", err)
	}
	if _, ok := w.Lookup("y"); ok {
		t.Fatal("failed definition was stored")
	}
}

func TestWorkspaceRejectsBadNames(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	for _, name := range []string{"", "let", "builtin", "1x", "a-b"} {
		if _, err := w.Define(name, "1"); err == nil {
			t.Fatalf("expected error defining %q", name)
		}
	}
	if _, err := w.Define("ok", "(1"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWorkspaceRedefineInvalidatesScope(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("x", "1")
	w.Define("y", "x * 2")
	if v := wsEval(t, w, "y"); v.Num != 2 {
		t.Fatalf("expected 2, got %s", v)
	}
	w.Define("x", "5")
	if v := wsEval(t, w, "y"); v.Num != 10 {
		t.Fatalf("expected 10 after redefining x, got %s", v)
	}
}

func TestWorkspaceScopeIsMemoized(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("big", "1 + 2 + 3")
	wsEval(t, w, "big")
	evals := w.Evaluator().Stats.ThunkEvals
	wsEval(t, w, "big")
	// Only the new root is evaluated.
	if got := w.Evaluator().Stats.ThunkEvals - evals; got != 1 {
		t.Fatalf("expected 1 new evaluation, got %d", got)
	}
}

func TestWorkspaceDelete(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("x", "1")
	w.Define("y", "x + 1")

	err := w.Delete("x")
	if err == nil || !strings.Contains(err.Error(), "still referenced by y") {
		t.Fatalf("expected dependents error, got %v", err)
	}
	if err := w.Delete("y"); err != nil {
		t.Fatal(err)
	}
	if err := w.Delete("x"); err != nil {
		t.Fatal(err)
	}
	if len(w.List()) != 0 {
		t.Fatalf("expected empty workspace, got %d definitions", len(w.List()))
	}
	if err := w.Delete("x"); err == nil {
		t.Fatal("expected error deleting an undefined name")
	}
	if _, err := w.Eval(context.Background(), "x"); err == nil {
		t.Fatal("expected x to be unbound")
	}
}

func TestWorkspaceSelfReferenceNotADependent(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("loop", "fun n => if n == 0 then 0 else loop (n - 1)")
	if err := w.Delete("loop"); err != nil {
		t.Fatal(err)
	}
}

func TestWorkspaceList(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("b", "2")
	w.Define("a", "1")
	w.Define("c", "a + b")
	defs := w.List()
	if len(defs) != 3 || defs[0].Name != "a" || defs[1].Name != "b" || defs[2].Name != "c" {
		t.Fatalf("expected sorted definitions, got %v", defs)
	}
}

func TestWorkspaceReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWorkspace(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Define("x", "1")
	w.Define("doc'd", "x + 1 | doc \"documented\"\n\n| Num")
	w.Define("y", "{a = x,\n\n b = 2}")
	w.Define("tmp", "3")
	w.Delete("tmp")
	w.Define("x", "10")
	w.Close()

	w2 := testWorkspace(t, dir)
	if len(w2.List()) != 3 {
		t.Fatalf("expected 3 definitions after replay, got %d", len(w2.List()))
	}
	if _, ok := w2.Lookup("tmp"); ok {
		t.Fatal("deleted definition came back")
	}
	if v := wsEval(t, w2, "y.a + doc'd"); v.Num != 21 {
		t.Fatalf("expected 21, got %s", v)
	}
	v, err := w2.Query(context.Background(), "doc'd", nil)
	if err != nil {
		t.Fatal(err)
	}
	if meta := MetaToGo(v); meta["doc"] != "documented" {
		t.Fatalf("expected doc to survive replay, got %v", meta)
	}
}

func TestWorkspaceReplayCorruptLog(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "defs.ncl"), []byte("bogus x\n1\n\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWorkspace(dir, nil, nil); err == nil {
		t.Fatal("expected replay error")
	}
}

func TestWorkspaceClear(t *testing.T) {
	dir := t.TempDir()
	w := testWorkspace(t, dir)

	w.Define("x", "1")
	if err := w.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(w.List()) != 0 {
		t.Fatal("expected no definitions after clear")
	}
	w.Define("z", "3")
	w.Close()

	w2 := testWorkspace(t, dir)
	if _, ok := w2.Lookup("x"); ok {
		t.Fatal("cleared definition came back")
	}
	if _, ok := w2.Lookup("z"); !ok {
		t.Fatal("definition after clear was lost")
	}
}

func TestParseLog(t *testing.T) {
	entries, err := parseLog("define a 6\n\"x\n\ny\"\n\n\n\n\ndelete a\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].source != "\"x\n\ny\"" || entries[1].cmd != "delete" || entries[1].name != "a" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	for _, bad := range []string{
		"define a\n1\n\n",
		"define a 10\n1\n\n",
		"define a 1\n12\n\n",
		"delete\n\n",
	} {
		if _, err := parseLog(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestWorkspaceReplayKeepsSourceExactly(t *testing.T) {
	dir := t.TempDir()
	src := "\"a\n\nb\"\n\n  # trailing comment\n"

	w, err := NewWorkspace(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Define("s", src); err != nil {
		t.Fatal(err)
	}
	w.Close()

	w2 := testWorkspace(t, dir)
	d, ok := w2.Lookup("s")
	if !ok || d.Source != src {
		t.Fatalf("source changed on replay: %q", d.Source)
	}
	if v := wsEval(t, w2, "s"); v.Str != "a\n\nb" {
		t.Fatalf("expected string with a blank line, got %q", v.Str)
	}
	if _, err := w2.Compact(); err != nil {
		t.Fatal(err)
	}
	w2.Close()
	w3 := testWorkspace(t, dir)
	if d, _ := w3.Lookup("s"); d.Source != src {
		t.Fatalf("source changed after compaction: %q", d.Source)
	}
}

func TestWorkspaceCompact(t *testing.T) {
	dir := t.TempDir()
	w := testWorkspace(t, dir)

	w.Define("a", "1")
	w.Define("b", "a + 1")
	w.Define("a", "2")
	w.Define("tmp", "0")
	w.Delete("tmp")
	w.Define("c", "b * 10")

	n, err := w.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 definitions, got %d", n)
	}
	data, err := os.ReadFile(filepath.Join(dir, "defs.ncl"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "define a 1\n2\n\ndefine b 5\na + 1\n\ndefine c 6\nb * 10\n\n"; string(data) != want {
		t.Fatalf("unexpected log:\n%s", data)
	}

	// The log stays writable after compaction.
	w.Define("d", "c + 1")
	w.Close()
	w2 := testWorkspace(t, dir)
	if v := wsEval(t, w2, "d"); v.Num != 31 {
		t.Fatalf("expected 31, got %s", v)
	}
}

func TestWorkspaceCompactCycle(t *testing.T) {
	w := testWorkspace(t, t.TempDir())

	w.Define("x", "1")
	w.Define("y", "x + 1")
	if _, err := w.Define("x", "y + 1"); err != nil {
		t.Fatal(err)
	}
	_, err := w.Compact()
	if err == nil || !strings.Contains(err.Error(), "cyclic definitions") {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var ir *InfiniteRecursionError
	if _, err := w.Eval(context.Background(), "x"); !errors.As(err, &ir) {
		t.Fatalf("expected infinite recursion, got %v", err)
	}
}
