package nickel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Definition is a named top-level term in a workspace.
type Definition struct {
	Name   string
	Term   *Term
	Source string
	Refs   []string // other definitions the term mentions
}

// Workspace holds named definitions that form one recursive scope. Every
// change is appended to a log file in dir and replayed on startup.
//
// A Workspace is not safe for concurrent use; Core owns it from a single
// goroutine.
type Workspace struct {
	defs    map[string]*Definition
	ev      *Evaluator
	scope   *Env // nil until needed, reset on every change
	dir     string
	logFile *os.File
	logger  *slog.Logger
}

func (w *Workspace) logPath() string {
	return filepath.Join(w.dir, "defs.ncl")
}

// NewWorkspace opens (or creates) the workspace stored in dir.
func NewWorkspace(dir string, ev *Evaluator, logger *slog.Logger) (*Workspace, error) {
	if ev == nil {
		ev = NewEvaluator(nil, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workspace{
		defs:   make(map[string]*Definition),
		ev:     ev,
		dir:    dir,
		logger: logger.With("component", "workspace"),
	}

	if err := w.replay(); err != nil {
		return nil, fmt.Errorf("replay %s: %w", w.logPath(), err)
	}
	if err := w.openLog(); err != nil {
		return nil, err
	}
	definitions.Set(float64(len(w.defs)))
	w.logger.Info("workspace loaded", "dir", dir, "definitions", len(w.defs))
	return w, nil
}

func (w *Workspace) openLog() error {
	f, err := os.OpenFile(w.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	w.logFile = f
	return nil
}

func (w *Workspace) Evaluator() *Evaluator { return w.ev }

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if keywords[name] || name == "builtin" {
		return fmt.Errorf("cannot redefine keyword: %s", name)
	}
	for i, ch := range name {
		if (i == 0 && !isIdentStart(ch)) || !isIdentPart(ch) {
			return fmt.Errorf("invalid name: %s", name)
		}
	}
	return nil
}

// Define parses src and binds it to name, replacing any previous
// definition. Names the term mentions must already be defined, except the
// name itself.
func (w *Workspace) Define(name, src string) (*Definition, error) {
	d, err := w.define(name, src)
	if err != nil {
		return nil, err
	}
	if err := w.appendLog(defineEntry(name, src)); err != nil {
		return nil, fmt.Errorf("write log: %w", err)
	}
	w.logger.Debug("defined", "name", name, "refs", d.Refs)
	return d, nil
}

func (w *Workspace) define(name, src string) (*Definition, error) {
	if err := validName(name); err != nil {
		return nil, fmt.Errorf("define: %w", err)
	}
	t, err := Parse(name, src)
	if err != nil {
		return nil, err
	}
	free := FreeVars(t)
	for _, ref := range free {
		if _, ok := w.defs[ref]; !ok && ref != name {
			return nil, &UnboundIdentifierError{Name: ref, Span: t.Span}
		}
	}
	d := &Definition{
		Name:   name,
		Term:   t,
		Source: src,
		Refs:   lo.Filter(free, func(ref string, _ int) bool { return ref != name }),
	}
	w.defs[name] = d
	w.scope = nil
	definitions.Set(float64(len(w.defs)))
	return d, nil
}

// Delete removes a definition. A definition other definitions still refer
// to cannot be deleted.
func (w *Workspace) Delete(name string) error {
	if err := w.remove(name); err != nil {
		return err
	}
	if err := w.appendLog("delete " + name); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	w.logger.Debug("deleted", "name", name)
	return nil
}

func (w *Workspace) remove(name string) error {
	if _, ok := w.defs[name]; !ok {
		return fmt.Errorf("undefined: %s", name)
	}
	if users := w.Dependents(name); len(users) > 0 {
		return fmt.Errorf("delete %s: still referenced by %s", name, strings.Join(users, ", "))
	}
	delete(w.defs, name)
	w.scope = nil
	definitions.Set(float64(len(w.defs)))
	return nil
}

// Dependents returns the sorted names of definitions that refer to name.
func (w *Workspace) Dependents(name string) []string {
	var out []string
	for _, d := range w.defs {
		if lo.Contains(d.Refs, name) {
			out = append(out, d.Name)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Workspace) Lookup(name string) (*Definition, bool) {
	d, ok := w.defs[name]
	return d, ok
}

// List returns all definitions sorted by name.
func (w *Workspace) List() []*Definition {
	out := lo.Values(w.defs)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Scope returns the environment binding every definition. It is rebuilt
// after a change, so evaluated definitions stay memoized until then.
func (w *Workspace) Scope() *Env {
	if w.scope == nil {
		bindings := lo.Map(w.List(), func(d *Definition, _ int) Binding {
			return Binding{Name: d.Name, Term: d.Term, Span: d.Term.Span}
		})
		w.scope = NewEnv().Extend(bindings)
	}
	return w.scope
}

// Program parses src as a program over the workspace scope.
func (w *Workspace) Program(src string) (*Program, error) {
	t, err := Parse("<input>", src)
	if err != nil {
		return nil, err
	}
	return NewProgram(t, w.Scope(), w.ev), nil
}

// Eval fully evaluates src in the workspace scope.
func (w *Workspace) Eval(ctx context.Context, src string) (Value, error) {
	p, err := w.Program(src)
	if err != nil {
		return Value{}, err
	}
	return p.EvalFull(ctx)
}

// Query evaluates src and follows path, keeping the metadata of the
// selected value. The selected value is forced to weak head normal form
// only.
func (w *Workspace) Query(ctx context.Context, src string, path []string) (Value, error) {
	p, err := w.Program(src)
	if err != nil {
		return Value{}, err
	}
	return p.Query(ctx, path)
}

// Clear removes every definition and truncates the log.
func (w *Workspace) Clear() error {
	if w.logFile != nil {
		w.logFile.Close()
		w.logFile = nil
	}
	if err := os.Remove(w.logPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear: remove log: %w", err)
	}
	w.defs = make(map[string]*Definition)
	w.scope = nil
	definitions.Set(0)
	if err := w.openLog(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Compact rewrites the log so it holds one define per live definition, in
// an order that replays cleanly. Definitions that depend on each other in a
// cycle (possible after a redefinition) cannot be ordered and are reported.
func (w *Workspace) Compact() (int, error) {
	order, err := w.replayOrder()
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	var sb strings.Builder
	for _, d := range order {
		fmt.Fprintf(&sb, "%s\n\n", defineEntry(d.Name, d.Source))
	}

	tmp := w.logPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	if w.logFile != nil {
		w.logFile.Close()
		w.logFile = nil
	}
	if err := os.Rename(tmp, w.logPath()); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	if err := w.openLog(); err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	w.logger.Info("log compacted", "definitions", len(order))
	return len(order), nil
}

// replayOrder sorts definitions so every definition follows the ones it
// refers to.
func (w *Workspace) replayOrder() ([]*Definition, error) {
	const (
		visiting = iota + 1
		done
	)
	state := make(map[string]int, len(w.defs))
	var (
		out   []*Definition
		visit func(d *Definition, path []string) error
	)
	visit = func(d *Definition, path []string) error {
		switch state[d.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cyclic definitions: %s", strings.Join(append(path, d.Name), " -> "))
		}
		state[d.Name] = visiting
		for _, ref := range d.Refs {
			if dep, ok := w.defs[ref]; ok {
				if err := visit(dep, append(path, d.Name)); err != nil {
					return err
				}
			}
		}
		state[d.Name] = done
		out = append(out, d)
		return nil
	}
	for _, d := range w.List() {
		if err := visit(d, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (w *Workspace) Close() error {
	if w.logFile != nil {
		return w.logFile.Close()
	}
	return nil
}

// --- Log ---

// Entries are "define NAME LEN" followed by a newline and exactly LEN bytes
// of source, or "delete NAME". Each entry ends with a blank line. The length
// lets a source hold blank lines of its own.

func defineEntry(name, src string) string {
	return fmt.Sprintf("define %s %d\n%s", name, len(src), src)
}

func (w *Workspace) appendLog(entry string) error {
	_, err := fmt.Fprintf(w.logFile, "%s\n\n", entry)
	return err
}

type logEntry struct {
	cmd    string
	name   string
	source string
}

func parseLog(data string) ([]logEntry, error) {
	var out []logEntry
	for {
		data = strings.TrimLeft(data, "\n")
		if data == "" {
			return out, nil
		}
		head, rest, _ := strings.Cut(data, "\n")
		fields := strings.Fields(head)
		switch {
		case len(fields) == 3 && fields[0] == "define":
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 || n > len(rest) {
				return nil, fmt.Errorf("invalid log entry %q", head)
			}
			if tail := rest[n:]; tail != "" && tail[0] != '\n' {
				return nil, fmt.Errorf("log entry %q: source longer than declared", head)
			}
			out = append(out, logEntry{cmd: "define", name: fields[1], source: rest[:n]})
			data = rest[n:]
		case len(fields) == 2 && fields[0] == "delete":
			out = append(out, logEntry{cmd: "delete", name: fields[1]})
			data = rest
		default:
			return nil, fmt.Errorf("invalid log entry %q", head)
		}
	}
}

func (w *Workspace) replay() error {
	data, err := os.ReadFile(w.logPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := parseLog(string(data))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.cmd == "define" {
			_, err = w.define(e.name, e.source)
		} else {
			err = w.remove(e.name)
		}
		if err != nil {
			return fmt.Errorf("replaying %s %s: %w", e.cmd, e.name, err)
		}
	}
	return nil
}
