package nickel

import "time"

// Trace captures one eval or query request: what was asked, what came
// back, and how much evaluation work it took.
type Trace struct {
	ID        string
	Op        string   // "eval" or "query"
	Entry     string   // source expression
	Path      []string // query path, empty for eval
	Result    any      // JSON-ready result, nil on error
	Meta      map[string]any
	Error     string // non-empty on error
	ErrorKind string
	Stats     Stats // evaluator work done by this request
	Timestamp time.Time
	Duration  time.Duration
}

// Sub returns the work done between two snapshots.
func (s Stats) Sub(before Stats) Stats {
	return Stats{
		ThunkEvals:         s.ThunkEvals - before.ThunkEvals,
		MemoHits:           s.MemoHits - before.MemoHits,
		BlackHoles:         s.BlackHoles - before.BlackHoles,
		ContractChecks:     s.ContractChecks - before.ContractChecks,
		ContractViolations: s.ContractViolations - before.ContractViolations,
	}
}

func (s Stats) ToGo() map[string]any {
	return map[string]any{
		"thunk_evals":         s.ThunkEvals,
		"memo_hits":           s.MemoHits,
		"black_holes":         s.BlackHoles,
		"contract_checks":     s.ContractChecks,
		"contract_violations": s.ContractViolations,
	}
}

// ToGo converts a Trace to a JSON-ready map for the traces op.
func (t *Trace) ToGo() map[string]any {
	path := make([]any, len(t.Path))
	for i, p := range t.Path {
		path[i] = p
	}
	m := map[string]any{
		"id":          t.ID,
		"op":          t.Op,
		"entry":       t.Entry,
		"path":        path,
		"result":      t.Result,
		"stats":       t.Stats.ToGo(),
		"timestamp":   t.Timestamp.UTC().Format(time.RFC3339),
		"duration_ms": float64(t.Duration.Microseconds()) / 1000,
	}
	if t.Meta != nil {
		m["meta"] = t.Meta
	}
	if t.Error != "" {
		m["error"] = t.Error
		m["error_kind"] = t.ErrorKind
	} else {
		m["error"] = nil
	}
	return m
}
