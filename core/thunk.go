package nickel

// ThunkState is the evaluation state of a Thunk.
type ThunkState int

const (
	Suspended ThunkState = iota
	// Forcing marks a black hole: the thunk is on the current evaluation path.
	Forcing
	Evaluated
	Failed
)

func (s ThunkState) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Forcing:
		return "forcing"
	case Evaluated:
		return "evaluated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Thunk is a shared evaluation cell. Every environment entry that aliases a
// thunk observes the same state. A thunk moves Suspended -> Forcing ->
// Evaluated (or Failed) exactly once.
type Thunk struct {
	state ThunkState
	ident string
	span  Span

	term *Term
	env  *Env
	// deferred replaces term/env for cells whose computation is not a term,
	// e.g. a record field wrapped by a lazily applied contract.
	deferred func() (Value, error)

	value Value
	err   error
}

// NewThunk suspends t in env. ident names the binding in black-hole errors
// and may be empty for anonymous arguments.
func NewThunk(ident string, t *Term, env *Env) *Thunk {
	return &Thunk{state: Suspended, ident: ident, span: t.Span, term: t, env: env}
}

// NewValueThunk returns a cell that is already evaluated.
func NewValueThunk(v Value) *Thunk {
	return &Thunk{state: Evaluated, value: v}
}

func newDeferredThunk(ident string, span Span, fn func() (Value, error)) *Thunk {
	return &Thunk{state: Suspended, ident: ident, span: span, deferred: fn}
}

// State reports where the thunk is in its lifecycle.
func (t *Thunk) State() ThunkState { return t.state }

// Ident is the name of the binding the thunk was created for.
func (t *Thunk) Ident() string { return t.ident }

// Peek returns the memoized value without forcing.
func (t *Thunk) Peek() (Value, bool) {
	if t.state == Evaluated {
		return t.value, true
	}
	return Value{}, false
}

// Force evaluates the thunk at most once. Re-entering a thunk that is being
// forced is a black hole and fails with InfiniteRecursionError. A failed
// thunk keeps its error and raises it again on later forces.
func (ev *Evaluator) Force(t *Thunk) (Value, error) {
	switch t.state {
	case Evaluated:
		ev.Stats.MemoHits++
		memoHits.Inc()
		return t.value, nil
	case Failed:
		return Value{}, t.err
	case Forcing:
		ev.Stats.BlackHoles++
		blackHoles.Inc()
		ev.log().Debug("black hole", "ident", t.ident, "span", t.span.String())
		return Value{}, &InfiniteRecursionError{Ident: t.ident, Span: t.span}
	}

	t.state = Forcing
	ev.Stats.ThunkEvals++
	thunkEvals.Inc()

	var (
		v   Value
		err error
	)
	if t.deferred != nil {
		v, err = t.deferred()
	} else {
		v, err = ev.Eval(t.term, t.env)
	}
	if err != nil {
		t.state = Failed
		t.err = err
	} else {
		t.state = Evaluated
		t.value = v
	}
	// Drop the closure so the captured environment can be collected.
	t.term, t.env, t.deferred = nil, nil, nil
	return v, err
}
