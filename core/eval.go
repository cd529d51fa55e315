package nickel

import (
	"log/slog"
	"math"
)

// Stats counts evaluator work. Tests use it to observe memoization and
// laziness.
type Stats struct {
	ThunkEvals         int
	MemoHits           int
	BlackHoles         int
	ContractChecks     int
	ContractViolations int
}

// DefaultMaxDepth bounds nested evaluation when Evaluator.MaxDepth is zero.
const DefaultMaxDepth = 100000

// Evaluator reduces terms to weak head normal form. It is single threaded:
// one Evaluator must not be used from several goroutines at once.
type Evaluator struct {
	Inferrer TypeInferrer
	Logger   *slog.Logger
	Stats    Stats
	// MaxDepth caps nested Eval calls; zero means DefaultMaxDepth.
	MaxDepth int

	depth int
}

func NewEvaluator(inferrer TypeInferrer, logger *slog.Logger) *Evaluator {
	if inferrer == nil {
		inferrer = NewInferrer()
	}
	return &Evaluator{Inferrer: inferrer, Logger: logger}
}

func (ev *Evaluator) log() *slog.Logger {
	if ev.Logger == nil {
		return slog.Default()
	}
	return ev.Logger
}

// Eval reduces t in env. The result keeps metadata when t is annotated;
// callers that need the bare value use Value.Unwrap.
func (ev *Evaluator) Eval(t *Term, env *Env) (Value, error) {
	limit := ev.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxDepth
	}
	if ev.depth >= limit {
		return Value{}, &DepthExceededError{Limit: limit, Span: t.Span}
	}
	ev.depth++
	defer func() { ev.depth-- }()
	return ev.eval(t, env)
}

func (ev *Evaluator) eval(t *Term, env *Env) (Value, error) {
	switch t.Kind {
	case TermNum:
		return NumVal(t.Num), nil
	case TermStr:
		return StrVal(t.Str), nil
	case TermBool:
		return BoolVal(t.Bool), nil
	case TermNull:
		return NullVal(), nil
	case TermFun:
		return FunVal(&FunValue{Param: t.Param, Body: t.Body, Env: env}), nil
	case TermBuiltin:
		prim, ok := primitives[t.Str]
		if !ok {
			return Value{}, &UnboundIdentifierError{Name: "builtin." + t.Str, Span: t.Span}
		}
		return Value{Kind: ValBuiltin, Builtin: &BuiltinValue{Name: t.Str, prim: prim}}, nil
	case TermVar:
		th, ok := env.Lookup(t.Str)
		if !ok {
			return Value{}, &UnboundIdentifierError{Name: t.Str, Span: t.Span}
		}
		return ev.Force(th)
	case TermApp:
		fn, err := ev.Eval(t.Fn, env)
		if err != nil {
			return Value{}, err
		}
		return ev.Apply(fn, ev.suspend(t.Arg, env), t.Span)
	case TermLet:
		return ev.Eval(t.Body, env.Extend(t.Bindings))
	case TermRecord:
		return ev.evalRecord(t, env), nil
	case TermMeta:
		return ev.evalMeta(t, env)
	case TermSelect:
		target, err := ev.Eval(t.Fn, env)
		if err != nil {
			return Value{}, err
		}
		th, err := selectField(target, t.Str, t.Span)
		if err != nil {
			return Value{}, err
		}
		return ev.Force(th)
	case TermIf:
		cond, err := ev.evalBool(t.Cond, env, "if")
		if err != nil {
			return Value{}, err
		}
		if cond {
			return ev.Eval(t.Then, env)
		}
		return ev.Eval(t.Else, env)
	case TermBinOp:
		return ev.evalBinOp(t, env)
	case TermUnOp:
		return ev.evalUnOp(t, env)
	default:
		return Value{}, &TypeMismatchError{Op: "eval", Expected: "term", Got: t.String(), Span: t.Span}
	}
}

// suspend wraps an argument lazily. A variable argument shares the thunk it
// names instead of allocating a new one.
func (ev *Evaluator) suspend(t *Term, env *Env) *Thunk {
	if t.Kind == TermVar {
		if th, ok := env.Lookup(t.Str); ok {
			return th
		}
	}
	return NewThunk("", t, env)
}

// Apply calls fn with a lazily evaluated argument.
func (ev *Evaluator) Apply(fn Value, arg *Thunk, span Span) (Value, error) {
	fn = fn.Unwrap()
	switch fn.Kind {
	case ValFun:
		f := fn.Fun
		if f.Wrapped != nil {
			return ev.applyGuarded(f, arg, span)
		}
		return ev.Eval(f.Body, f.Env.Bind(f.Param, arg))
	case ValBuiltin:
		b := fn.Builtin
		args := make([]*Thunk, len(b.Args)+1)
		copy(args, b.Args)
		args[len(b.Args)] = arg
		if len(args) < b.prim.arity {
			return Value{Kind: ValBuiltin, Builtin: &BuiltinValue{Name: b.Name, Args: args, prim: b.prim}}, nil
		}
		return b.prim.fn(ev, args, span)
	default:
		return Value{}, &TypeMismatchError{Op: "application", Expected: "Fun", Got: fn.KindName(), Span: span}
	}
}

func (ev *Evaluator) evalRecord(t *Term, env *Env) Value {
	bindings := make([]Binding, len(t.Fields))
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		bindings[i] = Binding{Name: f.Name, Term: f.Term, Span: f.Span}
		names[i] = f.Name
	}
	scope := env.Extend(bindings)
	return RecordVal(&RecordValue{Names: names, Fields: scope.bindings})
}

func selectField(target Value, name string, span Span) (*Thunk, error) {
	target = target.Unwrap()
	if target.Kind != ValRecord {
		return nil, &TypeMismatchError{Op: "." + name, Expected: "Record", Got: target.KindName(), Span: span}
	}
	th, ok := target.Record.Get(name)
	if !ok {
		return nil, &FieldMissingError{Field: name, Span: span}
	}
	return th, nil
}

// evalMeta forces the decorated value, runs the attached contracts and
// returns the value still wrapped in its metadata.
func (ev *Evaluator) evalMeta(t *Term, env *Env) (Value, error) {
	m := flattenMeta(t.Meta)
	if m.Types != nil && m.Types.Type.HasWildcard() {
		var err error
		m, err = ev.resolveWildcard(m, env)
		if err != nil {
			return Value{}, err
		}
	}
	if m.Value == nil {
		return Value{}, &MissingFieldDefinitionError{Span: t.Span}
	}
	inner, err := ev.Eval(m.Value, env)
	if err != nil {
		return Value{}, err
	}
	checked, err := ev.applyMetaContracts(m, inner.Unwrap(), env)
	if err != nil {
		return Value{}, err
	}
	if inner.Kind == ValMeta {
		// The inner annotation already ran its own contracts.
		return MetaVal(m, Value{Kind: ValMeta, Meta: inner.Meta, Inner: &checked}), nil
	}
	return MetaVal(m, checked), nil
}

func (ev *Evaluator) applyMetaContracts(m *MetaValue, v Value, env *Env) (Value, error) {
	var err error
	if m.Types != nil {
		if v, err = ev.ApplyContract(v, *m.Types, env); err != nil {
			return Value{}, err
		}
	}
	for _, c := range m.Contracts {
		if v, err = ev.ApplyContract(v, c, env); err != nil {
			return Value{}, err
		}
	}
	return v, nil
}

func (ev *Evaluator) evalBool(t *Term, env *Env, op string) (bool, error) {
	v, err := ev.Eval(t, env)
	if err != nil {
		return false, err
	}
	v = v.Unwrap()
	if v.Kind != ValBool {
		return false, &TypeMismatchError{Op: op, Expected: "Bool", Got: v.KindName(), Span: t.Span}
	}
	return v.Bool, nil
}

func (ev *Evaluator) evalNum(t *Term, env *Env, op string) (float64, error) {
	v, err := ev.Eval(t, env)
	if err != nil {
		return 0, err
	}
	v = v.Unwrap()
	if v.Kind != ValNum {
		return 0, &TypeMismatchError{Op: op, Expected: "Num", Got: v.KindName(), Span: t.Span}
	}
	return v.Num, nil
}

func (ev *Evaluator) evalStr(t *Term, env *Env, op string) (string, error) {
	v, err := ev.Eval(t, env)
	if err != nil {
		return "", err
	}
	v = v.Unwrap()
	if v.Kind != ValStr {
		return "", &TypeMismatchError{Op: op, Expected: "Str", Got: v.KindName(), Span: t.Span}
	}
	return v.Str, nil
}

func (ev *Evaluator) evalBinOp(t *Term, env *Env) (Value, error) {
	op := t.Op.String()
	switch t.Op {
	case OpAnd, OpOr:
		l, err := ev.evalBool(t.Left, env, op)
		if err != nil {
			return Value{}, err
		}
		if (t.Op == OpAnd && !l) || (t.Op == OpOr && l) {
			return BoolVal(l), nil
		}
		r, err := ev.evalBool(t.Right, env, op)
		if err != nil {
			return Value{}, err
		}
		return BoolVal(r), nil
	case OpEq, OpNeq:
		l, err := ev.Eval(t.Left, env)
		if err != nil {
			return Value{}, err
		}
		r, err := ev.Eval(t.Right, env)
		if err != nil {
			return Value{}, err
		}
		eq, err := ev.valuesEqual(l, r, t.Span)
		if err != nil {
			return Value{}, err
		}
		return BoolVal(eq == (t.Op == OpEq)), nil
	case OpConcat:
		l, err := ev.evalStr(t.Left, env, op)
		if err != nil {
			return Value{}, err
		}
		r, err := ev.evalStr(t.Right, env, op)
		if err != nil {
			return Value{}, err
		}
		return StrVal(l + r), nil
	}

	l, err := ev.evalNum(t.Left, env, op)
	if err != nil {
		return Value{}, err
	}
	r, err := ev.evalNum(t.Right, env, op)
	if err != nil {
		return Value{}, err
	}
	switch t.Op {
	case OpAdd:
		return NumVal(l + r), nil
	case OpSub:
		return NumVal(l - r), nil
	case OpMul:
		return NumVal(l * r), nil
	case OpDiv:
		if r == 0 {
			return Value{}, &TypeMismatchError{Op: op, Expected: "non-zero divisor", Got: "0", Span: t.Span}
		}
		return NumVal(l / r), nil
	case OpMod:
		if r == 0 {
			return Value{}, &TypeMismatchError{Op: op, Expected: "non-zero divisor", Got: "0", Span: t.Span}
		}
		return NumVal(math.Mod(l, r)), nil
	case OpLt:
		return BoolVal(l < r), nil
	case OpLe:
		return BoolVal(l <= r), nil
	case OpGt:
		return BoolVal(l > r), nil
	case OpGe:
		return BoolVal(l >= r), nil
	}
	return Value{}, &TypeMismatchError{Op: op, Expected: "operator", Got: op, Span: t.Span}
}

func (ev *Evaluator) evalUnOp(t *Term, env *Env) (Value, error) {
	if t.UOp == OpNot {
		b, err := ev.evalBool(t.Fn, env, "!")
		if err != nil {
			return Value{}, err
		}
		return BoolVal(!b), nil
	}
	n, err := ev.evalNum(t.Fn, env, "-")
	if err != nil {
		return Value{}, err
	}
	return NumVal(-n), nil
}

// valuesEqual compares two values structurally, forcing record fields as
// needed.
func (ev *Evaluator) valuesEqual(a, b Value, span Span) (bool, error) {
	a, b = a.Unwrap(), b.Unwrap()
	if a.Kind == ValFun || a.Kind == ValBuiltin || b.Kind == ValFun || b.Kind == ValBuiltin {
		return false, &TypeMismatchError{Op: "==", Expected: "comparable value", Got: "Fun", Span: span}
	}
	if a.Kind != b.Kind {
		return false, nil
	}
	switch a.Kind {
	case ValNum:
		return a.Num == b.Num, nil
	case ValStr:
		return a.Str == b.Str, nil
	case ValBool:
		return a.Bool == b.Bool, nil
	case ValNull:
		return true, nil
	case ValRecord:
		if a.Record == b.Record {
			return true, nil
		}
		if len(a.Record.Names) != len(b.Record.Names) {
			return false, nil
		}
		for _, n := range a.Record.Names {
			bt, ok := b.Record.Get(n)
			if !ok {
				return false, nil
			}
			av, err := ev.Force(a.Record.Fields[n])
			if err != nil {
				return false, err
			}
			bv, err := ev.Force(bt)
			if err != nil {
				return false, err
			}
			eq, err := ev.valuesEqual(av, bv, span)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// DeepForce evaluates every record field reachable from v.
func (ev *Evaluator) DeepForce(v Value) error {
	return ev.deepForce(v, map[*RecordValue]bool{})
}

func (ev *Evaluator) deepForce(v Value, seen map[*RecordValue]bool) error {
	v = v.Unwrap()
	if v.Kind != ValRecord || seen[v.Record] {
		return nil
	}
	seen[v.Record] = true
	for _, n := range v.Record.Names {
		fv, err := ev.Force(v.Record.Fields[n])
		if err != nil {
			return err
		}
		if err := ev.deepForce(fv, seen); err != nil {
			return err
		}
	}
	return nil
}
