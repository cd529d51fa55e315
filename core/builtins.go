package nickel

// primitive is a Go function reachable as builtin.<name>. Arguments arrive
// as thunks; the primitive decides what to force.
type primitive struct {
	name  string
	arity int
	fn    func(ev *Evaluator, args []*Thunk, span Span) (Value, error)
}

var primitives map[string]*primitive

func init() {
	primitives = make(map[string]*primitive)
	for _, p := range []*primitive{
		{name: "seq", arity: 2, fn: primSeq},
		{name: "deep_seq", arity: 2, fn: primDeepSeq},
		{name: "is_num", arity: 1, fn: kindTest(ValNum)},
		{name: "is_str", arity: 1, fn: kindTest(ValStr)},
		{name: "is_bool", arity: 1, fn: kindTest(ValBool)},
		{name: "is_fun", arity: 1, fn: kindTest(ValFun, ValBuiltin)},
		{name: "is_record", arity: 1, fn: kindTest(ValRecord)},
		{name: "has_field", arity: 2, fn: primHasField},
		{name: "trace", arity: 2, fn: primTrace},
		{name: "assert", arity: 2, fn: primAssert},
		{name: "to_str", arity: 1, fn: primToStr},
	} {
		primitives[p.name] = p
	}
}

// PrimitiveNames lists the available builtin.<name> primitives.
func PrimitiveNames() []string {
	names := make([]string, 0, len(primitives))
	for n := range primitives {
		names = append(names, n)
	}
	return names
}

// forceWHNF forces a thunk and strips metadata.
func (ev *Evaluator) forceWHNF(th *Thunk) (Value, error) {
	v, err := ev.Force(th)
	if err != nil {
		return Value{}, err
	}
	return v.Unwrap(), nil
}

// seq a b: forces a, then returns b as it is, metadata included.
func primSeq(ev *Evaluator, args []*Thunk, _ Span) (Value, error) {
	if _, err := ev.Force(args[0]); err != nil {
		return Value{}, err
	}
	return ev.Force(args[1])
}

func primDeepSeq(ev *Evaluator, args []*Thunk, _ Span) (Value, error) {
	v, err := ev.Force(args[0])
	if err != nil {
		return Value{}, err
	}
	if err := ev.DeepForce(v); err != nil {
		return Value{}, err
	}
	return ev.Force(args[1])
}

func kindTest(kinds ...ValueKind) func(*Evaluator, []*Thunk, Span) (Value, error) {
	return func(ev *Evaluator, args []*Thunk, _ Span) (Value, error) {
		v, err := ev.forceWHNF(args[0])
		if err != nil {
			return Value{}, err
		}
		for _, k := range kinds {
			if v.Kind == k {
				return BoolVal(true), nil
			}
		}
		return BoolVal(false), nil
	}
}

// has_field name r
func primHasField(ev *Evaluator, args []*Thunk, span Span) (Value, error) {
	name, err := ev.forceWHNF(args[0])
	if err != nil {
		return Value{}, err
	}
	if name.Kind != ValStr {
		return Value{}, &TypeMismatchError{Op: "builtin.has_field", Expected: "Str", Got: name.KindName(), Span: span}
	}
	r, err := ev.forceWHNF(args[1])
	if err != nil {
		return Value{}, err
	}
	if r.Kind != ValRecord {
		return Value{}, &TypeMismatchError{Op: "builtin.has_field", Expected: "Record", Got: r.KindName(), Span: span}
	}
	_, ok := r.Record.Get(name.Str)
	return BoolVal(ok), nil
}

// trace msg v: logs msg and returns v.
func primTrace(ev *Evaluator, args []*Thunk, span Span) (Value, error) {
	msg, err := ev.forceWHNF(args[0])
	if err != nil {
		return Value{}, err
	}
	text := msg.Str
	if msg.Kind != ValStr {
		text = msg.String()
	}
	ev.log().Info("trace", "msg", text, "span", span.String())
	return ev.Force(args[1])
}

// assert cond msg: true when cond holds, an AssertError otherwise.
func primAssert(ev *Evaluator, args []*Thunk, span Span) (Value, error) {
	cond, err := ev.forceWHNF(args[0])
	if err != nil {
		return Value{}, err
	}
	if cond.Kind != ValBool {
		return Value{}, &TypeMismatchError{Op: "builtin.assert", Expected: "Bool", Got: cond.KindName(), Span: span}
	}
	if cond.Bool {
		return BoolVal(true), nil
	}
	msg, err := ev.forceWHNF(args[1])
	if err != nil {
		return Value{}, err
	}
	if msg.Kind != ValStr {
		return Value{}, &TypeMismatchError{Op: "builtin.assert", Expected: "Str", Got: msg.KindName(), Span: span}
	}
	return Value{}, &AssertError{Message: msg.Str, Span: span}
}

func primToStr(ev *Evaluator, args []*Thunk, span Span) (Value, error) {
	v, err := ev.forceWHNF(args[0])
	if err != nil {
		return Value{}, err
	}
	switch v.Kind {
	case ValStr:
		return v, nil
	case ValNum, ValBool, ValNull:
		return StrVal(v.String()), nil
	}
	return Value{}, &TypeMismatchError{Op: "builtin.to_str", Expected: "Num, Str, Bool or Null", Got: v.KindName(), Span: span}
}
