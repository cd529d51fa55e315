package nickel

import (
	"errors"
	"fmt"
)

// ApplyContract checks v against c. Flat contract terms are evaluated in
// env. The returned value may differ from v: record contracts wrap fields
// lazily and arrow contracts wrap functions.
func (ev *Evaluator) ApplyContract(v Value, c Contract, env *Env) (Value, error) {
	ev.Stats.ContractChecks++
	contractChecks.Inc()
	out, err := ev.applyType(v, c.Type, c.Label, env)
	if err != nil {
		var cv *ContractViolationError
		if errors.As(err, &cv) {
			ev.Stats.ContractViolations++
			contractViolations.Inc()
			ev.log().Debug("contract violation", "contract", c.Type.String(), "blame", cv.Label.Blamed(), "reason", cv.Reason)
		}
		return Value{}, err
	}
	return out, nil
}

func blame(l Label, format string, args ...any) error {
	return &ContractViolationError{Label: l, Reason: fmt.Sprintf(format, args...)}
}

func (ev *Evaluator) applyType(v Value, ty *Type, l Label, env *Env) (Value, error) {
	if v.Kind == ValMeta {
		checked, err := ev.applyType(*v.Inner, ty, l, env)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: ValMeta, Meta: v.Meta, Inner: &checked}, nil
	}

	switch ty.Kind {
	case TypeDyn, TypeWildcard:
		return v, nil
	case TypeNum:
		if v.Kind != ValNum {
			return Value{}, blame(l, "expected Num, got %s", v.KindName())
		}
		return v, nil
	case TypeStr:
		if v.Kind != ValStr {
			return Value{}, blame(l, "expected Str, got %s", v.KindName())
		}
		return v, nil
	case TypeBool:
		if v.Kind != ValBool {
			return Value{}, blame(l, "expected Bool, got %s", v.KindName())
		}
		return v, nil
	case TypeRecord:
		return ev.applyRecordType(v, ty, l, env)
	case TypeArrow:
		if v.Kind != ValFun && v.Kind != ValBuiltin {
			return Value{}, blame(l, "expected a function, got %s", v.KindName())
		}
		wrapped := v
		return FunVal(&FunValue{Wrapped: &wrapped, Domain: ty.Domain, Codomain: ty.Codomain, Label: l, Env: env}), nil
	case TypeFlat:
		return ev.applyFlat(v, ty.Term, l, env)
	}
	return Value{}, &TypeMismatchError{Op: "contract", Expected: "contract", Got: ty.String(), Span: l.Span}
}

// applyRecordType checks the field names eagerly and the field contents
// only when a field is forced.
func (ev *Evaluator) applyRecordType(v Value, ty *Type, l Label, env *Env) (Value, error) {
	if v.Kind != ValRecord {
		return Value{}, blame(l, "expected a record, got %s", v.KindName())
	}
	for _, n := range v.Record.Names {
		if ty.Field(n) == nil {
			return Value{}, blame(l, "extra field %s", n)
		}
	}
	for _, f := range ty.Fields {
		if _, ok := v.Record.Get(f.Name); !ok {
			return Value{}, blame(l, "missing field %s", f.Name)
		}
	}
	out := &RecordValue{Names: v.Record.Names, Fields: make(map[string]*Thunk, len(v.Record.Names))}
	for _, n := range v.Record.Names {
		orig := v.Record.Fields[n]
		fieldType := ty.Field(n)
		out.Fields[n] = newDeferredThunk(n, l.Span, func() (Value, error) {
			fv, err := ev.Force(orig)
			if err != nil {
				return Value{}, err
			}
			return ev.ApplyContract(fv, Contract{Type: fieldType, Label: l}, env)
		})
	}
	return RecordVal(out), nil
}

// applyFlat evaluates a contract term. A function contract is applied to
// the value: a Bool result is a predicate, any other result replaces the
// checked value.
func (ev *Evaluator) applyFlat(v Value, t *Term, l Label, env *Env) (Value, error) {
	cv, err := ev.Eval(t, env)
	if err != nil {
		return Value{}, err
	}
	cv = cv.Unwrap()
	if cv.Kind != ValFun && cv.Kind != ValBuiltin {
		return Value{}, &TypeMismatchError{Op: "contract", Expected: "Fun", Got: cv.KindName(), Span: t.Span}
	}
	res, err := ev.Apply(cv, NewValueThunk(v), l.Span)
	if err != nil {
		return Value{}, err
	}
	if r := res.Unwrap(); r.Kind == ValBool {
		if !r.Bool {
			return Value{}, blame(l, "predicate %s failed on %s", t, v)
		}
		return v, nil
	}
	return res, nil
}

// applyGuarded calls a function wrapped by an arrow contract. The argument
// is checked lazily with the label flipped, so a bad argument blames the
// caller.
func (ev *Evaluator) applyGuarded(f *FunValue, arg *Thunk, span Span) (Value, error) {
	checkedArg := newDeferredThunk(arg.ident, span, func() (Value, error) {
		av, err := ev.Force(arg)
		if err != nil {
			return Value{}, err
		}
		return ev.ApplyContract(av, Contract{Type: f.Domain, Label: f.Label.Flip()}, f.Env)
	})
	res, err := ev.Apply(*f.Wrapped, checkedArg, span)
	if err != nil {
		return Value{}, err
	}
	return ev.ApplyContract(res, Contract{Type: f.Codomain, Label: f.Label}, f.Env)
}
