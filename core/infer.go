package nickel

import (
	"sort"

	"github.com/samber/lo"
)

// InferRequest asks the type checker for the type of a term annotated with
// a (possibly partial) wildcard.
type InferRequest struct {
	Term     *Term
	Declared *Type
	Context  map[string]*Type
}

// TypeInferrer resolves wildcard annotations. The returned type must not
// contain wildcards.
type TypeInferrer interface {
	Infer(req InferRequest) (*Type, error)
}

// resolveWildcard replaces the wildcard in m's static type with the inferred
// type, in a new MetaValue. The context comes from the lexical scopes of env
// only, so the answer does not depend on what has been forced so far.
func (ev *Evaluator) resolveWildcard(m *MetaValue, env *Env) (*MetaValue, error) {
	var (
		ty  *Type
		err error
	)
	if m.Value == nil {
		ty = dynForWildcards(m.Types.Type)
	} else {
		ty, err = ev.Inferrer.Infer(InferRequest{Term: m.Value, Declared: m.Types.Type, Context: env.TypeContext()})
		if err != nil {
			return nil, err
		}
	}
	out := m.clone()
	label := m.Types.Label
	label.Types = ty
	out.Types = &Contract{Type: ty, Label: label}
	return out, nil
}

func dynForWildcards(t *Type) *Type {
	switch t.Kind {
	case TypeWildcard:
		return DynType
	case TypeArrow:
		return ArrowType(dynForWildcards(t.Domain), dynForWildcards(t.Codomain))
	case TypeRecord:
		return RecordType(lo.Map(t.Fields, func(f RowField, _ int) RowField {
			return RowField{Name: f.Name, Type: dynForWildcards(f.Type)}
		})...)
	}
	return t
}

type ityKind int

const (
	iVar ityKind = iota
	iDyn
	iNum
	iStr
	iBool
	iArrow
	iRecord
)

// ity is the inference-time type: like Type, plus unification variables.
type ity struct {
	kind   ityKind
	id     int
	dom    *ity
	cod    *ity
	fields map[string]*ity
}

var (
	tyDyn  = &ity{kind: iDyn}
	tyNum  = &ity{kind: iNum}
	tyStr  = &ity{kind: iStr}
	tyBool = &ity{kind: iBool}
)

// Inferrer is a small unification-based inference engine covering the term
// language. It is not a full type checker: anything it cannot type is Dyn.
type Inferrer struct{}

func NewInferrer() *Inferrer { return &Inferrer{} }

type inferState struct {
	next  int
	subst map[int]*ity
	// blindSelects counts field selections on a not yet known type.
	blindSelects int
}

func newInferState() *inferState {
	return &inferState{subst: map[int]*ity{}}
}

func (st *inferState) fromContext(ctx map[string]*Type) map[string]*ity {
	env := make(map[string]*ity, len(ctx))
	for n, t := range ctx {
		env[n] = st.fromType(t)
	}
	return env
}

func (in *Inferrer) Infer(req InferRequest) (*Type, error) {
	st := newInferState()
	got, err := st.infer(req.Term, st.fromContext(req.Context))
	if err != nil {
		return nil, err
	}
	declared := st.fromType(req.Declared)
	if err := st.unify(declared, got, req.Term.Span); err != nil {
		return nil, err
	}
	return st.toType(declared), nil
}

func (st *inferState) fresh() *ity {
	st.next++
	return &ity{kind: iVar, id: st.next}
}

// fromType converts an annotation; wildcards become fresh variables and
// flat contracts are opaque (Dyn).
func (st *inferState) fromType(t *Type) *ity {
	if t == nil {
		return st.fresh()
	}
	switch t.Kind {
	case TypeNum:
		return tyNum
	case TypeStr:
		return tyStr
	case TypeBool:
		return tyBool
	case TypeWildcard:
		return st.fresh()
	case TypeArrow:
		return &ity{kind: iArrow, dom: st.fromType(t.Domain), cod: st.fromType(t.Codomain)}
	case TypeRecord:
		fs := make(map[string]*ity, len(t.Fields))
		for _, f := range t.Fields {
			fs[f.Name] = st.fromType(f.Type)
		}
		return &ity{kind: iRecord, fields: fs}
	}
	return tyDyn
}

func (st *inferState) toType(t *ity) *Type {
	t = st.resolve(t)
	switch t.kind {
	case iNum:
		return NumType
	case iStr:
		return StrType
	case iBool:
		return BoolType
	case iArrow:
		return ArrowType(st.toType(t.dom), st.toType(t.cod))
	case iRecord:
		names := lo.Keys(t.fields)
		sort.Strings(names)
		rows := lo.Map(names, func(n string, _ int) RowField {
			return RowField{Name: n, Type: st.toType(t.fields[n])}
		})
		return RecordType(rows...)
	}
	return DynType
}

func (st *inferState) resolve(t *ity) *ity {
	for t.kind == iVar {
		s, ok := st.subst[t.id]
		if !ok {
			return t
		}
		t = s
	}
	return t
}

func (st *inferState) occurs(id int, t *ity) bool {
	t = st.resolve(t)
	switch t.kind {
	case iVar:
		return t.id == id
	case iArrow:
		return st.occurs(id, t.dom) || st.occurs(id, t.cod)
	case iRecord:
		return lo.SomeBy(lo.Values(t.fields), func(f *ity) bool { return st.occurs(id, f) })
	}
	return false
}

func (st *inferState) unify(a, b *ity, span Span) error {
	a, b = st.resolve(a), st.resolve(b)
	if a == b {
		return nil
	}
	if a.kind == iDyn || b.kind == iDyn {
		return nil
	}
	if a.kind == iVar {
		if st.occurs(a.id, b) {
			return &TypeMismatchError{Op: "type inference", Expected: "finite type", Got: "recursive type", Span: span}
		}
		st.subst[a.id] = b
		return nil
	}
	if b.kind == iVar {
		return st.unify(b, a, span)
	}
	if a.kind != b.kind {
		return &TypeMismatchError{Op: "type inference", Expected: st.toType(a).String(), Got: st.toType(b).String(), Span: span}
	}
	switch a.kind {
	case iArrow:
		if err := st.unify(a.dom, b.dom, span); err != nil {
			return err
		}
		return st.unify(a.cod, b.cod, span)
	case iRecord:
		if len(a.fields) != len(b.fields) {
			return &TypeMismatchError{Op: "type inference", Expected: st.toType(a).String(), Got: st.toType(b).String(), Span: span}
		}
		for n, fa := range a.fields {
			fb, ok := b.fields[n]
			if !ok {
				return &TypeMismatchError{Op: "type inference", Expected: st.toType(a).String(), Got: st.toType(b).String(), Span: span}
			}
			if err := st.unify(fa, fb, span); err != nil {
				return err
			}
		}
	}
	return nil
}

func extendIEnv(env map[string]*ity) map[string]*ity {
	out := make(map[string]*ity, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	return out
}

func (st *inferState) infer(t *Term, env map[string]*ity) (*ity, error) {
	switch t.Kind {
	case TermNum:
		return tyNum, nil
	case TermStr:
		return tyStr, nil
	case TermBool:
		return tyBool, nil
	case TermNull, TermBuiltin:
		return tyDyn, nil
	case TermVar:
		if ty, ok := env[t.Str]; ok {
			return ty, nil
		}
		return tyDyn, nil
	case TermFun:
		param := st.fresh()
		inner := extendIEnv(env)
		inner[t.Param] = param
		cod, err := st.infer(t.Body, inner)
		if err != nil {
			return nil, err
		}
		return &ity{kind: iArrow, dom: param, cod: cod}, nil
	case TermApp:
		fn, err := st.infer(t.Fn, env)
		if err != nil {
			return nil, err
		}
		arg, err := st.infer(t.Arg, env)
		if err != nil {
			return nil, err
		}
		if st.resolve(fn).kind == iDyn {
			return tyDyn, nil
		}
		res := st.fresh()
		if err := st.unify(fn, &ity{kind: iArrow, dom: arg, cod: res}, t.Span); err != nil {
			return nil, err
		}
		return res, nil
	case TermLet:
		inner, err := st.inferGroup(t.Bindings, env)
		if err != nil {
			return nil, err
		}
		return st.infer(t.Body, inner)
	case TermRecord:
		bindings := lo.Map(t.Fields, func(f *Field, _ int) Binding {
			return Binding{Name: f.Name, Term: f.Term, Span: f.Span}
		})
		inner, err := st.inferGroup(bindings, env)
		if err != nil {
			return nil, err
		}
		fs := make(map[string]*ity, len(t.Fields))
		for _, f := range t.Fields {
			fs[f.Name] = inner[f.Name]
		}
		return &ity{kind: iRecord, fields: fs}, nil
	case TermMeta:
		m := flattenMeta(t.Meta)
		var declared *ity
		if m.Types != nil {
			declared = st.fromType(m.Types.Type)
		}
		if m.Value == nil {
			if declared == nil {
				return tyDyn, nil
			}
			return declared, nil
		}
		got, err := st.infer(m.Value, env)
		if err != nil {
			return nil, err
		}
		if declared == nil {
			return got, nil
		}
		if err := st.unify(declared, got, t.Span); err != nil {
			return nil, err
		}
		return declared, nil
	case TermSelect:
		target, err := st.infer(t.Fn, env)
		if err != nil {
			return nil, err
		}
		target = st.resolve(target)
		if target.kind == iVar {
			st.blindSelects++
		}
		if target.kind != iRecord {
			return tyDyn, nil
		}
		ft, ok := target.fields[t.Str]
		if !ok {
			return nil, &FieldMissingError{Field: t.Str, Span: t.Span}
		}
		return ft, nil
	case TermIf:
		if err := st.expect(t.Cond, env, tyBool); err != nil {
			return nil, err
		}
		then, err := st.infer(t.Then, env)
		if err != nil {
			return nil, err
		}
		els, err := st.infer(t.Else, env)
		if err != nil {
			return nil, err
		}
		if err := st.unify(then, els, t.Span); err != nil {
			return nil, err
		}
		return then, nil
	case TermBinOp:
		return st.inferBinOp(t, env)
	case TermUnOp:
		if t.UOp == OpNot {
			return tyBool, st.expect(t.Fn, env, tyBool)
		}
		return tyNum, st.expect(t.Fn, env, tyNum)
	}
	return tyDyn, nil
}

// inferGroup types a recursive binding group, returning the extended
// environment.
func (st *inferState) inferGroup(bindings []Binding, env map[string]*ity) (map[string]*ity, error) {
	inner := extendIEnv(env)
	for _, b := range bindings {
		inner[b.Name] = st.fresh()
	}
	// A selection through a member of the group, as in
	// `let r = {a = 1, b = r.a}`, only sees r's record type on a second pass.
	for pass := 0; pass < 2; pass++ {
		blind := st.blindSelects
		for _, b := range bindings {
			got, err := st.infer(b.Term, inner)
			if err != nil {
				return nil, err
			}
			if err := st.unify(inner[b.Name], got, b.Term.Span); err != nil {
				return nil, err
			}
		}
		if st.blindSelects == blind {
			break
		}
	}
	return inner, nil
}

// groupTypes types one recursive binding group against the types of the
// enclosing scopes. When the group does not type as a whole, each binding is
// typed alone with its siblings unknown. Bindings whose type is Dyn are left
// out.
func groupTypes(group []Binding, outer map[string]*Type) map[string]*Type {
	out := map[string]*Type{}
	keep := func(name string, ty *Type) {
		if ty.Kind != TypeDyn {
			out[name] = ty
		}
	}
	st := newInferState()
	if inner, err := st.inferGroup(group, st.fromContext(outer)); err == nil {
		for _, b := range group {
			keep(b.Name, st.toType(inner[b.Name]))
		}
		return out
	}
	for _, b := range group {
		st := newInferState()
		env := st.fromContext(outer)
		for _, sib := range group {
			delete(env, sib.Name)
		}
		got, err := st.infer(b.Term, env)
		if err != nil {
			continue
		}
		keep(b.Name, st.toType(got))
	}
	return out
}

func (st *inferState) expect(t *Term, env map[string]*ity, want *ity) error {
	got, err := st.infer(t, env)
	if err != nil {
		return err
	}
	return st.unify(want, got, t.Span)
}

func (st *inferState) inferBinOp(t *Term, env map[string]*ity) (*ity, error) {
	var operand, result *ity
	switch t.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		operand, result = tyNum, tyNum
	case OpLt, OpLe, OpGt, OpGe:
		operand, result = tyNum, tyBool
	case OpAnd, OpOr:
		operand, result = tyBool, tyBool
	case OpConcat:
		operand, result = tyStr, tyStr
	default:
		if _, err := st.infer(t.Left, env); err != nil {
			return nil, err
		}
		if _, err := st.infer(t.Right, env); err != nil {
			return nil, err
		}
		return tyBool, nil
	}
	if err := st.expect(t.Left, env, operand); err != nil {
		return nil, err
	}
	if err := st.expect(t.Right, env, operand); err != nil {
		return nil, err
	}
	return result, nil
}
