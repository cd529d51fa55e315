package nickel

import (
	"fmt"
	"strconv"
	"strings"
)

type ValueKind int

const (
	ValNum ValueKind = iota
	ValStr
	ValBool
	ValNull
	ValFun
	ValRecord
	ValMeta
	ValBuiltin
)

// FunValue is a closure. When Wrapped is set the function is a guard around
// another function value, checking its argument against Domain (with the
// label flipped) and its result against Codomain; Env is then the scope
// flat contracts in those types are evaluated in.
type FunValue struct {
	Param string
	Body  *Term
	Env   *Env

	Wrapped  *Value
	Domain   *Type
	Codomain *Type
	Label    Label
}

// RecordValue holds unforced field thunks in declaration order.
type RecordValue struct {
	Names  []string
	Fields map[string]*Thunk
}

func (r *RecordValue) Get(name string) (*Thunk, bool) {
	t, ok := r.Fields[name]
	return t, ok
}

// BuiltinValue is a possibly partially applied primitive.
type BuiltinValue struct {
	Name string
	Args []*Thunk
	prim *primitive
}

// Value is a term in weak head normal form. Record fields stay suspended.
// A ValMeta value keeps the metadata of the term it came from around the
// forced inner value.
type Value struct {
	Kind    ValueKind
	Num     float64
	Str     string
	Bool    bool
	Fun     *FunValue
	Record  *RecordValue
	Builtin *BuiltinValue
	Meta    *MetaValue
	Inner   *Value
}

func NumVal(n float64) Value  { return Value{Kind: ValNum, Num: n} }
func StrVal(s string) Value   { return Value{Kind: ValStr, Str: s} }
func BoolVal(b bool) Value    { return Value{Kind: ValBool, Bool: b} }
func NullVal() Value          { return Value{Kind: ValNull} }
func FunVal(f *FunValue) Value { return Value{Kind: ValFun, Fun: f} }
func RecordVal(r *RecordValue) Value {
	return Value{Kind: ValRecord, Record: r}
}

// MetaVal wraps inner with m. Wrapping an already wrapped value merges the
// two annotations instead of nesting them.
func MetaVal(m *MetaValue, inner Value) Value {
	if inner.Kind == ValMeta {
		merged := MergeMeta(m, inner.Meta)
		return Value{Kind: ValMeta, Meta: merged, Inner: inner.Inner}
	}
	return Value{Kind: ValMeta, Meta: m, Inner: &inner}
}

// NewRecordValue builds a record from already evaluated values.
func NewRecordValue(names []string, vals map[string]Value) *RecordValue {
	r := &RecordValue{Names: append([]string(nil), names...), Fields: make(map[string]*Thunk, len(names))}
	for _, n := range names {
		r.Fields[n] = NewValueThunk(vals[n])
	}
	return r
}

// Unwrap strips metadata and returns the decorated value.
func (v Value) Unwrap() Value {
	for v.Kind == ValMeta {
		v = *v.Inner
	}
	return v
}

func (v Value) IsMeta() bool { return v.Kind == ValMeta }

func (v Value) String() string {
	switch v.Kind {
	case ValNum:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case ValStr:
		return strconv.Quote(v.Str)
	case ValBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case ValNull:
		return "null"
	case ValFun:
		if v.Fun.Wrapped != nil {
			return fmt.Sprintf("<fun : %s -> %s>", v.Fun.Domain, v.Fun.Codomain)
		}
		return fmt.Sprintf("<fun %s>", v.Fun.Param)
	case ValBuiltin:
		return fmt.Sprintf("<builtin.%s>", v.Builtin.Name)
	case ValRecord:
		parts := make([]string, len(v.Record.Names))
		for i, n := range v.Record.Names {
			th := v.Record.Fields[n]
			if val, ok := th.Peek(); ok {
				parts[i] = fmt.Sprintf("%s = %s", n, val)
			} else {
				parts[i] = n + " = <thunk>"
			}
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case ValMeta:
		var sb strings.Builder
		sb.WriteString(v.Inner.String())
		if v.Meta.Types != nil {
			sb.WriteString(" : " + v.Meta.Types.Type.String())
		}
		if v.Meta.Doc != nil {
			sb.WriteString(fmt.Sprintf(" | doc %q", *v.Meta.Doc))
		}
		for _, c := range v.Meta.Contracts {
			sb.WriteString(" | " + c.Type.String())
		}
		return sb.String()
	default:
		return fmt.Sprintf("<unknown:%d>", v.Kind)
	}
}

func (v Value) KindName() string {
	switch v.Kind {
	case ValNum:
		return "Num"
	case ValStr:
		return "Str"
	case ValBool:
		return "Bool"
	case ValNull:
		return "Null"
	case ValFun, ValBuiltin:
		return "Fun"
	case ValRecord:
		return "Record"
	case ValMeta:
		return v.Inner.KindName()
	default:
		return "Unknown"
	}
}

// ValueToGo converts a fully evaluated value to a native Go value for JSON
// serialization. Metadata is dropped; unforced record fields are an error.
func ValueToGo(v Value) (any, error) {
	v = v.Unwrap()
	switch v.Kind {
	case ValNum:
		return v.Num, nil
	case ValStr:
		return v.Str, nil
	case ValBool:
		return v.Bool, nil
	case ValNull:
		return nil, nil
	case ValRecord:
		obj := make(map[string]any, len(v.Record.Names))
		for _, n := range v.Record.Names {
			fv, ok := v.Record.Fields[n].Peek()
			if !ok {
				return nil, fmt.Errorf("field %s is not evaluated", n)
			}
			j, err := ValueToGo(fv)
			if err != nil {
				return nil, err
			}
			obj[n] = j
		}
		return obj, nil
	case ValFun, ValBuiltin:
		return nil, fmt.Errorf("cannot serialize Fun to JSON")
	default:
		return nil, fmt.Errorf("unknown value kind")
	}
}

// MetaToGo describes the metadata of v for query responses. It returns nil
// for plain values.
func MetaToGo(v Value) map[string]any {
	if v.Kind != ValMeta {
		return nil
	}
	m := map[string]any{}
	if v.Meta.Doc != nil {
		m["doc"] = *v.Meta.Doc
	}
	if v.Meta.Types != nil {
		m["type"] = v.Meta.Types.Type.String()
	}
	if len(v.Meta.Contracts) > 0 {
		cs := make([]any, len(v.Meta.Contracts))
		for i, c := range v.Meta.Contracts {
			cs[i] = c.Type.String()
		}
		m["contracts"] = cs
	}
	return m
}
