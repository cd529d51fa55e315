package nickel

import (
	"fmt"
	"strconv"
	"strings"
)

// Span locates a term in its source. Offsets count runes.
type Span struct {
	Source string
	Start  int
	End    int
}

func (s Span) String() string {
	if s.Source == "" && s.Start == 0 && s.End == 0 {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d-%d", s.Source, s.Start, s.End)
}

type TermKind int

const (
	TermNum TermKind = iota
	TermStr
	TermBool
	TermNull
	TermVar
	TermFun
	TermApp
	TermLet
	TermRecord
	TermMeta
	TermSelect
	TermIf
	TermBinOp
	TermUnOp
	TermBuiltin
)

type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpConcat
	OpEq
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

var binOpNames = map[BinOp]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpConcat: "++", OpEq: "==", OpNeq: "!=",
	OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "&&", OpOr: "||",
}

func (op BinOp) String() string { return binOpNames[op] }

type UnOp int

const (
	OpNot UnOp = iota
	OpNeg
)

func (op UnOp) String() string {
	if op == OpNot {
		return "!"
	}
	return "-"
}

// Binding is one name of a recursive let group.
type Binding struct {
	Name string
	Term *Term
	Span Span
}

// Field is one field of a record literal.
type Field struct {
	Name string
	Term *Term
	Span Span
}

// Term is an immutable node of the expression graph. Kind selects which of
// the remaining fields are meaningful.
type Term struct {
	Kind TermKind
	Span Span

	Num  float64
	Str  string // TermStr literal, TermVar/TermBuiltin name, TermSelect field
	Bool bool

	Param string // TermFun
	Body  *Term  // TermFun, TermLet

	Fn  *Term // TermApp function, TermSelect target, TermUnOp operand
	Arg *Term // TermApp argument

	Bindings []Binding // TermLet
	Fields   []*Field  // TermRecord

	Meta *MetaValue // TermMeta

	Cond, Then, Else *Term // TermIf

	Op    BinOp // TermBinOp
	UOp   UnOp  // TermUnOp
	Left  *Term // TermBinOp
	Right *Term // TermBinOp
}

func NumTerm(n float64) *Term    { return &Term{Kind: TermNum, Num: n} }
func StrTerm(s string) *Term     { return &Term{Kind: TermStr, Str: s} }
func BoolTerm(b bool) *Term      { return &Term{Kind: TermBool, Bool: b} }
func NullTerm() *Term            { return &Term{Kind: TermNull} }
func VarTerm(name string) *Term  { return &Term{Kind: TermVar, Str: name} }
func FunTerm(param string, body *Term) *Term {
	return &Term{Kind: TermFun, Param: param, Body: body}
}
func AppTerm(fn, arg *Term) *Term { return &Term{Kind: TermApp, Fn: fn, Arg: arg} }
func LetTerm(bindings []Binding, body *Term) *Term {
	return &Term{Kind: TermLet, Bindings: bindings, Body: body}
}
func RecordTerm(fields ...*Field) *Term { return &Term{Kind: TermRecord, Fields: fields} }
func MetaTerm(m *MetaValue) *Term      { return &Term{Kind: TermMeta, Meta: m} }
func SelectTerm(target *Term, field string) *Term {
	return &Term{Kind: TermSelect, Fn: target, Str: field}
}
func IfTerm(cond, then, els *Term) *Term {
	return &Term{Kind: TermIf, Cond: cond, Then: then, Else: els}
}
func BinOpTerm(op BinOp, l, r *Term) *Term {
	return &Term{Kind: TermBinOp, Op: op, Left: l, Right: r}
}
func UnOpTerm(op UnOp, t *Term) *Term   { return &Term{Kind: TermUnOp, UOp: op, Fn: t} }
func BuiltinTerm(name string) *Term     { return &Term{Kind: TermBuiltin, Str: name} }
func NewField(name string, t *Term) *Field { return &Field{Name: name, Term: t} }

// At returns t with its span set. Only used while a term is being built.
func (t *Term) At(s Span) *Term {
	t.Span = s
	return t
}

// Field returns the record field named name, or nil.
func (t *Term) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (t *Term) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case TermNum:
		return strconv.FormatFloat(t.Num, 'g', -1, 64)
	case TermStr:
		return strconv.Quote(t.Str)
	case TermBool:
		if t.Bool {
			return "true"
		}
		return "false"
	case TermNull:
		return "null"
	case TermVar:
		return t.Str
	case TermBuiltin:
		return "builtin." + t.Str
	case TermFun:
		return fmt.Sprintf("(fun %s => %s)", t.Param, t.Body)
	case TermApp:
		return fmt.Sprintf("(%s %s)", t.Fn, t.Arg)
	case TermLet:
		parts := make([]string, len(t.Bindings))
		for i, b := range t.Bindings {
			parts[i] = fmt.Sprintf("%s = %s", b.Name, b.Term)
		}
		return fmt.Sprintf("(let %s in %s)", strings.Join(parts, ", "), t.Body)
	case TermRecord:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = fmt.Sprintf("%s = %s", f.Name, f.Term)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case TermMeta:
		return t.Meta.String()
	case TermSelect:
		return fmt.Sprintf("%s.%s", t.Fn, t.Str)
	case TermIf:
		return fmt.Sprintf("(if %s then %s else %s)", t.Cond, t.Then, t.Else)
	case TermBinOp:
		return fmt.Sprintf("(%s %s %s)", t.Left, t.Op, t.Right)
	case TermUnOp:
		return fmt.Sprintf("(%s%s)", t.UOp, t.Fn)
	default:
		return fmt.Sprintf("<unknown:%d>", t.Kind)
	}
}

// FreeVars returns the names t references that are not bound inside t, in
// order of first occurrence.
func FreeVars(t *Term) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(t *Term, bound map[string]bool)
	walk = func(t *Term, bound map[string]bool) {
		if t == nil {
			return
		}
		switch t.Kind {
		case TermVar:
			if !bound[t.Str] && !seen[t.Str] {
				seen[t.Str] = true
				out = append(out, t.Str)
			}
		case TermFun:
			inner := copyBound(bound)
			inner[t.Param] = true
			walk(t.Body, inner)
		case TermLet:
			inner := copyBound(bound)
			for _, b := range t.Bindings {
				inner[b.Name] = true
			}
			for _, b := range t.Bindings {
				walk(b.Term, inner)
			}
			walk(t.Body, inner)
		case TermRecord:
			inner := copyBound(bound)
			for _, f := range t.Fields {
				inner[f.Name] = true
			}
			for _, f := range t.Fields {
				walk(f.Term, inner)
			}
		case TermMeta:
			if t.Meta.Types != nil {
				walkType(t.Meta.Types.Type, bound, walk)
			}
			for _, c := range t.Meta.Contracts {
				walkType(c.Type, bound, walk)
			}
			walk(t.Meta.Value, bound)
		case TermApp:
			walk(t.Fn, bound)
			walk(t.Arg, bound)
		case TermSelect, TermUnOp:
			walk(t.Fn, bound)
		case TermIf:
			walk(t.Cond, bound)
			walk(t.Then, bound)
			walk(t.Else, bound)
		case TermBinOp:
			walk(t.Left, bound)
			walk(t.Right, bound)
		}
	}
	walk(t, map[string]bool{})
	return out
}

func walkType(ty *Type, bound map[string]bool, walk func(*Term, map[string]bool)) {
	if ty == nil {
		return
	}
	switch ty.Kind {
	case TypeFlat:
		walk(ty.Term, bound)
	case TypeArrow:
		walkType(ty.Domain, bound, walk)
		walkType(ty.Codomain, bound, walk)
	case TypeRecord:
		for _, f := range ty.Fields {
			walkType(f.Type, bound, walk)
		}
	}
}

func copyBound(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
