package nickel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

type TypeKind int

const (
	TypeDyn TypeKind = iota
	TypeNum
	TypeStr
	TypeBool
	TypeArrow
	TypeRecord
	TypeFlat
	TypeWildcard
)

// RowField is one field of a record type.
type RowField struct {
	Name string
	Type *Type
}

// Type is a static type annotation. TypeFlat wraps an arbitrary term used as
// a contract; TypeWildcard is the "infer me" placeholder.
type Type struct {
	Kind     TypeKind
	Domain   *Type      // TypeArrow
	Codomain *Type      // TypeArrow
	Fields   []RowField // TypeRecord, sorted by name
	Term     *Term      // TypeFlat
}

var (
	DynType      = &Type{Kind: TypeDyn}
	NumType      = &Type{Kind: TypeNum}
	StrType      = &Type{Kind: TypeStr}
	BoolType     = &Type{Kind: TypeBool}
	WildcardType = &Type{Kind: TypeWildcard}
)

func ArrowType(dom, cod *Type) *Type {
	return &Type{Kind: TypeArrow, Domain: dom, Codomain: cod}
}

// RecordType builds a closed record type. Fields are sorted by name so that
// two types written in different orders compare equal.
func RecordType(fields ...RowField) *Type {
	fs := append([]RowField(nil), fields...)
	sort.Slice(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
	return &Type{Kind: TypeRecord, Fields: fs}
}

func FlatType(t *Term) *Type { return &Type{Kind: TypeFlat, Term: t} }

// Field returns the type of the named row, or nil.
func (t *Type) Field(name string) *Type {
	for _, f := range t.Fields {
		if f.Name == name {
			return f.Type
		}
	}
	return nil
}

// HasWildcard reports whether t contains a placeholder anywhere.
func (t *Type) HasWildcard() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case TypeWildcard:
		return true
	case TypeArrow:
		return t.Domain.HasWildcard() || t.Codomain.HasWildcard()
	case TypeRecord:
		return lo.SomeBy(t.Fields, func(f RowField) bool { return f.Type.HasWildcard() })
	}
	return false
}

func (t *Type) String() string {
	if t == nil {
		return "<none>"
	}
	switch t.Kind {
	case TypeDyn:
		return "Dyn"
	case TypeNum:
		return "Num"
	case TypeStr:
		return "Str"
	case TypeBool:
		return "Bool"
	case TypeWildcard:
		return "_"
	case TypeArrow:
		dom := t.Domain.String()
		if t.Domain.Kind == TypeArrow {
			dom = "(" + dom + ")"
		}
		return dom + " -> " + t.Codomain.String()
	case TypeRecord:
		parts := lo.Map(t.Fields, func(f RowField, _ int) string {
			return fmt.Sprintf("%s: %s", f.Name, f.Type)
		})
		return "{" + strings.Join(parts, ", ") + "}"
	case TypeFlat:
		return t.Term.String()
	default:
		return fmt.Sprintf("<type:%d>", t.Kind)
	}
}

// TypesEqual compares two types structurally. Flat types are equal only when
// they wrap the same term.
func TypesEqual(a, b *Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case TypeArrow:
		return TypesEqual(a.Domain, b.Domain) && TypesEqual(a.Codomain, b.Codomain)
	case TypeRecord:
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for i := range a.Fields {
			if a.Fields[i].Name != b.Fields[i].Name || !TypesEqual(a.Fields[i].Type, b.Fields[i].Type) {
				return false
			}
		}
		return true
	case TypeFlat:
		return a.Term == b.Term
	}
	return true
}

type Polarity bool

const (
	Positive Polarity = true
	Negative Polarity = false
)

func (p Polarity) String() string {
	if p == Positive {
		return "positive"
	}
	return "negative"
}

// Label attributes blame for a contract. A positive label blames the value
// that was checked; a negative one blames the context that supplied it.
type Label struct {
	Span     Span
	Polarity Polarity
	Types    *Type
	Tag      string
}

func NewLabel(ty *Type, span Span) Label {
	return Label{Span: span, Polarity: Positive, Types: ty}
}

// Flip returns the label with its polarity negated.
func (l Label) Flip() Label {
	l.Polarity = !l.Polarity
	return l
}

func (l Label) Blamed() string {
	if l.Polarity == Positive {
		return "value"
	}
	return "caller"
}

// Contract pairs a contract type with the label used to attribute blame.
type Contract struct {
	Type  *Type
	Label Label
}

func NewContract(ty *Type, span Span) Contract {
	return Contract{Type: ty, Label: NewLabel(ty, span)}
}
