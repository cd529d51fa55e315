package nickel

import (
	"fmt"
	"strings"
)

// MetaValue decorates a term with documentation, a static type and contracts.
// Instances are never mutated after construction; merging and wildcard
// resolution build new ones.
type MetaValue struct {
	Doc       *string
	Types     *Contract
	Contracts []Contract
	Value     *Term
}

// WithDoc returns a copy of m with doc set.
func (m *MetaValue) WithDoc(doc string) *MetaValue {
	cp := m.clone()
	cp.Doc = &doc
	return cp
}

func (m *MetaValue) clone() *MetaValue {
	if m == nil {
		return &MetaValue{}
	}
	cp := *m
	cp.Contracts = append([]Contract(nil), m.Contracts...)
	return &cp
}

// MergeMeta composes metadata attached at an outer scope with metadata
// attached closer to the value. Doc, type and value come from inner when
// present. Contracts are concatenated outer first, so outer checks run first.
func MergeMeta(outer, inner *MetaValue) *MetaValue {
	if outer == nil {
		return inner.clone()
	}
	if inner == nil {
		return outer.clone()
	}
	out := &MetaValue{
		Doc:   outer.Doc,
		Types: outer.Types,
		Value: outer.Value,
	}
	if inner.Doc != nil {
		out.Doc = inner.Doc
	}
	if inner.Types != nil {
		out.Types = inner.Types
	}
	if inner.Value != nil {
		out.Value = inner.Value
	}
	out.Contracts = make([]Contract, 0, len(outer.Contracts)+len(inner.Contracts))
	out.Contracts = append(out.Contracts, outer.Contracts...)
	out.Contracts = append(out.Contracts, inner.Contracts...)
	return out
}

// flattenMeta merges syntactically nested annotations, e.g.
// `(e | doc "a") | C`, into one MetaValue whose value is not itself an
// annotation.
func flattenMeta(m *MetaValue) *MetaValue {
	for m.Value != nil && m.Value.Kind == TermMeta {
		inner := m.Value.Meta
		m = MergeMeta(m, inner)
		m.Value = inner.Value
	}
	return m
}

func (m *MetaValue) String() string {
	var parts []string
	if m.Value != nil {
		parts = append(parts, m.Value.String())
	} else {
		parts = append(parts, "<no value>")
	}
	if m.Types != nil {
		parts = append(parts, ": "+m.Types.Type.String())
	}
	if m.Doc != nil {
		parts = append(parts, fmt.Sprintf("| doc %q", *m.Doc))
	}
	for _, c := range m.Contracts {
		parts = append(parts, "| "+c.Type.String())
	}
	return "(" + strings.Join(parts, " ") + ")"
}
