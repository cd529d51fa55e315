package nickel

import (
	"errors"
	"testing"
)

func parseString(t *testing.T, src string) string {
	t.Helper()
	term, err := Parse("test", src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return term.String()
}

func TestParseLiterals(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want string
	}{
		{"42", "42"},
		{"-7", "-7"},
		{"3.14", "3.14"},
		{"1e3", "1000"},
		{"true", "true"},
		{"null", "null"},
		{`"a\"b\n"`, `"a\"b\n"`},
		{"x'", "x'"},
		{"snake_case", "snake_case"},
	} {
		if got := parseString(t, tc.src); got != tc.want {
			t.Fatalf("parse %q: expected %s, got %s", tc.src, tc.want, got)
		}
	}
}

func TestParsePrecedence(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"1 - 2 - 3", "((1 - 2) - 3)"},
		{"a || b && c", "(a || (b && c))"},
		{`"a" ++ "b" == "ab"`, `(("a" ++ "b") == "ab")`},
		{"!a && b", "((!a) && b)"},
		{"-x + 1", "((-x) + 1)"},
		{"f x + g y", "((f x) + (g y))"},
		{"f x y", "((f x) y)"},
		{"f r.a", "(f r.a)"},
		{"{a = 1}.a", "{a = 1}.a"},
		{"builtin.seq 1 2", "((builtin.seq 1) 2)"},
	} {
		if got := parseString(t, tc.src); got != tc.want {
			t.Fatalf("parse %q: expected %s, got %s", tc.src, tc.want, got)
		}
	}
}

func TestParseBindings(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want string
	}{
		{"fun x => x", "(fun x => x)"},
		{"fun x y => x", "(fun x => (fun y => x))"},
		{"let x = 1, y = 2 in x", "(let x = 1, y = 2 in x)"},
		{"if a then 1 else 2", "(if a then 1 else 2)"},
		{"{a = 1; b = 2}", "{a = 1, b = 2}"},
		{`{"quoted field" = 1}`, "{quoted field = 1}"},
		{"{}", "{}"},
		{"# comment\n1 # trailing", "1"},
	} {
		if got := parseString(t, tc.src); got != tc.want {
			t.Fatalf("parse %q: expected %s, got %s", tc.src, tc.want, got)
		}
	}
}

func TestParseAnnotations(t *testing.T) {
	term, err := Parse("test", `1 : Num | doc "one" | Pos | Num -> Num`)
	if err != nil {
		t.Fatal(err)
	}
	if term.Kind != TermMeta {
		t.Fatalf("expected annotation, got %s", term)
	}
	m := term.Meta
	if m.Types == nil || m.Types.Type.Kind != TypeNum {
		t.Fatalf("expected type Num, got %v", m.Types)
	}
	if m.Doc == nil || *m.Doc != "one" {
		t.Fatalf("expected doc, got %v", m.Doc)
	}
	if len(m.Contracts) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(m.Contracts))
	}
	if m.Contracts[0].Type.Kind != TypeFlat || m.Contracts[0].Type.Term.Str != "Pos" {
		t.Fatalf("expected flat Pos, got %s", m.Contracts[0].Type)
	}
	if m.Contracts[1].Type.String() != "Num -> Num" {
		t.Fatalf("expected arrow, got %s", m.Contracts[1].Type)
	}
}

func TestParseFieldAnnotations(t *testing.T) {
	term, err := Parse("test", `{port | doc "p" | Num = 80, host : Str, plain = 1}`)
	if err != nil {
		t.Fatal(err)
	}
	port := term.Field("port").Term
	if port.Kind != TermMeta || port.Meta.Value == nil || port.Meta.Value.Num != 80 {
		t.Fatalf("unexpected port field %s", port)
	}
	host := term.Field("host").Term
	if host.Kind != TermMeta || host.Meta.Value != nil {
		t.Fatalf("expected host without definition, got %s", host)
	}
	if plain := term.Field("plain").Term; plain.Kind != TermNum {
		t.Fatalf("expected a bare value, got %s", plain)
	}
}

func TestParseTypes(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want string
	}{
		{"Num", "Num"},
		{"_", "_"},
		{"Num -> Str -> Bool", "Num -> Str -> Bool"},
		{"(Num -> Num) -> Num", "(Num -> Num) -> Num"},
		{"{b: Str, a: Num}", "{a: Num, b: Str}"},
		{"{a: {b: _}}", "{a: {b: _}}"},
		{"Pos", "Pos"},
		{"(fun x => x > 0)", "(fun x => (x > 0))"},
		{"builtin.is_num", "builtin.is_num"},
	} {
		ty, err := ParseType("test", tc.src)
		if err != nil {
			t.Fatalf("parse type %q: %v", tc.src, err)
		}
		if ty.String() != tc.want {
			t.Fatalf("parse type %q: expected %s, got %s", tc.src, tc.want, ty)
		}
	}
	if _, err := ParseType("test", "Num Num"); err == nil {
		t.Fatal("expected trailing input error")
	}
}

func TestParseSpans(t *testing.T) {
	term, err := Parse("file.ncl", "let x = 1 in x + 2")
	if err != nil {
		t.Fatal(err)
	}
	if term.Span.Source != "file.ncl" || term.Span.Start != 0 || term.Span.End != 18 {
		t.Fatalf("unexpected span %+v", term.Span)
	}
	body := term.Body
	if body.Span.Start != 13 || body.Span.End != 18 {
		t.Fatalf("unexpected body span %+v", body.Span)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"(1",
		"{a = 1",
		"let x = 1",
		"let x = 1, x = 2 in x",
		"{a = 1, a = 2}",
		"fun => 1",
		"if true then 1",
		`"unterminated`,
		`"bad \q escape"`,
		"1 : Num : Num",
		"1 | doc 2",
		"1 2 )",
		"a < b < c",
		"@",
		"builtin 1",
		"{a}",
	} {
		_, err := Parse("test", src)
		if err == nil {
			t.Fatalf("expected parse error for %q", src)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: expected ParseError, got %T", src, err)
		}
		if pe.Source != "test" {
			t.Fatalf("%q: expected source name in error, got %q", src, pe.Source)
		}
	}
}

func TestFreeVars(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want []string
	}{
		{"x + y + x", []string{"x", "y"}},
		{"fun x => x + y", []string{"y"}},
		{"let a = b, b = 1 in a + c", []string{"c"}},
		{"{a = 1, b = a + z}", []string{"z"}},
		{"1 | Pos", []string{"Pos"}},
		{"builtin.seq 1 2", nil},
	} {
		term, err := Parse("test", tc.src)
		if err != nil {
			t.Fatal(err)
		}
		got := FreeVars(term)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: expected %v, got %v", tc.src, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: expected %v, got %v", tc.src, tc.want, got)
			}
		}
	}
}
