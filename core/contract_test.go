package nickel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contractViolation(t *testing.T, err error) *ContractViolationError {
	t.Helper()
	var cv *ContractViolationError
	require.True(t, errors.As(err, &cv), "expected contract violation, got %v", err)
	return cv
}

func TestContractBaseTypes(t *testing.T) {
	testEval(t, "5 | Num", NumVal(5))
	testEval(t, `"a" : Str`, StrVal("a"))
	testEval(t, "true | Bool", BoolVal(true))
	testEval(t, "null | Dyn", NullVal())

	err := testEvalError(t, `"a" | Num`)
	cv := contractViolation(t, err)
	assert.Equal(t, Positive, cv.Label.Polarity)
	assert.Equal(t, "value", cv.Label.Blamed())
	assert.Equal(t, "contract_violation", ErrorKind(err))
}

func TestContractFlatPredicate(t *testing.T) {
	testEval(t, "let Pos = fun x => x > 0 in 5 | Pos", NumVal(5))

	err := testEvalError(t, "let Pos = fun x => x > 0 in -1 | Pos")
	cv := contractViolation(t, err)
	assert.Equal(t, TypeFlat, cv.Label.Types.Kind)
	assert.Contains(t, cv.Reason, "failed on -1")
}

func TestContractFlatInline(t *testing.T) {
	testEval(t, "3 | (fun x => x < 10)", NumVal(3))
	testEvalError(t, "30 | (fun x => x < 10)")
}

func TestContractFlatTransform(t *testing.T) {
	src := "let Default = fun x => if x == null then 0 else x in null | Default"
	testEval(t, src, NumVal(0))
	testEval(t, "let Default = fun x => if x == null then 0 else x in 7 | Default", NumVal(7))
}

func TestContractFlatNotAFunction(t *testing.T) {
	err := testEvalError(t, "5 | 3")
	var tm *TypeMismatchError
	require.True(t, errors.As(err, &tm), "got %v", err)
	assert.Equal(t, "contract", tm.Op)
}

func TestContractOrder(t *testing.T) {
	prelude := "let AddOne = fun x => x + 1, Double = fun x => x * 2 in "

	// Annotations in one chain run left to right.
	testEval(t, prelude+"1 | AddOne | Double", NumVal(4))
	testEval(t, prelude+"1 | Double | AddOne", NumVal(3))

	// A parenthesized annotation is inner: the outer contracts run first.
	testEval(t, prelude+"(1 | AddOne) | Double", NumVal(3))
}

func TestContractTypeRunsBeforeContracts(t *testing.T) {
	// The type check sees the original value, not the transformed one.
	testEval(t, `let ToStr = fun x => builtin.to_str x in 1 | ToStr : Num`, StrVal("1"))
	testEvalError(t, `let ToNum = fun x => 1 in "a" | ToNum : Num`)
}

func TestContractRecordMissingAndExtraFields(t *testing.T) {
	err := testEvalError(t, "{a = 1} | {a: Num, b: Num}")
	assert.Contains(t, contractViolation(t, err).Reason, "missing field b")

	err = testEvalError(t, "{a = 1, c = 2} | {a: Num}")
	assert.Contains(t, contractViolation(t, err).Reason, "extra field c")
}

func TestContractRecordFieldsCheckedLazily(t *testing.T) {
	p, err := NewProgramFromSource("test", `{a = 1, b = "x"} | {a: Num, b: Num}`, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// Weak head normal form only checks the shape.
	_, err = p.Eval(ctx)
	require.NoError(t, err)

	v, err := p.Query(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Unwrap().Num)

	_, err = p.Query(ctx, []string{"b"})
	cv := contractViolation(t, err)
	assert.Equal(t, Positive, cv.Label.Polarity)

	_, err = p.EvalFull(ctx)
	require.Error(t, err)
}

func TestContractNestedRecord(t *testing.T) {
	testEval(t, "({inner = {n = 1}} | {inner: {n: Num}}).inner.n", NumVal(1))
	testEvalError(t, `({inner = {n = "1"}} | {inner: {n: Num}}).inner.n`)
}

func TestContractArrowBlamesCaller(t *testing.T) {
	err := testEvalError(t, `let f | Num -> Num = fun x => x + 1 in f "a"`)
	cv := contractViolation(t, err)
	assert.Equal(t, Negative, cv.Label.Polarity)
	assert.Equal(t, "caller", cv.Label.Blamed())
}

func TestContractArrowBlamesFunction(t *testing.T) {
	err := testEvalError(t, `let f | Num -> Num = fun x => "s" in f 1`)
	cv := contractViolation(t, err)
	assert.Equal(t, Positive, cv.Label.Polarity)
	assert.Equal(t, "value", cv.Label.Blamed())
}

func TestContractArrowArgumentIsLazy(t *testing.T) {
	// The argument contract only runs when the argument is used.
	testEval(t, `let f | Num -> Num = fun x => 1 in f "a"`, NumVal(1))
	testEval(t, `let f | Num -> Num = fun x => x * 2 in f 4`, NumVal(8))
}

func TestContractArrowHigherOrder(t *testing.T) {
	// The callback is checked under the flipped label, so its bad result
	// blames the caller that supplied it.
	src := `let apply | (Num -> Num) -> Num = fun g => g 1 in apply (fun x => "bad")`
	err := testEvalError(t, src)
	cv := contractViolation(t, err)
	assert.Equal(t, Negative, cv.Label.Polarity)
}

func TestContractArrowOnNonFunction(t *testing.T) {
	err := testEvalError(t, "1 | Num -> Num")
	assert.Contains(t, contractViolation(t, err).Reason, "expected a function")
}

func TestContractStats(t *testing.T) {
	p, err := NewProgramFromSource("test", "let Pos = fun x => x > 0 in (5 | Pos) + (\"a\" | Dyn | Str | builtin.is_str)", nil)
	require.NoError(t, err)
	_, err = p.Eval(context.Background())
	var tm *TypeMismatchError
	require.True(t, errors.As(err, &tm), "got %v", err)
	st := p.Evaluator().Stats
	assert.Equal(t, 4, st.ContractChecks)
	assert.Equal(t, 0, st.ContractViolations)
}

func TestContractMissingDefinition(t *testing.T) {
	testEval(t, "builtin.is_record {foo | Num}", BoolVal(true))
	err := testEvalError(t, "{foo | Num}.foo")
	var md *MissingFieldDefinitionError
	require.True(t, errors.As(err, &md), "got %v", err)
	assert.Equal(t, "missing_definition", ErrorKind(err))
}

func TestLabelFlip(t *testing.T) {
	l := NewLabel(NumType, Span{})
	assert.Equal(t, Positive, l.Polarity)
	assert.Equal(t, Negative, l.Flip().Polarity)
	assert.Equal(t, Positive, l.Flip().Flip().Polarity)
	assert.Equal(t, "caller", l.Flip().Blamed())
}

func TestApplyContractDirect(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	c := NewContract(RecordType(RowField{Name: "a", Type: NumType}), Span{})
	rec := RecordVal(NewRecordValue([]string{"a"}, map[string]Value{"a": StrVal("x")}))

	out, err := ev.ApplyContract(rec, c, NewEnv())
	require.NoError(t, err)
	_, err = ev.Force(out.Record.Fields["a"])
	contractViolation(t, err)
	assert.Equal(t, 1, ev.Stats.ContractViolations)
}
