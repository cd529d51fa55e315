package nickel

import (
	"errors"
	"fmt"
)

// InfiniteRecursionError is raised when a thunk is forced while it is
// already being forced on the same evaluation path.
type InfiniteRecursionError struct {
	Ident string
	Span  Span
}

func (e *InfiniteRecursionError) Error() string {
	if e.Ident != "" {
		return fmt.Sprintf("infinite recursion: %s depends on its own value [%s]", e.Ident, e.Span)
	}
	return fmt.Sprintf("infinite recursion [%s]", e.Span)
}

// ContractViolationError reports a failed contract check. The label says
// who is blamed.
type ContractViolationError struct {
	Label  Label
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract broken by the %s: %s (expected %s) [%s]",
		e.Label.Blamed(), e.Reason, e.Label.Types, e.Label.Span)
}

type UnboundIdentifierError struct {
	Name string
	Span Span
}

func (e *UnboundIdentifierError) Error() string {
	return fmt.Sprintf("unbound identifier: %s [%s]", e.Name, e.Span)
}

// TypeMismatchError is a dynamic type error: an operation received a value
// of the wrong shape.
type TypeMismatchError struct {
	Op       string
	Expected string
	Got      string
	Span     Span
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s [%s]", e.Op, e.Expected, e.Got, e.Span)
}

type FieldMissingError struct {
	Field string
	Span  Span
}

func (e *FieldMissingError) Error() string {
	return fmt.Sprintf("missing field: %s [%s]", e.Field, e.Span)
}

// MissingFieldDefinitionError is raised when an annotation without a value
// (e.g. `{foo | Num}`) is forced.
type MissingFieldDefinitionError struct {
	Span Span
}

func (e *MissingFieldDefinitionError) Error() string {
	return fmt.Sprintf("annotated term has no definition [%s]", e.Span)
}

type ParseError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s:%d: %s", e.Source, e.Pos, e.Msg)
}

// AssertError is returned by builtin.assert when its condition is false.
type AssertError struct {
	Message string
	Span    Span
}

func (e *AssertError) Error() string {
	return fmt.Sprintf("assert failed: %s [%s]", e.Message, e.Span)
}

// DepthExceededError stops an evaluation that nests deeper than the
// evaluator allows, such as unbounded recursion through fresh thunks.
type DepthExceededError struct {
	Limit int
	Span  Span
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("evaluation nested deeper than %d [%s]", e.Limit, e.Span)
}

// ErrorKind returns a stable tag for err, used on the wire and in traces.
func ErrorKind(err error) string {
	var (
		ir *InfiniteRecursionError
		cv *ContractViolationError
		ui *UnboundIdentifierError
		tm *TypeMismatchError
		fm *FieldMissingError
		md *MissingFieldDefinitionError
		pe *ParseError
		ae *AssertError
		de *DepthExceededError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ir):
		return "infinite_recursion"
	case errors.As(err, &cv):
		return "contract_violation"
	case errors.As(err, &ui):
		return "unbound_identifier"
	case errors.As(err, &tm):
		return "type_mismatch"
	case errors.As(err, &fm):
		return "field_missing"
	case errors.As(err, &md):
		return "missing_definition"
	case errors.As(err, &pe):
		return "parse_error"
	case errors.As(err, &ae):
		return "assert_failed"
	case errors.As(err, &de):
		return "depth_exceeded"
	default:
		return "internal"
	}
}
