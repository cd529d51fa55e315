package nickel

import (
	"context"
	"log/slog"
)

// Program is a parsed root term ready to be evaluated or queried. The root
// is held in a thunk, so repeated queries share evaluated fields.
type Program struct {
	Root *Term

	ev   *Evaluator
	env  *Env
	root *Thunk
}

// NewProgram wraps root for evaluation in env (nil for the empty scope).
// A nil evaluator gets the default inferrer and logger.
func NewProgram(root *Term, env *Env, ev *Evaluator) *Program {
	if ev == nil {
		ev = NewEvaluator(nil, nil)
	}
	if env == nil {
		env = NewEnv()
	}
	return &Program{Root: root, ev: ev, env: env, root: NewThunk("", root, env)}
}

func NewProgramFromSource(name, src string, logger *slog.Logger) (*Program, error) {
	t, err := Parse(name, src)
	if err != nil {
		return nil, err
	}
	return NewProgram(t, nil, NewEvaluator(nil, logger)), nil
}

func (p *Program) Evaluator() *Evaluator { return p.ev }

// Query evaluates the root and follows path one field at a time. Each step
// forces only the selected field. The result keeps the metadata of the
// selected term, with wildcard types resolved; plain values come back
// unwrapped.
func (p *Program) Query(ctx context.Context, path []string) (Value, error) {
	v, err := p.ev.Force(p.root)
	if err != nil {
		return Value{}, err
	}
	span := p.Root.Span
	for _, name := range path {
		if err := ctx.Err(); err != nil {
			return Value{}, err
		}
		th, err := selectField(v, name, span)
		if err != nil {
			return Value{}, err
		}
		if v, err = p.ev.Force(th); err != nil {
			return Value{}, err
		}
	}
	return v, nil
}

// Eval returns the root in weak head normal form, without metadata.
func (p *Program) Eval(ctx context.Context) (Value, error) {
	v, err := p.Query(ctx, nil)
	if err != nil {
		return Value{}, err
	}
	return v.Unwrap(), nil
}

// EvalFull evaluates the root and every record field reachable from it.
func (p *Program) EvalFull(ctx context.Context) (Value, error) {
	v, err := p.Eval(ctx)
	if err != nil {
		return Value{}, err
	}
	if err := p.ev.DeepForce(v); err != nil {
		return Value{}, err
	}
	return v, nil
}
