package nickel

// Env is a persistent lexical scope mapping names to shared thunks.
// Extending an Env never modifies it, so closures that captured it keep
// seeing the same bindings.
type Env struct {
	parent   *Env
	bindings map[string]*Thunk
	// group holds the binding terms of a scope built by Extend. Scopes
	// built by Bind have none: a parameter's type is not known statically.
	group []Binding

	typeCtx map[string]*Type
}

// NewEnv returns an empty root scope.
func NewEnv() *Env {
	return &Env{bindings: map[string]*Thunk{}}
}

// Lookup walks outward from e until name is found.
func (e *Env) Lookup(name string) (*Thunk, bool) {
	for s := e; s != nil; s = s.parent {
		if th, ok := s.bindings[name]; ok {
			return th, true
		}
	}
	return nil, false
}

// Bind returns a child scope holding a single binding.
func (e *Env) Bind(name string, th *Thunk) *Env {
	return &Env{parent: e, bindings: map[string]*Thunk{name: th}}
}

// Extend installs a recursive group: one suspended thunk per binding, all
// capturing the new scope. Nothing is forced.
func (e *Env) Extend(bindings []Binding) *Env {
	scope := &Env{parent: e, bindings: make(map[string]*Thunk, len(bindings)), group: bindings}
	for _, b := range bindings {
		scope.bindings[b.Name] = NewThunk(b.Name, b.Term, scope)
	}
	return scope
}

// TypeContext returns the types of visible bindings as far as they follow
// from the binding terms, typed group by group from the outermost scope in.
// Function parameters and bindings of unknown type are absent. Thunk state
// plays no part. The result is computed once per scope and must not be
// modified.
func (e *Env) TypeContext() map[string]*Type {
	if e == nil {
		return map[string]*Type{}
	}
	if e.typeCtx != nil {
		return e.typeCtx
	}
	outer := e.parent.TypeContext()
	ctx := make(map[string]*Type, len(outer)+len(e.bindings))
	for n, ty := range outer {
		ctx[n] = ty
	}
	for n := range e.bindings {
		delete(ctx, n)
	}
	if e.group != nil {
		for n, ty := range groupTypes(e.group, outer) {
			ctx[n] = ty
		}
	}
	e.typeCtx = ctx
	return ctx
}
