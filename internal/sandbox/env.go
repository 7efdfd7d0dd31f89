package sandbox

import "fmt"

type binding struct {
	value    Value
	constant bool
}

// environment is a lexical scope chain.
type environment struct {
	parent *environment
	vars   map[string]*binding
}

func newEnvironment(parent *environment) *environment {
	return &environment{parent: parent, vars: map[string]*binding{}}
}

func (e *environment) declare(name string, value Value, constant bool) error {
	if _, exists := e.vars[name]; exists {
		return fmt.Errorf("identifier %q has already been declared", name)
	}
	e.vars[name] = &binding{value: value, constant: constant}
	return nil
}

func (e *environment) lookup(name string) (*binding, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if b, ok := scope.vars[name]; ok {
			return b, true
		}
	}
	return nil, false
}

func (e *environment) assign(name string, value Value) error {
	b, ok := e.lookup(name)
	if !ok {
		return fmt.Errorf("%s is not defined", name)
	}
	if b.constant {
		return fmt.Errorf("assignment to constant variable %s", name)
	}
	b.value = value
	return nil
}
