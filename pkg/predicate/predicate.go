// Package predicate compiles host predicates written in CEL.
//
// A predicate sees two variables: name, the host name, and host, a
// map<string, string> of the attributes the host registered with:
//
//	host.os_type == "centos7" && int(host.cpu_count) >= 8
//	name.startsWith("dn") || host.rack in ["r1", "r2"]
//
// Referencing an attribute the host does not have makes the predicate
// false rather than failing.
package predicate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/openfroyo/topology/pkg/engine"
)

const (
	// VarName is the host name variable.
	VarName = "name"

	// VarHost is the host attribute map variable.
	VarHost = "host"
)

// Compiler compiles and caches CEL host predicates. It is safe for
// concurrent use.
type Compiler struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]*Predicate
}

var _ engine.PredicateCompiler = (*Compiler)(nil)

// NewCompiler creates a predicate compiler.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		ext.Strings(),
		ext.Lists(),
		cel.Variable(VarName, cel.StringType),
		cel.Variable(VarHost, cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env, cache: make(map[string]*Predicate)}, nil
}

// Compile parses and type-checks a predicate expression. The expression
// must evaluate to a bool.
func (c *Compiler) Compile(expression string) (engine.Predicate, error) {
	return c.compile(expression)
}

func (c *Compiler) compile(expression string) (*Predicate, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("predicate expression is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[expression]; ok {
		return p, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("predicate %q returns %s, expected bool", expression, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program error: %w", err)
	}

	p := &Predicate{expr: expression, program: prg}
	c.cache[expression] = p
	return p, nil
}

// Validate reports whether an expression compiles.
func (c *Compiler) Validate(expression string) error {
	_, err := c.compile(expression)
	return err
}

// Predicate is a compiled host predicate.
type Predicate struct {
	expr    string
	program cel.Program
}

var _ engine.Predicate = (*Predicate)(nil)

// Matches evaluates the predicate against a host.
func (p *Predicate) Matches(host *engine.Host) (bool, error) {
	attrs := host.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := p.program.Eval(map[string]any{
		VarName: host.Name,
		VarHost: attrs,
	})
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return false, nil
		}
		return false, fmt.Errorf("failed to evaluate predicate %q: %w", p.expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q did not return bool", p.expr)
	}
	return result, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	return p.expr
}
