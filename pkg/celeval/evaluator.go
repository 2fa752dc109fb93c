// Package celeval evaluates boolean CEL expressions over rule and request
// documents. Compiled programs are cached per expression.
package celeval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is the activation handed to an expression. Every variable is
// always bound so expressions never fail on an absent attribute.
type Input struct {
	Rule    any
	Request any
	Claims  any
	Issuer  string
	Now     int64
}

func (in Input) activation() map[string]any {
	orEmpty := func(v any) any {
		if v == nil {
			return map[string]any{}
		}
		return v
	}
	return map[string]any{
		"rule":    orEmpty(in.Rule),
		"request": orEmpty(in.Request),
		"claims":  orEmpty(in.Claims),
		"issuer":  in.Issuer,
		"now":     in.Now,
	}
}

// Evaluator compiles and runs CEL expressions with a hard cost limit.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("rule", cel.DynType),
		cel.Variable("request", cel.DynType),
		cel.Variable("claims", cel.DynType),
		cel.Variable("issuer", cel.StringType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program. It lets configuration errors
// surface at startup instead of on the first message.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, fmt.Errorf("compile: expression must yield bool, got %s", out)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

// Eval runs expr against in. A non-bool result is an error.
func (e *Evaluator) Eval(ctx context.Context, expr string, in Input) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, in.activation())
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// Document converts a value into the generic map form CEL reads. Structs
// are routed through their JSON encoding so field names match the wire.
func Document(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
