// Package dataflow implements the workflow execution context and the
// <% ... %> expression language used by publish clauses, transition
// guards, with-items item expressions and action input templating.
//
// Two dialects are supported, selected by the shape of the trimmed
// expression: a leading "$" is a jq-style path into the context
// (evaluated with gojq), anything else is a boolean/arithmetic
// expression (evaluated with expr-lang/expr). Both compile against the
// same context value, so `<% $.task1 %>` and `<% task1.result > 0 %>`
// can appear side by side in the same spec.
package dataflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	pkgerrors "github.com/tombee/conductor/pkg/errors"
)

// Evaluator evaluates data-flow expressions against a workflow context.
// Compiled programs are cached, matching the teacher's expr.Evaluator.
type Evaluator struct {
	mu       sync.RWMutex
	exprCache map[string]*vm.Program
	jqCache   map[string]*gojq.Code
}

// New creates an expression evaluator with empty caches.
func New() *Evaluator {
	return &Evaluator{
		exprCache: make(map[string]*vm.Program),
		jqCache:   make(map[string]*gojq.Code),
	}
}

// Evaluate evaluates expr against ctx and returns the raw result. The
// caller is responsible for extracting a bool/string/etc as needed.
// An empty expression (after stripping delimiters) evaluates to nil,
// which callers treat as "no-op"/"always true" depending on context.
func (e *Evaluator) Evaluate(raw string, ctx map[string]any) (any, error) {
	text := stripDelimiters(raw)
	if text == "" {
		return nil, nil
	}

	if strings.HasPrefix(text, "$") {
		return e.evalJQ(text, ctx)
	}
	return e.evalExpr(text, ctx)
}

// EvaluateBool evaluates expr and requires the result to be a bool. An
// empty expression defaults to true (spec §4.3's guard-absent case).
func (e *Evaluator) EvaluateBool(raw string, ctx map[string]any) (bool, error) {
	text := stripDelimiters(raw)
	if text == "" {
		return true, nil
	}

	result, err := e.Evaluate(raw, ctx)
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)
	if !ok {
		return false, &pkgerrors.ExpressionError{
			Expression: raw,
			Cause:      fmt.Errorf("expression must evaluate to a boolean, got %T", result),
		}
	}
	return b, nil
}

func (e *Evaluator) evalExpr(text string, ctx map[string]any) (any, error) {
	prog, err := e.compileExpr(text)
	if err != nil {
		return nil, &pkgerrors.ExpressionError{Expression: text, Cause: err}
	}

	result, err := expr.Run(prog, ctx)
	if err != nil {
		return nil, &pkgerrors.ExpressionError{Expression: text, Cause: err}
	}
	return result, nil
}

func (e *Evaluator) compileExpr(text string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.exprCache[text]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(text, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.exprCache[text] = prog
	e.mu.Unlock()

	return prog, nil
}

func (e *Evaluator) evalJQ(text string, ctx map[string]any) (any, error) {
	code, err := e.compileJQ(text)
	if err != nil {
		return nil, &pkgerrors.ExpressionError{Expression: text, Cause: err}
	}

	// "$." is the context-root path convention used throughout the DSL
	// (spec §4.6). gojq's own root-binding syntax is "."; translate once
	// here rather than asking every spec author to write ".foo".
	iter := code.Run(ctx)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if errVal, isErr := v.(error); isErr {
		return nil, &pkgerrors.ExpressionError{Expression: text, Cause: errVal}
	}
	return v, nil
}

func (e *Evaluator) compileJQ(text string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.jqCache[text]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	path := strings.TrimPrefix(text, "$")
	if path == "" {
		path = "."
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.jqCache[text] = code
	e.mu.Unlock()

	return code, nil
}

// stripDelimiters removes a single enclosing "<% ... %>" if present and
// trims surrounding whitespace. Text with no delimiters is returned
// trimmed, unchanged, so literal (non-expression) strings pass through
// callers that always route through Evaluate.
func stripDelimiters(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "<%") && strings.HasSuffix(text, "%>") {
		text = strings.TrimSpace(text[2 : len(text)-2])
	}
	return text
}

// ClearCache drops all cached compiled programs. Exposed for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exprCache = make(map[string]*vm.Program)
	e.jqCache = make(map[string]*gojq.Code)
}
