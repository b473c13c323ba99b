package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, facts map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value under name. f receives the caller's facts.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided facts.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// facts is never modified.
func (e *ExprEvaluator) Evaluate(expression string, facts map[string]interface{}) (bool, error) {
	env := e.env(facts)

	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		// Compile with write lock
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(env))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) env(facts map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	env := make(map[string]interface{}, len(facts)+len(e.optionsFunc))
	for k, v := range facts {
		env[k] = v
	}
	for k, f := range e.optionsFunc {
		env[k] = f(facts)
	}
	return env
}

// Event is fired when a rule's condition holds.
type Event struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Rule pairs a boolean expression with the event it fires.
type Rule struct {
	Condition string `json:"condition"`
	Event     Event  `json:"event"`
}

// Run evaluates every rule against facts and returns the events of the rules
// that matched, in rule order.
func Run(evaluator Evaluator, rules []Rule, facts map[string]interface{}) ([]Event, error) {
	fired := make([]Event, 0, len(rules))
	for i, rule := range rules {
		ok, err := evaluator.Evaluate(rule.Condition, facts)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Event.Type, err)
		}
		if ok {
			fired = append(fired, rule.Event)
		}
	}
	return fired, nil
}
