package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		facts      map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "age > 18",
			facts:      map[string]interface{}{"age": 25},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "age < 18",
			facts:      map[string]interface{}{"age": 25},
			wantResult: false,
		},
		{
			name:       "Nested facts from a step output",
			expression: `order.status == "paid" && order.total >= 100.0`,
			facts: map[string]interface{}{
				"order": map[string]interface{}{"status": "paid", "total": 120.5},
			},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			facts:      map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "expression 'age + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			facts:      map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.facts)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should match")
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err, "Evaluate() should not return an error")
			assert.Equal(t, tt.wantResult, result, "Evaluate() result should match")
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		expression := "score > 10"

		result1, err1 := evaluator.Evaluate(expression, map[string]interface{}{"score": 15})
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate(expression, map[string]interface{}{"score": 5})
		assert.NoError(t, err2)
		assert.False(t, result2)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		facts := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", facts)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func TestAddOptionFuncLeavesFactsUntouched(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("itemCount", func(facts map[string]interface{}) interface{} {
		items, _ := facts["items"].([]interface{})
		return len(items)
	})

	facts := map[string]interface{}{"items": []interface{}{"a", "b", "c"}}
	ok, err := evaluator.Evaluate("itemCount == 3", facts)
	require.NoError(t, err)
	assert.True(t, ok)

	_, injected := facts["itemCount"]
	assert.False(t, injected)
}

func TestRun(t *testing.T) {
	evaluator := NewExprEvaluator()
	rules := []Rule{
		{Condition: "temperature > 30", Event: Event{Type: "nextStep", Params: map[string]interface{}{"stepId": "cool"}}},
		{Condition: "temperature < 10", Event: Event{Type: "nextStep", Params: map[string]interface{}{"stepId": "heat"}}},
		{Condition: "true", Event: Event{Type: "audit"}},
	}

	events, err := Run(evaluator, rules, map[string]interface{}{"temperature": 35})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "cool", events[0].Params["stepId"])
	assert.Equal(t, "audit", events[1].Type)

	_, err = Run(evaluator, []Rule{{Condition: "temperature +", Event: Event{Type: "broken"}}}, map[string]interface{}{"temperature": 1})
	assert.ErrorContains(t, err, "broken")
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "x > 5"
	facts := map[string]interface{}{"x": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, facts)
	}
}
