package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxworkflow/flux/internal/replay"
	"github.com/fluxworkflow/flux/internal/task"
)

// demoWorkflows is the sample catalog a worker ships registered with out of the box,
// so "flux start worker" has something runnable without a separate packaging step.
// Real deployments register their own workflow code through the catalog; these exist
// to exercise every corner of the task runtime (retry, timeout, fallback, rollback,
// cache, secrets, metadata) end to end.
func demoWorkflows() map[string]*replay.Workflow {
	workflows := map[string]*replay.Workflow{
		"greet":       greetWorkflow(),
		"fetch-price": fetchPriceWorkflow(),
	}
	out := make(map[string]*replay.Workflow, len(workflows))
	for _, wf := range workflows {
		out[wf.Name+"@v1"] = wf
	}
	return out
}

// greetWorkflow is the smallest possible shape: one task, no options, to confirm the
// driver/runtime wiring works before anything more elaborate.
func greetWorkflow() *replay.Workflow {
	sayHello := task.New("greet.say-hello", func(ctx context.Context, in task.Input) (any, error) {
		name, _ := in.Args[0].(string)
		if name == "" {
			name = "world"
		}
		return fmt.Sprintf("hello, %s", name), nil
	})
	return replay.New("greet", func(ctx *replay.Context, input json.RawMessage) (any, error) {
		var name string
		_ = json.Unmarshal(input, &name)
		val, err := ctx.Call(sayHello, []any{name}, nil)
		if err != nil {
			return nil, err
		}
		var out string
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// fetchPriceWorkflow exercises retry-with-backoff, a fallback task, a rollback task,
// and an API-key secret request layered onto a single flaky call, then caches the
// formatting step's result so repeat executions with the same quote skip that step;
// the flaky fetch itself runs on every execution.
func fetchPriceWorkflow() *replay.Workflow {
	rollbackCharge := task.New("fetch-price.rollback-reservation", func(ctx context.Context, in task.Input) (any, error) {
		return nil, nil
	})

	fallbackQuote := task.New("fetch-price.fallback-quote", func(ctx context.Context, in task.Input) (any, error) {
		return 0.0, nil
	}).WithOptions(task.Options{Name: "fallback-quote({0})"})

	fetchQuote := task.New("fetch-price.fetch-quote", func(ctx context.Context, in task.Input) (any, error) {
		symbol, _ := in.Args[0].(string)
		apiKey := in.Secrets["pricing_api_key"]
		if apiKey == "" {
			return nil, fmt.Errorf("fetch-price: missing pricing_api_key secret")
		}
		return fetchQuoteFromUpstream(symbol, apiKey)
	}).WithOptions(task.Options{
		Name:             "fetch-quote({0})",
		RetryMaxAttempts: 3,
		RetryDelay:       200 * time.Millisecond,
		RetryBackoff:     2,
		Timeout:          5 * time.Second,
		Fallback:         fallbackQuote,
		Rollback:         rollbackCharge,
		SecretRequests:   []string{"pricing_api_key"},
		Metadata:         true,
	})

	formatQuote := task.New("fetch-price.format-quote", func(ctx context.Context, in task.Input) (any, error) {
		symbol, _ := in.Args[0].(string)
		price := toFloat(in.Args[1])
		return fmt.Sprintf("%s=%.2f", symbol, price), nil
	}).WithOptions(task.Options{Cache: true})

	return replay.New("fetch-price", func(ctx *replay.Context, input json.RawMessage) (any, error) {
		var symbol string
		if err := json.Unmarshal(input, &symbol); err != nil {
			return nil, fmt.Errorf("fetch-price: input must be a symbol string: %w", err)
		}

		quoteVal, err := ctx.Call(fetchQuote, []any{symbol}, nil)
		if err != nil {
			return nil, err
		}
		var price float64
		if err := json.Unmarshal(quoteVal, &price); err != nil {
			return nil, err
		}

		formatted, err := ctx.Call(formatQuote, []any{symbol, price}, nil)
		if err != nil {
			return nil, err
		}
		var out string
		if err := json.Unmarshal(formatted, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// fetchQuoteFromUpstream stands in for a real pricing API call. Demo workflows exist
// to exercise the task runtime's options, not to reach the network, so this returns a
// deterministic value derived from the symbol rather than dialing out.
func fetchQuoteFromUpstream(symbol, apiKey string) (float64, error) {
	var sum int
	for _, r := range symbol {
		sum += int(r)
	}
	return float64(sum%500) + 0.5, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
